package routing

import (
	"context"
	"time"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/models"
	"github.com/parceldrop/dispatch/pkg/resilience"
)

// Engine is the production Routing implementation: Nominatim for geocoding,
// Valhalla for routes, each behind its own circuit breaker so a dead
// geocoder does not stop route computation (and vice versa).
type Engine struct {
	geocoder       *NominatimClient
	router         *ValhallaClient
	defaultCosting string

	geocodeBreaker *resilience.CircuitBreaker
	routeBreaker   *resilience.CircuitBreaker
}

// NewEngine wires the routing engine from config.
func NewEngine(cfg *config.RoutingConfig) *Engine {
	return &Engine{
		geocoder: NewNominatimClient(
			cfg.NominatimURL,
			time.Duration(cfg.GeocodeTimeoutSeconds)*time.Second,
		),
		router: NewValhallaClient(
			cfg.ValhallaURL,
			time.Duration(cfg.TripTimeoutSeconds)*time.Second,
			time.Duration(cfg.MatrixTimeoutSeconds)*time.Second,
		),
		defaultCosting: cfg.Costing,
		geocodeBreaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:    "nominatim",
			Timeout: 30 * time.Second,
		}, nil),
		routeBreaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:    "valhalla",
			Timeout: 30 * time.Second,
		}, nil),
	}
}

// Geocode resolves a free-text address through the breaker.
func (e *Engine) Geocode(ctx context.Context, text string) (*Geocoded, error) {
	result, err := e.geocodeBreaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return e.geocoder.Geocode(ctx, text)
	})
	if err != nil {
		return nil, e.upstream("geocoding unavailable", err)
	}
	geocoded, _ := result.(*Geocoded)
	return geocoded, nil
}

// Trip routes through every waypoint in order.
func (e *Engine) Trip(ctx context.Context, waypoints []models.Point, costing string) (*Trip, error) {
	result, err := e.routeBreaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return e.router.Trip(ctx, waypoints, e.costing(costing))
	})
	if err != nil {
		return nil, e.upstream("routing unavailable", err)
	}
	trip, _ := result.(*Trip)
	return trip, nil
}

// DirectRoute routes start to end on the latency-sensitive path.
func (e *Engine) DirectRoute(ctx context.Context, start, end models.Point, costing string) (*Route, error) {
	result, err := e.routeBreaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return e.router.DirectRoute(ctx, start, end, e.costing(costing))
	})
	if err != nil {
		return nil, e.upstream("routing unavailable", err)
	}
	route, _ := result.(*Route)
	return route, nil
}

func (e *Engine) costing(costing string) string {
	if costing != "" {
		return costing
	}
	return e.defaultCosting
}

func (e *Engine) upstream(message string, err error) error {
	if appErr, ok := err.(*common.AppError); ok {
		return appErr
	}
	return common.NewUpstreamError(message, err)
}
