package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/parceldrop/dispatch/pkg/httpclient"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
	"go.uber.org/zap"
)

const valhallaRouteEndpoint = "/route"

// Valhalla error codes for "no route between these points".
const (
	valhallaNoRoute          = 442
	valhallaNoEdgesNearInput = 171
)

// ValhallaClient computes routes against a Valhalla instance. Trip requests
// and direct (two-point) requests use separate timeouts because direct routes
// sit on latency-sensitive paths like reroute and offer details.
type ValhallaClient struct {
	tripClient   *httpclient.Client
	directClient *httpclient.Client
}

// NewValhallaClient builds a routing client.
func NewValhallaClient(baseURL string, tripTimeout, directTimeout time.Duration) *ValhallaClient {
	if tripTimeout <= 0 {
		tripTimeout = 20 * time.Second
	}
	if directTimeout <= 0 {
		directTimeout = 7 * time.Second
	}
	return &ValhallaClient{
		tripClient:   httpclient.NewClient(baseURL, tripTimeout, httpclient.WithDefaultRetry()),
		directClient: httpclient.NewClient(baseURL, directTimeout, httpclient.WithDefaultRetry()),
	}
}

// Trip routes through every waypoint in order. Returns nil when Valhalla
// cannot connect the points.
func (v *ValhallaClient) Trip(ctx context.Context, waypoints []models.Point, costing string) (*Trip, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("trip requires at least 2 waypoints, got %d", len(waypoints))
	}

	resp, err := v.route(ctx, v.tripClient, waypoints, costing)
	if err != nil || resp == nil {
		return nil, err
	}

	trip := &Trip{
		TotalDurationSeconds: secondsToInt(resp.Trip.Summary.Time),
		TotalDistanceMeters:  kmToMeters(resp.Trip.Summary.Length),
		Legs:                 make([]Leg, 0, len(resp.Trip.Legs)),
	}

	for _, l := range resp.Trip.Legs {
		leg := Leg{
			Geometry:        l.Shape,
			DurationSeconds: secondsToInt(l.Summary.Time),
			DistanceMeters:  kmToMeters(l.Summary.Length),
		}
		for _, m := range l.Maneuvers {
			leg.Maneuvers = append(leg.Maneuvers, Maneuver{
				Instruction:    m.Instruction,
				Type:           m.Type,
				DistanceMeters: kmToMeters(m.Length),
			})
		}
		trip.Legs = append(trip.Legs, leg)
	}

	return trip, nil
}

// DirectRoute routes start to end without maneuver detail.
func (v *ValhallaClient) DirectRoute(ctx context.Context, start, end models.Point, costing string) (*Route, error) {
	resp, err := v.route(ctx, v.directClient, []models.Point{start, end}, costing)
	if err != nil || resp == nil {
		return nil, err
	}

	route := &Route{
		DurationSeconds: secondsToInt(resp.Trip.Summary.Time),
		DistanceMeters:  kmToMeters(resp.Trip.Summary.Length),
	}
	if len(resp.Trip.Legs) > 0 {
		route.Geometry = resp.Trip.Legs[0].Shape
	}

	return route, nil
}

func (v *ValhallaClient) route(ctx context.Context, client *httpclient.Client, points []models.Point, costing string) (*valhallaRouteResponse, error) {
	locations := make([]valhallaLocation, len(points))
	for i, p := range points {
		locations[i] = valhallaLocation{Lat: p.Lat, Lon: p.Lon}
	}

	req := valhallaRouteRequest{
		Locations: locations,
		Costing:   costing,
		Units:     "kilometers",
	}

	resp, err := client.Post(ctx, valhallaRouteEndpoint, req, nil)
	if err != nil {
		if isValhallaNoRoute(err) {
			logger.Debug("valhalla found no route",
				zap.Int("waypoints", len(points)),
				zap.String("costing", costing),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("valhalla route request failed: %w", err)
	}

	var routeResp valhallaRouteResponse
	if err := json.Unmarshal(resp, &routeResp); err != nil {
		return nil, fmt.Errorf("failed to parse valhalla response: %w", err)
	}

	return &routeResp, nil
}

// isValhallaNoRoute distinguishes "these points cannot be connected" from a
// failing engine. Valhalla reports both as HTTP 400 with an error_code body.
func isValhallaNoRoute(err error) bool {
	var httpErr *httpclient.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		return false
	}

	var body valhallaError
	if json.Unmarshal([]byte(httpErr.Body), &body) != nil {
		return false
	}

	return body.ErrorCode == valhallaNoRoute || body.ErrorCode == valhallaNoEdgesNearInput
}

func kmToMeters(km float64) int {
	return int(math.Round(km * 1000))
}

func secondsToInt(s float64) int {
	return int(math.Round(s))
}

// Valhalla request/response structures

type valhallaRouteRequest struct {
	Locations []valhallaLocation `json:"locations"`
	Costing   string             `json:"costing"`
	Units     string             `json:"units,omitempty"`
}

type valhallaLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type valhallaRouteResponse struct {
	Trip valhallaTrip `json:"trip"`
}

type valhallaTrip struct {
	Status  int             `json:"status"`
	Summary valhallaSummary `json:"summary"`
	Legs    []valhallaLeg   `json:"legs"`
}

type valhallaSummary struct {
	Time   float64 `json:"time"`
	Length float64 `json:"length"`
}

type valhallaLeg struct {
	Summary   valhallaSummary    `json:"summary"`
	Shape     string             `json:"shape"`
	Maneuvers []valhallaManeuver `json:"maneuvers"`
}

type valhallaManeuver struct {
	Instruction string  `json:"instruction"`
	Type        int     `json:"type"`
	Length      float64 `json:"length"`
	Time        float64 `json:"time"`
}

type valhallaError struct {
	ErrorCode  int    `json:"error_code"`
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
}
