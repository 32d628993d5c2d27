package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parceldrop/dispatch/internal/routing"
	"github.com/parceldrop/dispatch/pkg/models"
)

// etaCacheTTL bounds how often the routing engine is asked per order.
// Location updates arrive far more often than an estimate meaningfully
// changes.
const etaCacheTTL = 30 * time.Second

// OrderDirectory is the read access the estimator needs to find the next
// stop of a mission.
type OrderDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error)
}

type cachedEta struct {
	value      *int
	computedAt time.Time
}

// RouteEta estimates remaining travel time to the order's next unfinished
// waypoint through the routing engine, with a short per-order cache.
type RouteEta struct {
	orders OrderDirectory
	router routing.Routing

	mu    sync.Mutex
	cache map[uuid.UUID]cachedEta
}

// NewRouteEta creates the routing-backed estimator.
func NewRouteEta(orders OrderDirectory, router routing.Routing) *RouteEta {
	return &RouteEta{orders: orders, router: router, cache: make(map[uuid.UUID]cachedEta)}
}

// Estimate returns seconds to the order's next stop, or nil when the order
// has no reachable next stop. Fresh results are cached per order.
func (e *RouteEta) Estimate(ctx context.Context, orderID uuid.UUID, from models.Point) (*int, error) {
	e.mu.Lock()
	if entry, ok := e.cache[orderID]; ok && time.Since(entry.computedAt) < etaCacheTTL {
		e.mu.Unlock()
		return entry.value, nil
	}
	e.mu.Unlock()

	value, err := e.compute(ctx, orderID, from)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[orderID] = cachedEta{value: value, computedAt: time.Now()}
	e.mu.Unlock()
	return value, nil
}

func (e *RouteEta) compute(ctx context.Context, orderID uuid.UUID, from models.Point) (*int, error) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, nil
	}

	var next *models.Waypoint
	for i := range order.Waypoints {
		if !order.Waypoints[i].Status.Terminal() {
			next = &order.Waypoints[i]
			break
		}
	}
	if next == nil {
		return nil, nil
	}

	addr, err := e.orders.GetAddress(ctx, next.AddressID)
	if err != nil {
		return nil, err
	}

	route, err := e.router.DirectRoute(ctx, from, addr.Coordinates, "auto")
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, nil
	}

	seconds := route.DurationSeconds
	return &seconds, nil
}
