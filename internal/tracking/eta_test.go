package tracking

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/internal/routing"
	"github.com/parceldrop/dispatch/pkg/models"
)

// ─────────────────────────── mocks ───────────────────────────

type mockOrderDirectory struct {
	mock.Mock
}

func (m *mockOrderDirectory) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *mockOrderDirectory) GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Address), args.Error(1)
}

type mockRouting struct {
	mock.Mock
}

func (m *mockRouting) Geocode(ctx context.Context, text string) (*routing.Geocoded, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*routing.Geocoded), args.Error(1)
}

func (m *mockRouting) Trip(ctx context.Context, waypoints []models.Point, costing string) (*routing.Trip, error) {
	args := m.Called(ctx, waypoints, costing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*routing.Trip), args.Error(1)
}

func (m *mockRouting) DirectRoute(ctx context.Context, start, end models.Point, costing string) (*routing.Route, error) {
	args := m.Called(ctx, start, end, costing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*routing.Route), args.Error(1)
}

// ─────────────────────────── fixtures ───────────────────────────

func trackedOrder(status models.OrderStatus, waypoints ...models.Waypoint) *models.Order {
	return &models.Order{
		ID:        uuid.New(),
		ClientID:  uuid.New(),
		Status:    status,
		Waypoints: waypoints,
	}
}

func stop(status models.WaypointStatus) models.Waypoint {
	return models.Waypoint{AddressID: uuid.New(), Status: status}
}

// ─────────────────────────── estimation ───────────────────────────

func TestEstimateRoutesToNextUnfinishedStop(t *testing.T) {
	orders := new(mockOrderDirectory)
	router := new(mockRouting)
	eta := NewRouteEta(orders, router)

	done := stop(models.WaypointStatusCompleted)
	next := stop(models.WaypointStatusPending)
	order := trackedOrder(models.OrderStatusEnRouteToDelivery, done, next)

	from := models.Point{Lon: -17.45, Lat: 14.69}
	dest := models.Point{Lon: -17.43, Lat: 14.71}

	orders.On("GetByID", mock.Anything, order.ID).Return(order, nil)
	orders.On("GetAddress", mock.Anything, next.AddressID).
		Return(&models.Address{ID: next.AddressID, Coordinates: dest}, nil)
	router.On("DirectRoute", mock.Anything, from, dest, "auto").
		Return(&routing.Route{DurationSeconds: 540, DistanceMeters: 4200}, nil)

	estimate, err := eta.Estimate(context.Background(), order.ID, from)
	require.NoError(t, err)
	require.NotNil(t, estimate)
	assert.Equal(t, 540, *estimate)

	orders.AssertExpectations(t)
	router.AssertExpectations(t)
}

func TestEstimateCachesPerOrder(t *testing.T) {
	orders := new(mockOrderDirectory)
	router := new(mockRouting)
	eta := NewRouteEta(orders, router)

	next := stop(models.WaypointStatusPending)
	order := trackedOrder(models.OrderStatusAccepted, next)
	from := models.Point{Lon: -17.45, Lat: 14.69}

	orders.On("GetByID", mock.Anything, order.ID).Return(order, nil)
	orders.On("GetAddress", mock.Anything, next.AddressID).
		Return(&models.Address{ID: next.AddressID, Coordinates: models.Point{Lon: -17.4, Lat: 14.7}}, nil)
	router.On("DirectRoute", mock.Anything, mock.Anything, mock.Anything, "auto").
		Return(&routing.Route{DurationSeconds: 300}, nil)

	for i := 0; i < 3; i++ {
		estimate, err := eta.Estimate(context.Background(), order.ID, from)
		require.NoError(t, err)
		require.NotNil(t, estimate)
		assert.Equal(t, 300, *estimate)
	}

	orders.AssertNumberOfCalls(t, "GetByID", 1)
	router.AssertNumberOfCalls(t, "DirectRoute", 1)
}

func TestEstimateNilWhenMissionSettled(t *testing.T) {
	orders := new(mockOrderDirectory)
	router := new(mockRouting)
	eta := NewRouteEta(orders, router)

	order := trackedOrder(models.OrderStatusSuccess, stop(models.WaypointStatusCompleted))
	orders.On("GetByID", mock.Anything, order.ID).Return(order, nil)

	estimate, err := eta.Estimate(context.Background(), order.ID, models.Point{Lon: -17.4, Lat: 14.7})
	require.NoError(t, err)
	assert.Nil(t, estimate)
	router.AssertNotCalled(t, "DirectRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEstimateNilWhenAllStopsFinished(t *testing.T) {
	orders := new(mockOrderDirectory)
	router := new(mockRouting)
	eta := NewRouteEta(orders, router)

	order := trackedOrder(models.OrderStatusAtDeliveryLocation,
		stop(models.WaypointStatusCompleted), stop(models.WaypointStatusSkipped))
	orders.On("GetByID", mock.Anything, order.ID).Return(order, nil)

	estimate, err := eta.Estimate(context.Background(), order.ID, models.Point{Lon: -17.4, Lat: 14.7})
	require.NoError(t, err)
	assert.Nil(t, estimate)
}

func TestEstimateNilForUnroutablePair(t *testing.T) {
	orders := new(mockOrderDirectory)
	router := new(mockRouting)
	eta := NewRouteEta(orders, router)

	next := stop(models.WaypointStatusArrived)
	order := trackedOrder(models.OrderStatusAtPickup, next)

	orders.On("GetByID", mock.Anything, order.ID).Return(order, nil)
	orders.On("GetAddress", mock.Anything, next.AddressID).
		Return(&models.Address{ID: next.AddressID, Coordinates: models.Point{Lon: -17.4, Lat: 14.7}}, nil)
	router.On("DirectRoute", mock.Anything, mock.Anything, mock.Anything, "auto").Return(nil, nil)

	estimate, err := eta.Estimate(context.Background(), order.ID, models.Point{Lon: -17.45, Lat: 14.69})
	require.NoError(t, err)
	assert.Nil(t, estimate)
}
