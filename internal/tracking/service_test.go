package tracking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/pkg/eventbus"
	"github.com/parceldrop/dispatch/pkg/models"
)

// ─────────────────────────── mocks ───────────────────────────

type mockBus struct {
	mock.Mock
	handlers map[string]eventbus.HandlerFunc
}

func (m *mockBus) Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error {
	args := m.Called(ctx, subject, consumerName)
	if m.handlers == nil {
		m.handlers = make(map[string]eventbus.HandlerFunc)
	}
	m.handlers[subject] = handler
	return args.Error(0)
}

type mockEta struct {
	mock.Mock
}

func (m *mockEta) Estimate(ctx context.Context, orderID uuid.UUID, from models.Point) (*int, error) {
	args := m.Called(ctx, orderID, from)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*int), args.Error(1)
}

// ─────────────────────────── fixtures ───────────────────────────

func startedService(t *testing.T, eta EtaEstimator) (*Service, *mockBus) {
	t.Helper()

	bus := new(mockBus)
	bus.On("Subscribe", mock.Anything, eventbus.SubjectOrderStatusUpdated, "tracking_status_api-1").Return(nil)
	bus.On("Subscribe", mock.Anything, eventbus.SubjectDriverLocationUpdated, "tracking_location_api-1").Return(nil)

	service := NewService(NewHub(), bus, eta, "api-1")
	require.NoError(t, service.Start(context.Background()))
	return service, bus
}

func statusEvent(t *testing.T, data eventbus.OrderStatusUpdatedData) *eventbus.Event {
	t.Helper()
	event, err := eventbus.NewEvent(eventbus.SubjectOrderStatusUpdated, "test", data)
	require.NoError(t, err)
	return event
}

func locationEvent(t *testing.T, data eventbus.DriverLocationUpdatedData) *eventbus.Event {
	t.Helper()
	event, err := eventbus.NewEvent(eventbus.SubjectDriverLocationUpdated, "test", data)
	require.NoError(t, err)
	return event
}

// ─────────────────────────── fan-out ───────────────────────────

func TestStartSubscribesBothSubjects(t *testing.T) {
	_, bus := startedService(t, nil)

	bus.AssertExpectations(t)
	require.Contains(t, bus.handlers, eventbus.SubjectOrderStatusUpdated)
	require.Contains(t, bus.handlers, eventbus.SubjectDriverLocationUpdated)
}

func TestStatusEventReachesOrderSubscribers(t *testing.T) {
	service, bus := startedService(t, nil)

	orderID := uuid.New()
	driverID := uuid.New()
	ch := service.Hub().Subscribe(orderID)
	defer service.Hub().Unsubscribe(orderID, ch)

	updatedAt := time.Now().UTC()
	handler := bus.handlers[eventbus.SubjectOrderStatusUpdated]
	require.NoError(t, handler(context.Background(), statusEvent(t, eventbus.OrderStatusUpdatedData{
		OrderID:   orderID,
		ClientID:  uuid.New(),
		DriverID:  &driverID,
		Status:    string(models.OrderStatusAccepted),
		UpdatedAt: updatedAt,
	})))

	require.Len(t, ch, 1)
	event := <-ch
	assert.Equal(t, EventOrderStatus, event.Name)

	payload := event.Data.(StatusPayload)
	assert.Equal(t, orderID, payload.OrderID)
	assert.Equal(t, string(models.OrderStatusAccepted), payload.Status)
	require.NotNil(t, payload.DriverID)
	assert.Equal(t, driverID, *payload.DriverID)
	assert.Equal(t, updatedAt, payload.UpdatedAt)
}

func TestStatusEventForOtherOrderNotDelivered(t *testing.T) {
	service, bus := startedService(t, nil)

	ch := service.Hub().Subscribe(uuid.New())
	handler := bus.handlers[eventbus.SubjectOrderStatusUpdated]
	require.NoError(t, handler(context.Background(), statusEvent(t, eventbus.OrderStatusUpdatedData{
		OrderID: uuid.New(),
		Status:  string(models.OrderStatusSuccess),
	})))

	assert.Empty(t, ch)
}

func TestMalformedStatusEventIsAcked(t *testing.T) {
	_, bus := startedService(t, nil)

	handler := bus.handlers[eventbus.SubjectOrderStatusUpdated]
	err := handler(context.Background(), &eventbus.Event{
		ID:   "poison",
		Data: json.RawMessage(`{not json`),
	})
	assert.NoError(t, err)
}

// ─────────────────────────── location events ───────────────────────────

func TestLocationEventCarriesEta(t *testing.T) {
	eta := new(mockEta)
	service, bus := startedService(t, eta)

	orderID := uuid.New()
	driverID := uuid.New()
	ch := service.Hub().Subscribe(orderID)
	defer service.Hub().Unsubscribe(orderID, ch)

	estimate := 240
	eta.On("Estimate", mock.Anything, orderID, models.Point{Lon: -17.45, Lat: 14.69}).
		Return(&estimate, nil)

	handler := bus.handlers[eventbus.SubjectDriverLocationUpdated]
	require.NoError(t, handler(context.Background(), locationEvent(t, eventbus.DriverLocationUpdatedData{
		DriverID:  driverID,
		OrderID:   &orderID,
		Latitude:  14.69,
		Longitude: -17.45,
		SpeedKmh:  32.5,
	})))

	require.Len(t, ch, 1)
	event := <-ch
	assert.Equal(t, EventDriverLocation, event.Name)

	payload := event.Data.(LocationPayload)
	assert.Equal(t, orderID, payload.OrderID)
	assert.Equal(t, driverID, payload.DriverID)
	require.NotNil(t, payload.EtaSeconds)
	assert.Equal(t, 240, *payload.EtaSeconds)
}

func TestLocationEventEtaFailureOmitsEstimate(t *testing.T) {
	eta := new(mockEta)
	service, bus := startedService(t, eta)

	orderID := uuid.New()
	ch := service.Hub().Subscribe(orderID)
	defer service.Hub().Unsubscribe(orderID, ch)

	eta.On("Estimate", mock.Anything, orderID, mock.Anything).
		Return(nil, assert.AnError)

	handler := bus.handlers[eventbus.SubjectDriverLocationUpdated]
	require.NoError(t, handler(context.Background(), locationEvent(t, eventbus.DriverLocationUpdatedData{
		DriverID: uuid.New(),
		OrderID:  &orderID,
		Latitude: 14.7,
	})))

	require.Len(t, ch, 1)
	payload := (<-ch).Data.(LocationPayload)
	assert.Nil(t, payload.EtaSeconds)
}

func TestOffMissionLocationIgnored(t *testing.T) {
	eta := new(mockEta)
	_, bus := startedService(t, eta)

	handler := bus.handlers[eventbus.SubjectDriverLocationUpdated]
	require.NoError(t, handler(context.Background(), locationEvent(t, eventbus.DriverLocationUpdatedData{
		DriverID: uuid.New(),
		Latitude: 14.7,
	})))

	eta.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything, mock.Anything)
}

func TestLocationWithoutSubscribersSkipsEta(t *testing.T) {
	eta := new(mockEta)
	_, bus := startedService(t, eta)

	orderID := uuid.New()
	handler := bus.handlers[eventbus.SubjectDriverLocationUpdated]
	require.NoError(t, handler(context.Background(), locationEvent(t, eventbus.DriverLocationUpdatedData{
		DriverID: uuid.New(),
		OrderID:  &orderID,
		Latitude: 14.7,
	})))

	eta.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything, mock.Anything)
}

// ─────────────────────────── hub ───────────────────────────

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	orderID := uuid.New()

	ch := hub.Subscribe(orderID)
	assert.Equal(t, 1, hub.Subscribers(orderID))

	hub.Unsubscribe(orderID, ch)
	assert.Equal(t, 0, hub.Subscribers(orderID))

	_, open := <-ch
	assert.False(t, open)
}

func TestHubDropsForLaggingSubscriber(t *testing.T) {
	hub := NewHub()
	orderID := uuid.New()
	ch := hub.Subscribe(orderID)

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Broadcast(orderID, StreamEvent{Name: EventOrderStatus})
	}

	assert.Len(t, ch, subscriberBuffer)
}
