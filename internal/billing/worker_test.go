package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/models"
)

// ─────────────────────────── mocks ───────────────────────────

type mockLog struct {
	mock.Mock
}

func (m *mockLog) EnsureGroup(ctx context.Context, stream, group string) error {
	args := m.Called(ctx, stream, group)
	return args.Error(0)
}

func (m *mockLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]eventlog.Event, error) {
	args := m.Called(ctx, stream, group, consumer, count, block)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]eventlog.Event), args.Error(1)
}

func (m *mockLog) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]eventlog.Event, error) {
	args := m.Called(ctx, stream, group, consumer, minIdle, count)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]eventlog.Event), args.Error(1)
}

func (m *mockLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	args := m.Called(ctx, stream, group, ids)
	return args.Error(0)
}

func (m *mockLog) DeliveryCounts(ctx context.Context, stream, group string, ids []string) (map[string]int64, error) {
	args := m.Called(ctx, stream, group, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

// ─────────────────────────── fixtures ───────────────────────────

func billingConfig() config.BillingWorkerConfig {
	return config.BillingWorkerConfig{
		MaxPerPoll:          10,
		BlockTimeoutMs:      100,
		ClaimIdleMs:         60000,
		MaxRetry:            5,
		ReconcileIntervalMs: 300000,
	}
}

func newTestWorker(events *mockLog, service *Service) *Worker {
	return NewWorker(events, service, billingConfig(), "billing-test-1")
}

// ─────────────────────────── event filtering ───────────────────────────

func TestWorkerAcksNonCompletionEvents(t *testing.T) {
	events := new(mockLog)
	worker := newTestWorker(events, newTestService(new(mockStore), new(mockDrivers), nil))

	event := eventlog.Event{
		ID:     "1-0",
		Stream: eventlog.StreamAssignment,
		Values: eventlog.NewMissionEvent(eventlog.TypeNewOfferProposed, uuid.New(), nil),
	}
	events.On("Ack", mock.Anything, eventlog.StreamAssignment, eventlog.GroupBillingWorkers, []string{"1-0"}).Return(nil)

	worker.process(context.Background(), event)
	events.AssertExpectations(t)
}

func TestWorkerCompletionEventCreatesPayout(t *testing.T) {
	events := new(mockLog)
	store := new(mockStore)
	drivers := new(mockDrivers)
	gateway := new(mockGateway)
	worker := newTestWorker(events, newTestService(store, drivers, gateway))

	driver := payableDriver(models.PaymentMethodOrangeMoney)
	orderID := uuid.New()
	event := eventlog.Event{
		ID:     "2-0",
		Stream: eventlog.StreamAssignment,
		Values: eventlog.NewMissionEvent(eventlog.TypeCompleted, orderID, map[string]string{
			eventlog.FieldDriverID:     driver.ID.String(),
			eventlog.FieldRemuneration: "750",
			eventlog.FieldCurrency:     "XOF",
		}),
	}

	drivers.On("GetByID", mock.Anything, driver.ID).Return(driver, nil)
	done := make(chan struct{})
	store.On("CreatePayout", mock.Anything, mock.MatchedBy(func(txn *models.OrderTransaction) bool {
		return txn.OrderID == orderID && txn.Amount == 750 && txn.Currency == "XOF"
	})).Return(nil)
	gateway.On("InitiatePayout", mock.Anything, mock.Anything, mock.Anything).Return("mm-ref-2", nil)
	store.On("SetReference", mock.Anything, mock.Anything, "mm-ref-2").Return(nil).
		Run(func(mock.Arguments) { close(done) })
	events.On("Ack", mock.Anything, eventlog.StreamAssignment, eventlog.GroupBillingWorkers, []string{"2-0"}).Return(nil)

	worker.process(context.Background(), event)

	await(t, done)
	store.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestWorkerLeavesFailedCompletionPending(t *testing.T) {
	events := new(mockLog)
	store := new(mockStore)
	drivers := new(mockDrivers)
	worker := newTestWorker(events, newTestService(store, drivers, nil))

	driver := payableDriver(models.PaymentMethodWave)
	event := eventlog.Event{
		ID:     "3-0",
		Stream: eventlog.StreamAssignment,
		Values: eventlog.NewMissionEvent(eventlog.TypeCompleted, uuid.New(), map[string]string{
			eventlog.FieldDriverID:     driver.ID.String(),
			eventlog.FieldRemuneration: "1500",
			eventlog.FieldCurrency:     "XOF",
		}),
	}

	drivers.On("GetByID", mock.Anything, driver.ID).Return(driver, nil)
	store.On("CreatePayout", mock.Anything, mock.Anything).Return(errors.New("db down"))
	events.On("DeliveryCounts", mock.Anything, eventlog.StreamAssignment, eventlog.GroupBillingWorkers,
		[]string{"3-0"}).Return(map[string]int64{"3-0": 1}, nil)

	worker.process(context.Background(), event)

	events.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkerAcksAfterRetryExhaustion(t *testing.T) {
	events := new(mockLog)
	store := new(mockStore)
	drivers := new(mockDrivers)
	worker := newTestWorker(events, newTestService(store, drivers, nil))

	driver := payableDriver(models.PaymentMethodWave)
	event := eventlog.Event{
		ID:     "4-0",
		Stream: eventlog.StreamAssignment,
		Values: eventlog.NewMissionEvent(eventlog.TypeCompleted, uuid.New(), map[string]string{
			eventlog.FieldDriverID:     driver.ID.String(),
			eventlog.FieldRemuneration: "1500",
			eventlog.FieldCurrency:     "XOF",
		}),
	}

	drivers.On("GetByID", mock.Anything, driver.ID).Return(driver, nil)
	store.On("CreatePayout", mock.Anything, mock.Anything).Return(errors.New("db down"))
	events.On("DeliveryCounts", mock.Anything, eventlog.StreamAssignment, eventlog.GroupBillingWorkers,
		[]string{"4-0"}).Return(map[string]int64{"4-0": 5}, nil)
	events.On("Ack", mock.Anything, eventlog.StreamAssignment, eventlog.GroupBillingWorkers, []string{"4-0"}).Return(nil)

	worker.process(context.Background(), event)
	events.AssertExpectations(t)
}
