package billing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
)

// EventLog is the stream surface the billing worker consumes.
type EventLog interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]eventlog.Event, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]eventlog.Event, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	DeliveryCounts(ctx context.Context, stream, group string, ids []string) (map[string]int64, error)
}

// Worker consumes the assignment stream in the billing group and turns
// completion events into payouts. All other event types ack immediately;
// the billing group only exists for mission_completed.
type Worker struct {
	events   EventLog
	service  *Service
	cfg      config.BillingWorkerConfig
	consumer string

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWorker(events EventLog, service *Service, cfg config.BillingWorkerConfig, consumer string) *Worker {
	return &Worker{
		events:   events,
		service:  service,
		cfg:      cfg,
		consumer: consumer,
		done:     make(chan struct{}),
	}
}

// Start launches the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.events.EnsureGroup(ctx, eventlog.StreamAssignment, eventlog.GroupBillingWorkers); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop signals the consume loop and waits for in-flight work to drain.
func (w *Worker) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	logger.Info("billing worker started", zap.String("consumer", w.consumer))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		claimed, err := w.events.Claim(ctx, eventlog.StreamAssignment, eventlog.GroupBillingWorkers,
			w.consumer, time.Duration(w.cfg.ClaimIdleMs)*time.Millisecond, int64(w.cfg.MaxPerPoll))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("billing claim sweep failed", zap.Error(err))
		}
		for _, event := range claimed {
			w.process(ctx, event)
		}

		events, err := w.events.ReadGroup(ctx, eventlog.StreamAssignment, eventlog.GroupBillingWorkers,
			w.consumer, int64(w.cfg.MaxPerPoll), time.Duration(w.cfg.BlockTimeoutMs)*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to read billing events", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, event := range events {
			w.process(ctx, event)
		}
	}
}

// process settles one event. Completion events create payouts; everything
// else on the stream is assignment traffic this group acks through.
func (w *Worker) process(ctx context.Context, event eventlog.Event) {
	if event.Type() != eventlog.TypeCompleted {
		w.ack(ctx, event)
		return
	}

	orderID, err := event.OrderID()
	if err != nil {
		logger.WarnContext(ctx, "completion event without valid order id, dropping",
			zap.String("event_id", event.ID))
		w.ack(ctx, event)
		return
	}

	err = w.service.ProcessCompletion(ctx, orderID, event.DriverID(),
		event.Remuneration(), event.Values[eventlog.FieldCurrency])
	if err == nil {
		w.ack(ctx, event)
		return
	}

	counts, cerr := w.events.DeliveryCounts(ctx, eventlog.StreamAssignment,
		eventlog.GroupBillingWorkers, []string{event.ID})
	if cerr == nil && counts[event.ID] >= int64(w.cfg.MaxRetry) {
		logger.ErrorContext(ctx, "payout retries exhausted, giving up",
			zap.String("event_id", event.ID),
			zap.String("order_id", orderID.String()),
			zap.Int64("deliveries", counts[event.ID]),
			zap.Error(err))
		w.ack(ctx, event)
		return
	}

	logger.WarnContext(ctx, "payout processing failed, leaving pending",
		zap.String("event_id", event.ID), zap.Error(err))
}

func (w *Worker) ack(ctx context.Context, event eventlog.Event) {
	if err := w.events.Ack(ctx, eventlog.StreamAssignment, eventlog.GroupBillingWorkers, event.ID); err != nil {
		logger.ErrorContext(ctx, "failed to ack billing event",
			zap.String("event_id", event.ID), zap.Error(err))
	}
}
