package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
)

// EventLog is the stream surface the pipeline consumes.
type EventLog interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]eventlog.Event, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]eventlog.Event, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	DeliveryCounts(ctx context.Context, stream, group string, ids []string) (map[string]int64, error)
	DeadLetter(ctx context.Context, dlqStream string, event eventlog.Event) error
}

// TokenStore retires device tokens the provider rejected.
type TokenStore interface {
	NullifyFCMToken(ctx context.Context, token string) (int64, error)
}

// Worker drains the notification stream and delivers each entry through the
// sink. Several workers share one consumer group; entries a dead worker left
// pending come back through the claim sweep.
type Worker struct {
	events   EventLog
	sink     PushSink
	tokens   TokenStore
	cfg      config.NotificationWorkerConfig
	consumer string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWorker creates a push pipeline worker identified by consumer within the
// shared group.
func NewWorker(events EventLog, sink PushSink, tokens TokenStore, cfg config.NotificationWorkerConfig, consumer string) *Worker {
	return &Worker{
		events:   events,
		sink:     sink,
		tokens:   tokens,
		cfg:      cfg,
		consumer: consumer,
		done:     make(chan struct{}),
	}
}

// Start launches the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.events.EnsureGroup(ctx, eventlog.StreamNotifications, eventlog.GroupNotificationWorkers); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop signals the consume loop and waits for in-flight deliveries to drain.
func (w *Worker) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	logger.Info("push pipeline started", zap.String("consumer", w.consumer))

	idleLoops := 0
	lastClaimed := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		// Sweep stuck entries either on the idle cadence or while the
		// previous sweep still found work.
		if idleLoops >= w.cfg.ClaimCheckFrequency || lastClaimed > 0 {
			lastClaimed = w.claimSweep(ctx)
			idleLoops = 0
		}

		events, err := w.events.ReadGroup(ctx, eventlog.StreamNotifications, eventlog.GroupNotificationWorkers,
			w.consumer, int64(w.cfg.MaxPerPoll), time.Duration(w.cfg.BlockTimeoutMs)*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to read notification events", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(events) == 0 {
			idleLoops++
			continue
		}

		for _, event := range events {
			w.process(ctx, event)
		}
	}
}

// claimSweep takes over entries other consumers left pending past the idle
// threshold and processes them here. Returns how many were claimed.
func (w *Worker) claimSweep(ctx context.Context) int {
	claimed, err := w.events.Claim(ctx, eventlog.StreamNotifications, eventlog.GroupNotificationWorkers,
		w.consumer, time.Duration(w.cfg.ClaimIdleMs)*time.Millisecond, int64(w.cfg.MaxPerPoll))
	if err != nil {
		logger.Error("claim sweep failed", zap.Error(err))
		return 0
	}

	for _, event := range claimed {
		w.process(ctx, event)
	}
	return len(claimed)
}

// process delivers one entry and settles it. Recoverable delivery failures
// leave the entry pending so a later claim retries it; the delivery count
// grows with each claim until the dead-letter cap.
func (w *Worker) process(ctx context.Context, event eventlog.Event) {
	msg, err := eventlog.ParsePush(&event)
	if err != nil || msg.FCMToken == "" {
		logger.WarnContext(ctx, "poison notification entry",
			zap.String("event_id", event.ID), zap.Error(err))
		w.deadLetter(ctx, event)
		w.ack(ctx, event)
		return
	}

	err = w.sink.Send(ctx, msg)
	if err == nil {
		w.ack(ctx, event)
		return
	}

	if errors.Is(err, ErrInvalidToken) {
		cleared, nerr := w.tokens.NullifyFCMToken(ctx, msg.FCMToken)
		if nerr != nil {
			logger.ErrorContext(ctx, "failed to retire rejected token",
				zap.String("token", maskToken(msg.FCMToken)), zap.Error(nerr))
		} else {
			logger.InfoContext(ctx, "retired rejected token",
				zap.String("token", maskToken(msg.FCMToken)),
				zap.Int64("drivers_cleared", cleared))
		}
		w.ack(ctx, event)
		return
	}

	counts, cerr := w.events.DeliveryCounts(ctx, eventlog.StreamNotifications,
		eventlog.GroupNotificationWorkers, []string{event.ID})
	if cerr == nil && counts[event.ID] >= int64(w.cfg.MaxRetry) {
		logger.WarnContext(ctx, "notification retries exhausted, dead-lettering",
			zap.String("event_id", event.ID),
			zap.Int64("deliveries", counts[event.ID]),
			zap.Error(err))
		w.deadLetter(ctx, event)
		w.ack(ctx, event)
		return
	}

	logger.WarnContext(ctx, "push delivery failed, leaving pending",
		zap.String("event_id", event.ID), zap.Error(err))
}

func (w *Worker) ack(ctx context.Context, event eventlog.Event) {
	if err := w.events.Ack(ctx, eventlog.StreamNotifications, eventlog.GroupNotificationWorkers, event.ID); err != nil {
		logger.ErrorContext(ctx, "failed to ack notification event",
			zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, event eventlog.Event) {
	if err := w.events.DeadLetter(ctx, eventlog.StreamNotificationsDLQ, event); err != nil {
		logger.ErrorContext(ctx, "failed to dead-letter notification event",
			zap.String("event_id", event.ID), zap.Error(err))
	}
}
