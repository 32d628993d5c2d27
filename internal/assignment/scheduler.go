package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
)

const retryBatchSize = 100

// RetryLog is the delayed-retry surface of the event log.
type RetryLog interface {
	DueRetries(ctx context.Context, key string, now time.Time, limit int64) ([]string, error)
	ClearRetry(ctx context.Context, key string, members ...string) error
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
}

// RetryScheduler re-publishes orders whose backoff elapsed so the engine
// runs the next assignment attempt.
type RetryScheduler struct {
	events RetryLog
	cfg    config.AssignmentConfig

	done chan struct{}
}

// NewRetryScheduler creates the retry sweep worker.
func NewRetryScheduler(events RetryLog, cfg config.AssignmentConfig) *RetryScheduler {
	return &RetryScheduler{events: events, cfg: cfg, done: make(chan struct{})}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called.
func (s *RetryScheduler) Start(ctx context.Context) {
	logger.Info("Starting assignment retry scheduler",
		zap.Int("scan_interval_ms", s.cfg.RetryScanIntervalMs))

	ticker := time.NewTicker(time.Duration(s.cfg.RetryScanIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("Assignment retry scheduler stopped")
			return
		case <-s.done:
			logger.Info("Assignment retry scheduler shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the scheduler.
func (s *RetryScheduler) Stop() {
	close(s.done)
}

// Sweep republishes every due order and removes it from the schedule. The
// schedule entry clears only after the publish succeeds so a crash between
// the two republishes instead of losing the order.
func (s *RetryScheduler) Sweep(ctx context.Context) {
	due, err := s.events.DueRetries(ctx, eventlog.RetryScheduleKey, time.Now(), retryBatchSize)
	if err != nil {
		logger.ErrorContext(ctx, "retry sweep failed", zap.Error(err))
		return
	}

	for _, member := range due {
		orderID, err := uuid.Parse(member)
		if err != nil {
			logger.WarnContext(ctx, "malformed retry member, removing",
				zap.String("member", member))
			_ = s.events.ClearRetry(ctx, eventlog.RetryScheduleKey, member)
			continue
		}

		_, err = s.events.Publish(ctx, eventlog.StreamAssignment,
			eventlog.NewMissionEvent(eventlog.TypeNewOrderReadyForAssignment, orderID, nil))
		if err != nil {
			logger.ErrorContext(ctx, "failed to republish retry",
				zap.String("order_id", member), zap.Error(err))
			continue
		}

		if err := s.events.ClearRetry(ctx, eventlog.RetryScheduleKey, member); err != nil {
			logger.WarnContext(ctx, "failed to clear retry entry",
				zap.String("order_id", member), zap.Error(err))
		}
	}
}
