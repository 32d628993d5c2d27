package notifications

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
)

const reaperInterval = time.Minute

// GroupRegistry lists and removes consumers of the notification group.
type GroupRegistry interface {
	Consumers(ctx context.Context, stream, group string) ([]eventlog.ConsumerInfo, error)
	RemoveConsumer(ctx context.Context, stream, group, name string) error
}

// Reaper deletes consumers that died without deregistering. Only consumers
// with zero pending entries go; anything pending must first be claimed away
// by a live worker.
type Reaper struct {
	events GroupRegistry
	cfg    config.NotificationWorkerConfig

	done chan struct{}
}

// NewReaper creates the dead-consumer reaper. It only runs when the worker
// binary is started with the reap flag.
func NewReaper(events GroupRegistry, cfg config.NotificationWorkerConfig) *Reaper {
	return &Reaper{events: events, cfg: cfg, done: make(chan struct{})}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called.
func (r *Reaper) Start(ctx context.Context) {
	logger.Info("Starting dead consumer reaper",
		zap.Int("dead_idle_ms", r.cfg.DeadConsumerIdleMs))

	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("Dead consumer reaper stopped")
			return
		case <-r.done:
			logger.Info("Dead consumer reaper shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the reaper.
func (r *Reaper) Stop() {
	close(r.done)
}

// Sweep removes every consumer idle past the threshold with nothing pending.
func (r *Reaper) Sweep(ctx context.Context) {
	consumers, err := r.events.Consumers(ctx, eventlog.StreamNotifications, eventlog.GroupNotificationWorkers)
	if err != nil {
		logger.ErrorContext(ctx, "reaper failed to list consumers", zap.Error(err))
		return
	}

	deadline := time.Duration(r.cfg.DeadConsumerIdleMs) * time.Millisecond
	for _, consumer := range consumers {
		if consumer.Idle <= deadline || consumer.Pending > 0 {
			continue
		}
		if err := r.events.RemoveConsumer(ctx, eventlog.StreamNotifications,
			eventlog.GroupNotificationWorkers, consumer.Name); err != nil {
			logger.ErrorContext(ctx, "failed to remove dead consumer",
				zap.String("consumer", consumer.Name), zap.Error(err))
			continue
		}
		logger.InfoContext(ctx, "removed dead consumer",
			zap.String("consumer", consumer.Name),
			zap.Duration("idle", consumer.Idle))
	}
}
