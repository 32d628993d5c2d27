package assignment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
)

const expirerBatchSize = 100

// ExpiryStore clears offers past their deadline.
type ExpiryStore interface {
	ExpireDueOffers(ctx context.Context, now time.Time, limit int) ([]ExpiredOffer, error)
}

// Expirer sweeps for offers whose deadline passed, releases the offeree and
// hands the order back to the engine through an expiry event.
type Expirer struct {
	store  ExpiryStore
	events Enqueuer
	cfg    config.AssignmentConfig

	done chan struct{}
}

// Enqueuer appends entries to a stream. *eventlog.Log satisfies it.
type Enqueuer interface {
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
}

// NewExpirer creates the offer expirer.
func NewExpirer(store ExpiryStore, events Enqueuer, cfg config.AssignmentConfig) *Expirer {
	return &Expirer{store: store, events: events, cfg: cfg, done: make(chan struct{})}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. The first sweep runs immediately.
func (e *Expirer) Start(ctx context.Context) {
	logger.Info("Starting offer expirer",
		zap.Int("scan_interval_ms", e.cfg.OfferScanIntervalMs))

	ticker := time.NewTicker(time.Duration(e.cfg.OfferScanIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	e.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("Offer expirer stopped")
			return
		case <-e.done:
			logger.Info("Offer expirer shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the expirer.
func (e *Expirer) Stop() {
	close(e.done)
}

// Sweep clears every due offer and publishes the expiry event the engine
// consumes to search for the next candidate.
func (e *Expirer) Sweep(ctx context.Context) {
	expired, err := e.store.ExpireDueOffers(ctx, time.Now(), expirerBatchSize)
	if err != nil {
		logger.ErrorContext(ctx, "offer expiry sweep failed", zap.Error(err))
		return
	}

	for _, offer := range expired {
		logger.InfoContext(ctx, "offer expired",
			zap.String("order_id", offer.OrderID.String()),
			zap.String("driver_id", offer.DriverID.String()))

		_, err := e.events.Publish(ctx, eventlog.StreamAssignment,
			eventlog.NewMissionEvent(eventlog.TypeOfferExpiredForDriver, offer.OrderID, map[string]string{
				eventlog.FieldDriverID: offer.DriverID.String(),
			}))
		if err != nil {
			logger.ErrorContext(ctx, "failed to publish offer expiry",
				zap.String("order_id", offer.OrderID.String()), zap.Error(err))
		}
	}
}
