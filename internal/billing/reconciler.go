package billing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/logger"
)

const (
	reconcileBatchSize = 100
	// reconcileGrace keeps the reconciler off transactions the callback is
	// still likely to settle on its own.
	reconcileGrace = 10 * time.Minute
)

// Reconciler sweeps pending transactions whose callback never arrived and
// settles them from the gateway's own records.
type Reconciler struct {
	store   Store
	service *Service
	cfg     config.BillingWorkerConfig

	done chan struct{}
}

// NewReconciler creates the pending-transaction sweep worker.
func NewReconciler(store Store, service *Service, cfg config.BillingWorkerConfig) *Reconciler {
	return &Reconciler{store: store, service: service, cfg: cfg, done: make(chan struct{})}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called.
func (r *Reconciler) Start(ctx context.Context) {
	logger.Info("Starting payout reconciler",
		zap.Int("interval_ms", r.cfg.ReconcileIntervalMs))

	ticker := time.NewTicker(time.Duration(r.cfg.ReconcileIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("Payout reconciler stopped")
			return
		case <-r.done:
			logger.Info("Payout reconciler shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.done)
}

// Sweep probes every stale pending transaction. Per-transaction failures are
// logged and never abort the sweep.
func (r *Reconciler) Sweep(ctx context.Context) {
	stale, err := r.store.ListStalePending(ctx, time.Now().Add(-reconcileGrace), reconcileBatchSize)
	if err != nil {
		logger.ErrorContext(ctx, "reconcile sweep failed to list transactions", zap.Error(err))
		return
	}

	for i := range stale {
		if err := r.service.CheckAndUpdatePendingTransaction(ctx, &stale[i]); err != nil {
			logger.WarnContext(ctx, "failed to reconcile transaction",
				zap.String("transaction_id", stale[i].ID.String()),
				zap.Error(err))
		}
	}
}
