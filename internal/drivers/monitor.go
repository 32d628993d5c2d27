package drivers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/cache"
	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

// MonitorStore is the driver persistence the heartbeat monitor needs.
type MonitorStore interface {
	ListByStatuses(ctx context.Context, statuses []models.DriverStatus) ([]models.Driver, error)
	ChangeStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus, metadata map[string]string) (bool, error)
}

// Liveness answers whether a key still exists.
type Liveness interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// monitoredStatuses are the states that imply a live connection. A driver in
// any of them with no heartbeat key left has silently disappeared.
var monitoredStatuses = []models.DriverStatus{
	models.DriverStatusActive,
	models.DriverStatusOffering,
	models.DriverStatusInWork,
	models.DriverStatusOnBreak,
}

// HeartbeatMonitor forces drivers whose heartbeat key expired to INACTIVE.
// The key TTL is twice the heartbeat interval, so one missed beat survives
// and two do not.
type HeartbeatMonitor struct {
	store MonitorStore
	kv    Liveness
	cfg   config.HeartbeatConfig

	done chan struct{}
}

// NewHeartbeatMonitor creates the liveness sweep worker.
func NewHeartbeatMonitor(store MonitorStore, kv Liveness, cfg config.HeartbeatConfig) *HeartbeatMonitor {
	return &HeartbeatMonitor{store: store, kv: kv, cfg: cfg, done: make(chan struct{})}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	logger.Info("Starting heartbeat monitor",
		zap.Int("interval_seconds", m.cfg.MonitorIntervalSeconds))

	ticker := time.NewTicker(time.Duration(m.cfg.MonitorIntervalSeconds) * time.Second)
	defer ticker.Stop()

	m.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("Heartbeat monitor stopped")
			return
		case <-m.done:
			logger.Info("Heartbeat monitor shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the monitor.
func (m *HeartbeatMonitor) Stop() {
	close(m.done)
}

// Sweep forces every connected-state driver without a live heartbeat key to
// INACTIVE. Per-driver failures are logged and never abort the sweep.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) {
	drivers, err := m.store.ListByStatuses(ctx, monitoredStatuses)
	if err != nil {
		logger.ErrorContext(ctx, "heartbeat sweep failed to list drivers", zap.Error(err))
		return
	}

	for _, driver := range drivers {
		alive, err := m.kv.Exists(ctx, cache.Keys.DriverHeartbeat(driver.ID.String()))
		if err != nil {
			logger.WarnContext(ctx, "heartbeat probe failed",
				zap.String("driver_id", driver.ID.String()), zap.Error(err))
			continue
		}
		if alive {
			continue
		}

		changed, err := m.store.ChangeStatus(ctx, driver.ID, models.DriverStatusInactive,
			map[string]string{"reason": models.StatusReasonInactivityTimeout})
		if err != nil {
			logger.ErrorContext(ctx, "failed to deactivate silent driver",
				zap.String("driver_id", driver.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			logger.InfoContext(ctx, "driver deactivated after missed heartbeats",
				zap.String("driver_id", driver.ID.String()),
				zap.String("previous_status", string(driver.LatestStatus)))
		}
	}
}
