package availability

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

// SyncStore is the driver persistence the synchronizer needs.
// *drivers.Repository satisfies it.
type SyncStore interface {
	ListValid(ctx context.Context, limit, offset int) ([]models.Driver, error)
	ChangeStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus, metadata map[string]string) (bool, error)
}

// Enqueuer appends entries to a stream. *eventlog.Log satisfies it.
type Enqueuer interface {
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
}

// Synchronizer reconciles driver statuses with their declared schedules.
// The fleet partitions the driver population by hash so each member owns a
// disjoint slice; statuses owned by the dispatch flow are never touched.
type Synchronizer struct {
	store   SyncStore
	checker *Checker
	events  Enqueuer
	cfg     config.AvailabilityConfig

	done chan struct{}
}

// NewSynchronizer creates a fleet member. events may be nil to skip push
// notifications.
func NewSynchronizer(store SyncStore, checker *Checker, events Enqueuer, cfg config.AvailabilityConfig) *Synchronizer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Synchronizer{
		store:   store,
		checker: checker,
		events:  events,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. The first sweep runs immediately.
func (s *Synchronizer) Start(ctx context.Context) {
	logger.Info("Starting availability synchronizer",
		zap.Int("worker_id", s.cfg.WorkerID),
		zap.Int("total_workers", s.cfg.TotalWorkers))

	ticker := time.NewTicker(time.Duration(s.cfg.SyncIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("Availability synchronizer stopped")
			return
		case <-s.done:
			logger.Info("Availability synchronizer shutdown requested")
			return
		}
	}
}

// Stop gracefully stops the synchronizer.
func (s *Synchronizer) Stop() {
	close(s.done)
}

// Sweep walks the valid-driver population in batches and reconciles every
// driver in this member's partition. Per-driver failures are logged and
// never abort the batch.
func (s *Synchronizer) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	offset := 0

	for {
		batch, err := s.store.ListValid(ctx, s.cfg.BatchSize, offset)
		if err != nil {
			logger.ErrorContext(ctx, "failed to list drivers for availability sweep",
				zap.Int("offset", offset), zap.Error(err))
			return
		}

		for i := range batch {
			driver := &batch[i]
			if !ownsDriver(driver.ID, s.cfg.TotalWorkers, s.cfg.WorkerID) {
				continue
			}
			s.reconcile(ctx, driver, now)
		}

		if len(batch) < s.cfg.BatchSize {
			return
		}
		offset += s.cfg.BatchSize
	}
}

func (s *Synchronizer) reconcile(ctx context.Context, driver *models.Driver, now time.Time) {
	if driver.LatestStatus.OperationallyManaged() {
		return
	}

	desired := models.DriverStatusInactive
	if s.checker.IsAvailableBySchedule(ctx, driver.ID, now) {
		desired = models.DriverStatusActive
	}
	if driver.LatestStatus == desired {
		return
	}

	changed, err := s.store.ChangeStatus(ctx, driver.ID, desired, map[string]string{
		"reason": models.StatusReasonScheduleSync,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to sync driver status",
			zap.String("driver_id", driver.ID.String()),
			zap.String("desired", string(desired)), zap.Error(err))
		return
	}
	if !changed {
		return
	}

	logger.InfoContext(ctx, "driver status synced to schedule",
		zap.String("driver_id", driver.ID.String()),
		zap.String("from", string(driver.LatestStatus)),
		zap.String("to", string(desired)))

	s.notify(ctx, driver, desired)
}

// notify enqueues the availability-change push. Best effort, the status
// change already committed.
func (s *Synchronizer) notify(ctx context.Context, driver *models.Driver, status models.DriverStatus) {
	if s.events == nil || driver.FCMToken == nil || *driver.FCMToken == "" {
		return
	}

	msg := &models.PushMessage{
		FCMToken: *driver.FCMToken,
		Type:     models.NotificationTypeAvailabilityChange,
		Data:     map[string]string{"status": string(status)},
	}
	if status == models.DriverStatusActive {
		msg.Title = "You are on duty"
		msg.Body = "Your scheduled availability window has started."
	} else {
		msg.Title = "You are off duty"
		msg.Body = "Your scheduled availability window has ended."
	}

	values, err := eventlog.PushValues(msg)
	if err != nil {
		logger.WarnContext(ctx, "failed to build availability push",
			zap.String("driver_id", driver.ID.String()), zap.Error(err))
		return
	}
	if _, err := s.events.Publish(ctx, eventlog.StreamNotifications, values); err != nil {
		logger.WarnContext(ctx, "failed to enqueue availability push",
			zap.String("driver_id", driver.ID.String()), zap.Error(err))
	}
}

// ownsDriver assigns a driver to exactly one fleet member by hashing the
// id. The partition is stable across sweeps as long as the fleet size is.
func ownsDriver(id uuid.UUID, totalWorkers, workerID int) bool {
	if totalWorkers <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	return int(h.Sum32()%uint32(totalWorkers)) == workerID
}
