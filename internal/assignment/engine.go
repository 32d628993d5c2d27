package assignment

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

// OrderDirectory is the read-side slice of the orders store the engine needs.
type OrderDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error)
}

// Store is the assignment repository surface.
type Store interface {
	OfferToDriver(ctx context.Context, orderID, driverID uuid.UUID, expiresAt time.Time) error
	RecordFailedAttempt(ctx context.Context, orderID uuid.UUID) (int, error)
	CancelNoDriver(ctx context.Context, orderID uuid.UUID) error
	ListBlacklist(ctx context.Context, orderID uuid.UUID) ([]uuid.UUID, error)
}

// CandidateFinder searches drivers near a pickup.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, pickup models.Point, radiusKm float64, blacklist []uuid.UUID) ([]models.NearbyDriver, error)
}

// ScheduleChecker answers whether a driver's schedule covers an instant.
type ScheduleChecker interface {
	IsAvailableBySchedule(ctx context.Context, driverID uuid.UUID, instant time.Time) bool
}

// EventLog is the stream surface the engine consumes and produces on.
type EventLog interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]eventlog.Event, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
	ScheduleRetry(ctx context.Context, key, member string, due time.Time) error
	ClearRetry(ctx context.Context, key string, members ...string) error
}

// Engine consumes assignment events and runs the offer algorithm. Multiple
// engine processes share one consumer group; every handler is redelivery
// safe because it re-reads the order state before acting.
type Engine struct {
	orders   OrderDirectory
	store    Store
	drivers  CandidateFinder
	schedule ScheduleChecker
	events   EventLog
	cfg      config.AssignmentConfig
	consumer string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates an assignment engine identified by consumer within the
// shared group.
func NewEngine(orders OrderDirectory, store Store, drivers CandidateFinder, schedule ScheduleChecker, events EventLog, cfg config.AssignmentConfig, consumer string) *Engine {
	return &Engine{
		orders:   orders,
		store:    store,
		drivers:  drivers,
		schedule: schedule,
		events:   events,
		cfg:      cfg,
		consumer: consumer,
		done:     make(chan struct{}),
	}
}

// Start launches the consume loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.events.EnsureGroup(ctx, eventlog.StreamAssignment, eventlog.GroupAssignmentWorkers); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

// Stop signals the consume loop and waits for in-flight work to drain.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	logger.Info("assignment engine started", zap.String("consumer", e.consumer))

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		default:
		}

		events, err := e.events.ReadGroup(ctx, eventlog.StreamAssignment, eventlog.GroupAssignmentWorkers,
			e.consumer, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to read assignment events", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, event := range events {
			if err := e.handle(ctx, event); err != nil {
				// No ack: the event redelivers to this group.
				logger.ErrorContext(ctx, "assignment event failed, leaving pending",
					zap.String("event_id", event.ID),
					zap.String("event_type", event.Type()),
					zap.Error(err))
				continue
			}
			if err := e.events.Ack(ctx, eventlog.StreamAssignment, eventlog.GroupAssignmentWorkers, event.ID); err != nil {
				logger.ErrorContext(ctx, "failed to ack assignment event",
					zap.String("event_id", event.ID), zap.Error(err))
			}
		}
	}
}

// handle routes one event. A nil return means the event is finished and may
// be acked, including permanently unprocessable ones.
func (e *Engine) handle(ctx context.Context, event eventlog.Event) error {
	orderID, err := event.OrderID()
	if err != nil {
		logger.WarnContext(ctx, "assignment event without valid order id, dropping",
			zap.String("event_id", event.ID))
		return nil
	}

	switch event.Type() {
	case eventlog.TypeNewOrderReadyForAssignment,
		eventlog.TypeOfferRefusedByDriver,
		eventlog.TypeOfferExpiredForDriver:
		return e.tryAssign(ctx, orderID)

	case eventlog.TypeOfferAcceptedByDriver,
		eventlog.TypeManuallyAssigned,
		eventlog.TypeCancelledByAdmin,
		eventlog.TypeCancelledBySystem:
		return e.events.ClearRetry(ctx, eventlog.RetryScheduleKey, orderID.String())

	default:
		// Completion and failure events belong to the billing group.
		return nil
	}
}

// tryAssign runs one assignment attempt for the order.
func (e *Engine) tryAssign(ctx context.Context, orderID uuid.UUID) error {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logger.WarnContext(ctx, "assignment event for unknown order, dropping",
				zap.String("order_id", orderID.String()))
			return nil
		}
		return err
	}

	if order.Status.Terminal() || order.DriverID != nil || order.HasLiveOffer(time.Now()) {
		return nil
	}

	if order.AssignmentAttemptCount >= e.cfg.MaxAttempts {
		return e.cancelNoDriver(ctx, orderID)
	}

	candidate, err := e.pickCandidate(ctx, order)
	if err != nil {
		return err
	}
	if candidate == nil {
		return e.scheduleRetry(ctx, orderID)
	}

	expiresAt := time.Now().Add(time.Duration(e.cfg.OfferDurationSeconds) * time.Second).UTC()
	if err := e.store.OfferToDriver(ctx, orderID, candidate.ID, expiresAt); err != nil {
		if errors.Is(err, ErrOrderUnavailable) {
			return nil
		}
		return err
	}

	logger.InfoContext(ctx, "offer placed",
		zap.String("order_id", orderID.String()),
		zap.String("driver_id", candidate.ID.String()),
		zap.Float64("distance_km", candidate.DistanceKm),
		zap.Time("expires_at", expiresAt))

	e.announceOffer(ctx, order, candidate, expiresAt)
	return nil
}

// pickCandidate searches drivers near the pickup and returns the nearest
// schedule-available one. Schedule checks fan out with bounded concurrency;
// an individual check failure only disqualifies that driver.
func (e *Engine) pickCandidate(ctx context.Context, order *models.Order) (*models.NearbyDriver, error) {
	pickup, err := e.orders.GetAddress(ctx, order.PickupAddressID)
	if err != nil {
		return nil, err
	}

	blacklist, err := e.store.ListBlacklist(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	candidates, err := e.drivers.FindCandidates(ctx, pickup.Coordinates, e.cfg.SearchRadiusKm, blacklist)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	available := e.checkSchedules(ctx, candidates)
	for i := range candidates {
		if available[i] {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// checkSchedules runs the availability checks with at most
// CandidateCheckConcurrency in flight, preserving candidate order.
func (e *Engine) checkSchedules(ctx context.Context, candidates []models.NearbyDriver) []bool {
	now := time.Now()
	available := make([]bool, len(candidates))

	limit := e.cfg.CandidateCheckConcurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			available[i] = e.schedule.IsAvailableBySchedule(ctx, candidates[i].ID, now)
		}(i)
	}
	wg.Wait()
	return available
}

// scheduleRetry books the next attempt, or gives up when the budget is gone.
func (e *Engine) scheduleRetry(ctx context.Context, orderID uuid.UUID) error {
	attempts, err := e.store.RecordFailedAttempt(ctx, orderID)
	if err != nil {
		return err
	}
	if attempts >= e.cfg.MaxAttempts {
		return e.cancelNoDriver(ctx, orderID)
	}

	due := time.Now().Add(time.Duration(e.cfg.RetryBackoffSeconds) * time.Second)
	if err := e.events.ScheduleRetry(ctx, eventlog.RetryScheduleKey, orderID.String(), due); err != nil {
		return err
	}

	logger.InfoContext(ctx, "no candidate found, retry scheduled",
		zap.String("order_id", orderID.String()),
		zap.Int("attempts", attempts),
		zap.Time("due", due))
	return nil
}

func (e *Engine) cancelNoDriver(ctx context.Context, orderID uuid.UUID) error {
	if err := e.store.CancelNoDriver(ctx, orderID); err != nil {
		if errors.Is(err, ErrOrderUnavailable) {
			return nil
		}
		return err
	}

	if _, err := e.events.Publish(ctx, eventlog.StreamAssignment,
		eventlog.NewMissionEvent(eventlog.TypeCancelledBySystem, orderID, map[string]string{
			eventlog.FieldReason: models.ReasonNoDriverAvailable,
		})); err != nil {
		logger.ErrorContext(ctx, "failed to publish system cancellation",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}

	if err := e.events.ClearRetry(ctx, eventlog.RetryScheduleKey, orderID.String()); err != nil {
		logger.WarnContext(ctx, "failed to clear retry state",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}

	logger.InfoContext(ctx, "order cancelled, attempt budget exhausted",
		zap.String("order_id", orderID.String()))
	return nil
}

// announceOffer records the offer on the audit stream and pushes it to the
// driver's device. Both are best effort: the offer stands either way and
// expires on its own if the driver never sees it.
func (e *Engine) announceOffer(ctx context.Context, order *models.Order, candidate *models.NearbyDriver, expiresAt time.Time) {
	if _, err := e.events.Publish(ctx, eventlog.StreamAssignment,
		eventlog.NewMissionEvent(eventlog.TypeNewOfferProposed, order.ID, map[string]string{
			eventlog.FieldDriverID:       candidate.ID.String(),
			eventlog.FieldOfferExpiresAt: strconv.FormatInt(expiresAt.UnixMilli(), 10),
		})); err != nil {
		logger.WarnContext(ctx, "failed to publish offer event",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	if candidate.FCMToken == nil || *candidate.FCMToken == "" {
		return
	}

	push := &models.PushMessage{
		FCMToken: *candidate.FCMToken,
		Title:    "New delivery offer",
		Body:     "A mission near you is waiting. Open the app to accept it.",
		Type:     models.NotificationTypeNewMissionOffer,
		Data: map[string]string{
			"orderId":        order.ID.String(),
			"remuneration":   strconv.FormatInt(order.Remuneration, 10),
			"currency":       order.Currency,
			"offerExpiresAt": strconv.FormatInt(expiresAt.UnixMilli(), 10),
		},
	}
	values, err := eventlog.PushValues(push)
	if err != nil {
		logger.WarnContext(ctx, "failed to encode offer push",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}
	if _, err := e.events.Publish(ctx, eventlog.StreamNotifications, values); err != nil {
		logger.WarnContext(ctx, "failed to enqueue offer push",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}
