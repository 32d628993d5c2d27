package mission

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/internal/orders"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/eventbus"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Store is the persistence surface the mission service needs.
type Store interface {
	UpdateMissionProgress(ctx context.Context, orderID, driverID uuid.UUID, apply func(*models.Order) (*orders.MissionUpdate, error)) (*models.Order, error)
}

// Enqueuer appends entries to the event log.
type Enqueuer interface {
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
}

// Broadcaster fans status updates out to realtime consumers.
type Broadcaster interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// Service drives waypoint progression for assigned drivers.
type Service struct {
	store  Store
	events Enqueuer
	bus    Broadcaster
}

// NewService creates the mission service. bus may be nil when realtime
// fan-out is not wired (workers that never serve SSE).
func NewService(store Store, events Enqueuer, bus Broadcaster) *Service {
	return &Service{store: store, events: events, bus: bus}
}

// Transition applies one waypoint action for the assigned driver. The state
// machine, the waypoint write, the status logs and the terminal driver
// release all commit in one transaction; events publish after commit.
func (s *Service) Transition(ctx context.Context, orderID, driverID uuid.UUID, sequence int, req *models.WaypointActionRequest) (*models.Order, error) {
	now := time.Now().UTC()

	var result *Result
	order, err := s.store.UpdateMissionProgress(ctx, orderID, driverID, func(order *models.Order) (*orders.MissionUpdate, error) {
		res, err := Apply(order, sequence, req, now)
		if err != nil {
			return nil, err
		}
		result = res
		return toMissionUpdate(res), nil
	})
	if err != nil {
		return nil, mapMissionError(err)
	}

	s.publishOutcome(ctx, order, result)
	s.broadcast(ctx, order, result)

	return order, nil
}

// toMissionUpdate converts a state machine result into the repository's
// row-change set.
func toMissionUpdate(res *Result) *orders.MissionUpdate {
	wpType := string(res.Waypoint.Type)
	wpStatus := string(res.Waypoint.Status)
	seq := res.Waypoint.Sequence

	update := &orders.MissionUpdate{
		LogStatus: res.OrderStatus,
		LogMetadata: models.StatusLogMetadata{
			WaypointSequence: &seq,
			WaypointType:     &wpType,
			WaypointStatus:   &wpStatus,
		},
	}
	if res.Terminal != nil {
		update.Terminal = &orders.MissionTerminal{
			Status:            res.Terminal.Status,
			FinalRemuneration: res.Terminal.FinalRemuneration,
			FailureReason:     res.Terminal.FailureReason,
		}
	}
	return update
}

// publishOutcome emits the billing-facing event when the mission reaches a
// terminal state. SUCCESS and PARTIALLY_COMPLETED carry the final
// remuneration; FAILED carries the failure reason.
func (s *Service) publishOutcome(ctx context.Context, order *models.Order, res *Result) {
	if res.Terminal == nil || s.events == nil {
		return
	}

	var values map[string]string
	switch res.Terminal.Status {
	case models.OrderStatusSuccess, models.OrderStatusPartiallyCompleted:
		values = eventlog.NewMissionEvent(eventlog.TypeCompleted, order.ID, map[string]string{
			eventlog.FieldDriverID:     order.DriverID.String(),
			eventlog.FieldRemuneration: strconv.FormatInt(res.Terminal.FinalRemuneration, 10),
			eventlog.FieldCurrency:     order.Currency,
		})
	case models.OrderStatusFailed:
		extra := map[string]string{eventlog.FieldDriverID: order.DriverID.String()}
		if res.Terminal.FailureReason != nil {
			extra[eventlog.FieldReason] = *res.Terminal.FailureReason
		}
		values = eventlog.NewMissionEvent(eventlog.TypeFailed, order.ID, extra)
	default:
		return
	}

	if _, err := s.events.Publish(ctx, eventlog.StreamAssignment, values); err != nil {
		logger.ErrorContext(ctx, "failed to publish mission outcome",
			zap.String("order_id", order.ID.String()),
			zap.String("status", string(res.Terminal.Status)),
			zap.Error(err))
	}
}

// broadcast pushes the status change onto the realtime bus for SSE fan-out.
func (s *Service) broadcast(ctx context.Context, order *models.Order, res *Result) {
	if s.bus == nil {
		return
	}

	status := order.Status
	if res.OrderStatus == nil && res.Terminal == nil {
		// start_processing has no order-level echo; nothing to fan out.
		return
	}

	data := eventbus.OrderStatusUpdatedData{
		OrderID:   order.ID,
		ClientID:  order.ClientID,
		DriverID:  order.DriverID,
		Status:    string(status),
		UpdatedAt: time.Now().UTC(),
	}
	event, err := eventbus.NewEvent(eventbus.SubjectOrderStatusUpdated, "mission-service", data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build status update event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, eventbus.SubjectOrderStatusUpdated, event); err != nil {
		logger.WarnContext(ctx, "failed to broadcast status update",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

func mapMissionError(err error) error {
	var appErr *common.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return common.NewNotFoundError("order not found", err)
	case errors.Is(err, orders.ErrNotAssigned):
		return common.NewForbiddenError("order is not assigned to this driver")
	default:
		return common.NewInternalError("failed to apply waypoint transition", err)
	}
}

