package mission

import (
	"crypto/subtle"
	"time"

	"github.com/parceldrop/dispatch/internal/pricing"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Terminal is the derived end state of a mission once every waypoint is
// closed.
type Terminal struct {
	Status            models.OrderStatus
	FinalRemuneration int64
	FailureReason     *string
}

// Result describes what one waypoint action changed.
type Result struct {
	Waypoint *models.Waypoint
	// OrderStatus is the intermediate lifecycle status this action maps to
	// (AT_PICKUP, EN_ROUTE_TO_DELIVERY, ...); nil when the action has no
	// order-level echo.
	OrderStatus *models.OrderStatus
	Terminal    *Terminal
}

// Apply runs one waypoint action against the order's waypoint list, mutating
// it in place. It is pure apart from that mutation; persistence and event
// publication belong to the caller. Callers must hold the order row lock.
func Apply(order *models.Order, sequence int, req *models.WaypointActionRequest, now time.Time) (*Result, error) {
	if order.Status.Terminal() {
		return nil, common.NewConflictError("order is in a terminal state")
	}

	var target *models.Waypoint
	for i := range order.Waypoints {
		if order.Waypoints[i].Sequence == sequence {
			target = &order.Waypoints[i]
			break
		}
	}
	if target == nil {
		return nil, common.NewNotFoundError("waypoint not found", nil)
	}

	res := &Result{Waypoint: target}

	switch req.Action {
	case models.WaypointActionArrive:
		if target.Status != models.WaypointStatusPending {
			return nil, transitionConflict(target.Status, req.Action)
		}
		if blocker := firstOpenBefore(order.Waypoints, sequence); blocker != nil {
			return nil, common.NewConflictError("previous waypoint is still open").
				WithErrorCode(common.CodeOutOfOrder)
		}
		target.Status = models.WaypointStatusArrived
		target.StartAt = &now
		res.OrderStatus = arrivalStatus(target.Type)

	case models.WaypointActionStartProcessing:
		if target.Status != models.WaypointStatusArrived {
			return nil, transitionConflict(target.Status, req.Action)
		}
		if subtle.ConstantTimeCompare([]byte(req.ConfirmationCode), []byte(target.ConfirmationCode)) != 1 {
			return nil, common.NewConflictError("confirmation code does not match").
				WithErrorCode(common.CodeBadCode)
		}
		target.Status = models.WaypointStatusProcessing

	case models.WaypointActionComplete:
		if target.Status != models.WaypointStatusProcessing {
			return nil, transitionConflict(target.Status, req.Action)
		}
		target.Status = models.WaypointStatusCompleted
		target.EndAt = &now
		if len(req.PhotoURLs) > 0 {
			target.PhotoURLs = append(target.PhotoURLs, req.PhotoURLs...)
		}
		if deliveryFollows(order.Waypoints, sequence) {
			status := models.OrderStatusEnRouteToDelivery
			res.OrderStatus = &status
		}

	case models.WaypointActionFail:
		if target.Status.Terminal() {
			return nil, transitionConflict(target.Status, req.Action)
		}
		if req.MessageIssue == nil || *req.MessageIssue == "" {
			return nil, common.NewValidationError("failing a waypoint requires message_issue")
		}
		target.Status = models.WaypointStatusFailed
		target.EndAt = &now
		target.MessageIssue = req.MessageIssue

	case models.WaypointActionSkip:
		if target.Status.Terminal() {
			return nil, transitionConflict(target.Status, req.Action)
		}
		if target.IsMandatory {
			return nil, common.NewConflictError("mandatory waypoint cannot be skipped")
		}
		target.Status = models.WaypointStatusSkipped
		target.EndAt = &now

	default:
		return nil, common.NewValidationError("unknown waypoint action")
	}

	res.Terminal = deriveTerminal(order)
	return res, nil
}

// deriveTerminal computes the mission outcome once every waypoint is closed.
// Skipped waypoints are sanctioned omissions: a mission of completed and
// skipped stops with no failures still ends in SUCCESS at full remuneration.
func deriveTerminal(order *models.Order) *Terminal {
	var completed, failed int
	for _, w := range order.Waypoints {
		if !w.Status.Terminal() {
			return nil
		}
		switch w.Status {
		case models.WaypointStatusCompleted:
			completed++
		case models.WaypointStatusFailed:
			failed++
		}
	}

	total := len(order.Waypoints)
	switch {
	case completed == total:
		return &Terminal{Status: models.OrderStatusSuccess, FinalRemuneration: order.Remuneration}
	case completed == 0:
		reason := models.ReasonMissionFailed
		return &Terminal{Status: models.OrderStatusFailed, FailureReason: &reason}
	case failed > 0:
		return &Terminal{
			Status:            models.OrderStatusPartiallyCompleted,
			FinalRemuneration: pricing.Prorate(order.Remuneration, completed, total),
		}
	default:
		return &Terminal{Status: models.OrderStatusSuccess, FinalRemuneration: order.Remuneration}
	}
}

// firstOpenBefore returns the first waypoint before sequence that is neither
// completed nor skipped. Failed earlier waypoints also block progression: the
// driver must fail or skip forward explicitly, never jump.
func firstOpenBefore(waypoints []models.Waypoint, sequence int) *models.Waypoint {
	for i := range waypoints {
		w := &waypoints[i]
		if w.Sequence >= sequence {
			continue
		}
		if w.Status != models.WaypointStatusCompleted && w.Status != models.WaypointStatusSkipped {
			return w
		}
	}
	return nil
}

func deliveryFollows(waypoints []models.Waypoint, sequence int) bool {
	for _, w := range waypoints {
		if w.Sequence > sequence && w.Type == models.WaypointTypeDelivery {
			return true
		}
	}
	return false
}

func arrivalStatus(t models.WaypointType) *models.OrderStatus {
	var status models.OrderStatus
	if t == models.WaypointTypePickup {
		status = models.OrderStatusAtPickup
	} else {
		status = models.OrderStatusAtDeliveryLocation
	}
	return &status
}

func transitionConflict(current models.WaypointStatus, action models.WaypointAction) error {
	return common.NewConflictError(
		"waypoint in status " + string(current) + " does not allow " + string(action)).
		WithErrorCode(common.CodeOutOfOrder)
}
