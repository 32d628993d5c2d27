package eventlog

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Streams carried by the event log.
const (
	StreamAssignment       = "assignment_events"
	StreamNotifications    = "notification_events"
	StreamNotificationsDLQ = "notification_events:dlq"
)

// Consumer groups.
const (
	GroupAssignmentWorkers   = "assignment_workers"
	GroupBillingWorkers      = "billing_workers_group"
	GroupNotificationWorkers = "notification_workers_group"
)

// RetryScheduleKey is the sorted set holding delayed assignment retries
// (member = order id, score = due unix second).
const RetryScheduleKey = "assignment:retry_schedule"

// Mission lifecycle event types. This is the authoritative set; every
// consumer and producer uses these names.
const (
	TypeNewOrderReadyForAssignment = "mission_new_order_ready_for_assignment"
	TypeNewOfferProposed           = "mission_new_offer_proposed"
	TypeOfferAcceptedByDriver      = "mission_offer_accepted_by_driver"
	TypeOfferRefusedByDriver       = "mission_offer_refused_by_driver"
	TypeOfferExpiredForDriver      = "mission_offer_expired_for_driver"
	TypeManuallyAssigned           = "mission_manually_assigned"
	TypeCompleted                  = "mission_completed"
	TypeCancelledByAdmin           = "mission_cancelled_by_admin"
	TypeCancelledBySystem          = "mission_cancelled_by_system"
	TypeFailed                     = "mission_failed"
)

// Well-known field names on mission events.
const (
	FieldType           = "type"
	FieldOrderID        = "orderId"
	FieldTimestamp      = "timestamp"
	FieldDriverID       = "driverId"
	FieldRemuneration   = "remuneration"
	FieldCurrency       = "currency"
	FieldOfferExpiresAt = "offerExpiresAt"
	FieldReason         = "reason"
)

// Event is one entry read from a stream. Values are flat string pairs.
type Event struct {
	ID     string
	Stream string
	Values map[string]string
}

// Type returns the event type field, empty if absent.
func (e Event) Type() string {
	return e.Values[FieldType]
}

// OrderID parses the orderId field.
func (e Event) OrderID() (uuid.UUID, error) {
	return uuid.Parse(e.Values[FieldOrderID])
}

// DriverID parses the optional driverId field; returns uuid.Nil when absent.
func (e Event) DriverID() uuid.UUID {
	id, err := uuid.Parse(e.Values[FieldDriverID])
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Remuneration parses the optional remuneration field in minor units.
func (e Event) Remuneration() int64 {
	v, _ := strconv.ParseInt(e.Values[FieldRemuneration], 10, 64)
	return v
}

// NewMissionEvent builds the field map for a mission lifecycle event.
// extra pairs are merged in after the required fields.
func NewMissionEvent(eventType string, orderID uuid.UUID, extra map[string]string) map[string]string {
	values := map[string]string{
		FieldType:      eventType,
		FieldOrderID:   orderID.String(),
		FieldTimestamp: strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
	}
	for k, v := range extra {
		values[k] = v
	}
	return values
}
