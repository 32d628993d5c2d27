package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending            OrderStatus = "PENDING"
	OrderStatusOffered            OrderStatus = "OFFERED"
	OrderStatusAccepted           OrderStatus = "ACCEPTED"
	OrderStatusAtPickup           OrderStatus = "AT_PICKUP"
	OrderStatusEnRouteToDelivery  OrderStatus = "EN_ROUTE_TO_DELIVERY"
	OrderStatusAtDeliveryLocation OrderStatus = "AT_DELIVERY_LOCATION"
	OrderStatusSuccess            OrderStatus = "SUCCESS"
	OrderStatusPartiallyCompleted OrderStatus = "PARTIALLY_COMPLETED"
	OrderStatusFailed             OrderStatus = "FAILED"
	OrderStatusCancelled          OrderStatus = "CANCELLED"
)

// Terminal reports whether no further lifecycle progress is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusSuccess, OrderStatusPartiallyCompleted, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderPriority orders assignment urgency.
type OrderPriority string

const (
	OrderPriorityLow  OrderPriority = "low"
	OrderPriorityMed  OrderPriority = "med"
	OrderPriorityHigh OrderPriority = "high"
)

// Cancellation and failure reason codes.
const (
	ReasonNoDriverAvailable = "no_driver_available"
	ReasonCancelledByAdmin  = "cancelled_by_admin"
	ReasonCancelledByClient = "cancelled_by_client"
	ReasonMissionFailed     = "mission_failed"
)

// Order is a multi-stop delivery mission. Exactly one of
// {in-search, offered, assigned, terminated} holds at any time, derivable
// from driver_id / offered_driver_id / the terminal status fields.
type Order struct {
	ID                     uuid.UUID     `json:"id" db:"id"`
	ClientID               uuid.UUID     `json:"client_id" db:"client_id"`
	CompanyID              *uuid.UUID    `json:"company_id,omitempty" db:"company_id"`
	DriverID               *uuid.UUID    `json:"driver_id,omitempty" db:"driver_id"`
	Status                 OrderStatus   `json:"status" db:"status"`
	Priority               OrderPriority `json:"priority" db:"priority"`
	Remuneration           int64         `json:"remuneration" db:"remuneration"`
	ClientFee              int64         `json:"client_fee" db:"client_fee"`
	Currency               string        `json:"currency" db:"currency"`
	PickupAddressID        uuid.UUID     `json:"pickup_address_id" db:"pickup_address_id"`
	DeliveryAddressID      uuid.UUID     `json:"delivery_address_id" db:"delivery_address_id"`
	Note                   string        `json:"note" db:"note"`
	AssignmentAttemptCount int           `json:"assignment_attempt_count" db:"assignment_attempt_count"`
	CalculationEngine      string        `json:"calculation_engine" db:"calculation_engine"`
	OfferedDriverID        *uuid.UUID    `json:"offered_driver_id,omitempty" db:"offered_driver_id"`
	OfferExpiresAt         *time.Time    `json:"offer_expires_at,omitempty" db:"offer_expires_at"`
	DeliveryDate           time.Time     `json:"delivery_date" db:"delivery_date"`
	DeliveryDateEstimation *time.Time    `json:"delivery_date_estimation,omitempty" db:"delivery_date_estimation"`
	CancellationReasonCode *string       `json:"cancellation_reason_code,omitempty" db:"cancellation_reason_code"`
	FailureReasonCode      *string       `json:"failure_reason_code,omitempty" db:"failure_reason_code"`
	Waypoints              []Waypoint    `json:"waypoints_summary" db:"waypoints_summary"`
	CreatedAt              time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at" db:"updated_at"`
}

// HasLiveOffer reports whether an offer is currently open on the order.
func (o *Order) HasLiveOffer(now time.Time) bool {
	return o.OfferedDriverID != nil && o.OfferExpiresAt != nil && now.Before(*o.OfferExpiresAt)
}

// Address is a geocoded place the dispatch core references by id.
type Address struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Label       string    `json:"label" db:"label"`
	Coordinates Point     `json:"coordinates" db:"coordinates"`
	City        *string   `json:"city,omitempty" db:"city"`
	Postcode    *string   `json:"postcode,omitempty" db:"postcode"`
	Country     *string   `json:"country,omitempty" db:"country"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// StatusLogMetadata is the structured metadata on an order status entry.
type StatusLogMetadata struct {
	WaypointSequence *int    `json:"waypoint_sequence,omitempty"`
	WaypointType     *string `json:"waypoint_type,omitempty"`
	WaypointStatus   *string `json:"waypoint_status,omitempty"`
	Reason           *string `json:"reason,omitempty"`
}

// OrderStatusLogEntry is one append-only order lifecycle record.
type OrderStatusLogEntry struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	OrderID         uuid.UUID         `json:"order_id" db:"order_id"`
	Status          OrderStatus       `json:"status" db:"status"`
	ChangedAt       time.Time         `json:"changed_at" db:"changed_at"`
	ChangedByUserID *uuid.UUID        `json:"changed_by_user_id,omitempty" db:"changed_by_user_id"`
	CurrentLocation *Point            `json:"current_location,omitempty" db:"current_location"`
	Metadata        StatusLogMetadata `json:"metadata" db:"metadata"`
}

// PackageInput describes one package on order creation.
type PackageInput struct {
	WeightG        *int    `json:"weight_g,omitempty" binding:"omitempty,min=0"`
	DepthCm        *int    `json:"depth_cm,omitempty" binding:"omitempty,min=0"`
	WidthCm        *int    `json:"width_cm,omitempty" binding:"omitempty,min=0"`
	HeightCm       *int    `json:"height_cm,omitempty" binding:"omitempty,min=0"`
	Quantity       int     `json:"quantity" binding:"required,min=1"`
	MentionWarning *string `json:"mention_warning,omitempty"`
}

// AddressInput is a free-text address to be geocoded, or raw coordinates.
type AddressInput struct {
	Text        string  `json:"text,omitempty"`
	Coordinates *Point  `json:"coordinates,omitempty"`
	ContactName *string `json:"contact_name,omitempty"`
	Phone       *string `json:"phone,omitempty"`
}

// CreateOrderRequest is the client order-creation payload.
type CreateOrderRequest struct {
	PickupAddress   AddressInput   `json:"pickup_address" binding:"required"`
	DeliveryAddress AddressInput   `json:"delivery_address" binding:"required"`
	Packages        []PackageInput `json:"packages" binding:"required,min=1,dive"`
	Priority        OrderPriority  `json:"priority,omitempty" binding:"omitempty,oneof=low med high"`
	Note            string         `json:"note,omitempty"`
	DeliveryDate    *time.Time     `json:"delivery_date,omitempty"`
}

// OfferDetails is what the offered driver sees before deciding.
type OfferDetails struct {
	OrderID        uuid.UUID  `json:"order_id"`
	Remuneration   int64      `json:"remuneration"`
	Currency       string     `json:"currency"`
	Priority       OrderPriority `json:"priority"`
	PickupLabel    string     `json:"pickup_label"`
	DeliveryLabel  string     `json:"delivery_label"`
	DistanceMeters int        `json:"distance_meters"`
	DurationSecs   int        `json:"duration_seconds"`
	WaypointCount  int        `json:"waypoint_count"`
	OfferExpiresAt time.Time  `json:"offer_expires_at"`
	Note           string     `json:"note,omitempty"`
}

// ManualAssignRequest is the admin manual-assignment payload.
type ManualAssignRequest struct {
	DriverID uuid.UUID `json:"driver_id" binding:"required"`
}

// CancelOrderRequest is the admin cancellation payload.
type CancelOrderRequest struct {
	Reason string `json:"reason" binding:"required"`
}
