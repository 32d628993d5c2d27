package models

import (
	"time"

	"github.com/google/uuid"
)

// DriverStatus represents the operational state of a driver.
type DriverStatus string

const (
	DriverStatusInactive DriverStatus = "INACTIVE"
	DriverStatusActive   DriverStatus = "ACTIVE" // idle, on duty
	DriverStatusOffering DriverStatus = "OFFERING"
	DriverStatusInWork   DriverStatus = "IN_WORK"
	DriverStatusOnBreak  DriverStatus = "ON_BREAK"
	DriverStatusPending  DriverStatus = "PENDING" // onboarding, never dispatched
)

// OperationallyManaged reports whether the status is owned by the dispatch
// flow rather than the schedule. The availability synchronizer never
// overrides these.
func (s DriverStatus) OperationallyManaged() bool {
	switch s {
	case DriverStatusInWork, DriverStatusOffering, DriverStatusOnBreak, DriverStatusPending:
		return true
	}
	return false
}

// MobileMoneyStatus represents the state of a payout account.
type MobileMoneyStatus string

const (
	MobileMoneyActive   MobileMoneyStatus = "active"
	MobileMoneyInactive MobileMoneyStatus = "inactive"
)

// MobileMoneyAccount is one payout destination attached to a driver,
// ordered by preference.
type MobileMoneyAccount struct {
	Provider string            `json:"provider"`
	Number   string            `json:"number"`
	Status   MobileMoneyStatus `json:"status"`
}

// Driver represents a courier in the system.
type Driver struct {
	ID              uuid.UUID            `json:"id" db:"id"`
	UserID          uuid.UUID            `json:"user_id" db:"user_id"`
	CompanyID       *uuid.UUID           `json:"company_id,omitempty" db:"company_id"`
	LatestStatus    DriverStatus         `json:"latest_status" db:"latest_status"`
	CurrentLocation *Point               `json:"current_location,omitempty" db:"current_location"`
	AverageRating   float64              `json:"average_rating" db:"average_rating"`
	IsValidDriver   bool                 `json:"is_valid_driver" db:"is_valid_driver"`
	MobileMoney     []MobileMoneyAccount `json:"mobile_money" db:"mobile_money"`
	FCMToken        *string              `json:"-" db:"fcm_token"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at" db:"updated_at"`
}

// ActivePayoutAccount returns the first active mobile-money account, or nil.
func (d *Driver) ActivePayoutAccount() *MobileMoneyAccount {
	for i := range d.MobileMoney {
		if d.MobileMoney[i].Status == MobileMoneyActive {
			return &d.MobileMoney[i]
		}
	}
	return nil
}

// DriverStatusLogEntry is one append-only status change. Consecutive entries
// for the same driver never share a status; the repository enforces it.
type DriverStatusLogEntry struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	DriverID  uuid.UUID         `json:"driver_id" db:"driver_id"`
	Status    DriverStatus      `json:"status" db:"status"`
	ChangedAt time.Time         `json:"changed_at" db:"changed_at"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// Status-change reasons recorded in DriverStatusLogEntry metadata.
const (
	StatusReasonScheduleSync      = "schedule_sync"
	StatusReasonInactivityTimeout = "inactivity_timeout"
	StatusReasonOfferProposed     = "offer_proposed"
	StatusReasonOfferRefused      = "offer_refused"
	StatusReasonOfferExpired      = "offer_expired"
	StatusReasonOfferAccepted     = "offer_accepted"
	StatusReasonMissionFinished   = "mission_finished"
	StatusReasonMissionCancelled  = "mission_cancelled"
	StatusReasonManualAssignment  = "manual_assignment"
	StatusReasonDriverRequest     = "driver_request"
)

// AvailabilityRule is a weekly recurring on-duty window. Times are wall
// clock in the reference timezone (UTC by contract); day 0 is Sunday.
type AvailabilityRule struct {
	ID        uuid.UUID `json:"id" db:"id"`
	DriverID  uuid.UUID `json:"driver_id" db:"driver_id"`
	DayOfWeek int       `json:"day_of_week" db:"day_of_week"`
	StartTime string    `json:"start_time" db:"start_time"` // "HH:MM:SS"
	EndTime   string    `json:"end_time" db:"end_time"`
	IsActive  bool      `json:"is_active" db:"is_active"`
}

// AvailabilityException overrides the weekly rules for a single date.
type AvailabilityException struct {
	ID                   uuid.UUID `json:"id" db:"id"`
	DriverID             uuid.UUID `json:"driver_id" db:"driver_id"`
	Date                 string    `json:"date" db:"date"` // "YYYY-MM-DD", reference timezone
	IsUnavailableAllDay  bool      `json:"is_unavailable_all_day" db:"is_unavailable_all_day"`
	UnavailableStartTime *string   `json:"unavailable_start_time,omitempty" db:"unavailable_start_time"`
	UnavailableEndTime   *string   `json:"unavailable_end_time,omitempty" db:"unavailable_end_time"`
	Reason               *string   `json:"reason,omitempty" db:"reason"`
}

// DriverStatusRequest is the driver-initiated status change payload.
type DriverStatusRequest struct {
	Status DriverStatus `json:"status" binding:"required,oneof=ACTIVE INACTIVE ON_BREAK"`
}

// DriverLocationRequest is a telemetry location update.
type DriverLocationRequest struct {
	Latitude  float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude float64 `json:"longitude" binding:"required,min=-180,max=180"`
	Heading   *int    `json:"heading,omitempty"`
	SpeedKmh  *int    `json:"speed_kmh,omitempty"`
}

// NearbyDriver is a candidate row from the geospatial search, carrying the
// computed great-circle distance to the pickup.
type NearbyDriver struct {
	Driver
	DistanceKm float64 `json:"distance_km" db:"distance_km"`
}
