package models

import (
	"time"

	"github.com/google/uuid"
)

// WaypointType distinguishes pickup stops from delivery stops.
type WaypointType string

const (
	WaypointTypePickup   WaypointType = "pickup"
	WaypointTypeDelivery WaypointType = "delivery"
)

// WaypointStatus is the per-stop progress state.
type WaypointStatus string

const (
	WaypointStatusPending    WaypointStatus = "pending"
	WaypointStatusArrived    WaypointStatus = "arrived"
	WaypointStatusProcessing WaypointStatus = "processing"
	WaypointStatusCompleted  WaypointStatus = "completed"
	WaypointStatusSkipped    WaypointStatus = "skipped"
	WaypointStatusFailed     WaypointStatus = "failed"
)

// Terminal reports whether the waypoint needs no further action.
func (s WaypointStatus) Terminal() bool {
	switch s {
	case WaypointStatusCompleted, WaypointStatusSkipped, WaypointStatusFailed:
		return true
	}
	return false
}

// Waypoint is one ordered stop of a mission. Sequence is dense from 0; every
// pickup for a package precedes its delivery. The confirmation code is drawn
// from a cryptographic source at creation and never changes afterwards.
type Waypoint struct {
	Sequence         int            `json:"sequence"`
	Type             WaypointType   `json:"type"`
	AddressID        uuid.UUID      `json:"address_id"`
	Coordinates      Point          `json:"coordinates"`
	ConfirmationCode string         `json:"-"`
	Status           WaypointStatus `json:"status"`
	StartAt          *time.Time     `json:"start_at,omitempty"`
	EndAt            *time.Time     `json:"end_at,omitempty"`
	PhotoURLs        []string       `json:"photo_urls,omitempty"`
	Name             *string        `json:"name,omitempty"`
	ContactPhone     *string        `json:"-"`
	IsMandatory      bool           `json:"is_mandatory"`
	MessageIssue     *string        `json:"message_issue,omitempty"`
}

// WaypointAction is the verb of a waypoint transition request.
type WaypointAction string

const (
	WaypointActionArrive          WaypointAction = "arrive"
	WaypointActionStartProcessing WaypointAction = "start_processing"
	WaypointActionComplete        WaypointAction = "complete"
	WaypointActionFail            WaypointAction = "fail"
	WaypointActionSkip            WaypointAction = "skip"
)

// WaypointActionRequest is the body of PATCH /orders/:id/waypoints/:seq/status.
type WaypointActionRequest struct {
	Action           WaypointAction `json:"action" binding:"required,oneof=arrive start_processing complete fail skip"`
	ConfirmationCode string         `json:"confirmation_code,omitempty"`
	PhotoURLs        []string       `json:"photo_urls,omitempty"`
	MessageIssue     *string        `json:"message_issue,omitempty"`
}

// Maneuver is one turn instruction inside a route leg.
type Maneuver struct {
	Instruction   string  `json:"instruction"`
	Type          int     `json:"type"`
	BeginShapeIdx int     `json:"begin_shape_index"`
	EndShapeIdx   int     `json:"end_shape_index"`
	LengthMeters  float64 `json:"length_meters"`
	TimeSeconds   float64 `json:"time_seconds"`
}

// RouteLeg connects waypoint i-1 to waypoint i (leg 0 connects the driver
// origin to waypoint 0). count(legs) == count(waypoints) per order.
type RouteLeg struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	OrderID          uuid.UUID  `json:"order_id" db:"order_id"`
	LegSequence      int        `json:"leg_sequence" db:"leg_sequence"`
	StartAddressID   *uuid.UUID `json:"start_address_id,omitempty" db:"start_address_id"`
	EndAddressID     *uuid.UUID `json:"end_address_id,omitempty" db:"end_address_id"`
	StartCoordinates Point      `json:"start_coordinates" db:"start_coordinates"`
	EndCoordinates   Point      `json:"end_coordinates" db:"end_coordinates"`
	Geometry         string     `json:"geometry" db:"geometry"` // encoded polyline, precision 6
	DurationSeconds  int        `json:"duration_seconds" db:"duration_seconds"`
	DistanceMeters   int        `json:"distance_meters" db:"distance_meters"`
	Maneuvers        []Maneuver `json:"maneuvers" db:"maneuvers"`
}
