package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatusUpdatedData is published on every order status transition so
// realtime consumers (tracking fan-out, client apps) can refresh their view.
type OrderStatusUpdatedData struct {
	OrderID    uuid.UUID  `json:"order_id"`
	ClientID   uuid.UUID  `json:"client_id"`
	DriverID   *uuid.UUID `json:"driver_id,omitempty"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Message    string     `json:"message,omitempty"`
	WaypointID *uuid.UUID `json:"waypoint_id,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DriverLocationUpdatedData is published on significant driver position
// changes while a mission is in progress.
type DriverLocationUpdatedData struct {
	DriverID  uuid.UUID  `json:"driver_id"`
	OrderID   *uuid.UUID `json:"order_id,omitempty"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Heading   float64    `json:"heading"`
	SpeedKmh  float64    `json:"speed_kmh"`
	H3Cell    string     `json:"h3_cell"`
	Timestamp time.Time  `json:"timestamp"`
}
