package routing

import (
	"context"

	"github.com/parceldrop/dispatch/pkg/models"
)

// Routing is the capability the dispatch core consumes for geocoding and
// route computation. A nil result with a nil error means the engine answered
// but found nothing (unknown address, unroutable pair).
type Routing interface {
	Geocode(ctx context.Context, text string) (*Geocoded, error)
	Trip(ctx context.Context, waypoints []models.Point, costing string) (*Trip, error)
	DirectRoute(ctx context.Context, start, end models.Point, costing string) (*Route, error)
}

// Geocoded is a resolved address.
type Geocoded struct {
	Point    models.Point `json:"point"`
	Label    string       `json:"label"`
	City     string       `json:"city,omitempty"`
	Postcode string       `json:"postcode,omitempty"`
	Country  string       `json:"country,omitempty"`
}

// Maneuver is a single turn instruction on a leg.
type Maneuver struct {
	Instruction    string `json:"instruction"`
	Type           int    `json:"type"`
	DistanceMeters int    `json:"distance_meters"`
}

// Leg is the routed segment between two consecutive waypoints.
type Leg struct {
	Geometry        string     `json:"geometry"` // encoded polyline, precision 6
	DurationSeconds int        `json:"duration_seconds"`
	DistanceMeters  int        `json:"distance_meters"`
	Maneuvers       []Maneuver `json:"maneuvers,omitempty"`
}

// Trip is a multi-waypoint route with per-leg geometry.
type Trip struct {
	TotalDurationSeconds int   `json:"total_duration_seconds"`
	TotalDistanceMeters  int   `json:"total_distance_meters"`
	Legs                 []Leg `json:"legs"`
}

// Route is a single start-to-end route without maneuver detail.
type Route struct {
	DurationSeconds int    `json:"duration_seconds"`
	DistanceMeters  int    `json:"distance_meters"`
	Geometry        string `json:"geometry"`
}
