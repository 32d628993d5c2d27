package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/eventbus"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Bus is the subset of the event bus the tracking fan-out consumes.
type Bus interface {
	Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error
}

// EtaEstimator produces a remaining-duration estimate for an in-flight
// order from the driver's current position. Implementations may return a
// nil estimate when no route is available.
type EtaEstimator interface {
	Estimate(ctx context.Context, orderID uuid.UUID, from models.Point) (*int, error)
}

// StatusPayload is the SSE body for order:status_updated events.
type StatusPayload struct {
	OrderID    uuid.UUID  `json:"order_id"`
	Status     string     `json:"status"`
	DriverID   *uuid.UUID `json:"driver_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Message    string     `json:"message,omitempty"`
	WaypointID *uuid.UUID `json:"waypoint_id,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LocationPayload is the SSE body for order:driver_location_updated events.
// EtaSeconds is present only when the routing engine produced an estimate.
type LocationPayload struct {
	OrderID    uuid.UUID `json:"order_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    float64   `json:"heading"`
	SpeedKmh   float64   `json:"speed_kmh"`
	EtaSeconds *int      `json:"eta_seconds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Service bridges the event bus to per-order SSE subscribers. Each api
// instance subscribes under its own consumer name so every instance sees
// every event and can feed its local hub.
type Service struct {
	hub      *Hub
	bus      Bus
	eta      EtaEstimator
	instance string
}

// NewService creates the tracking fan-out service. eta may be nil; location
// events then carry no estimate.
func NewService(hub *Hub, bus Bus, eta EtaEstimator, instance string) *Service {
	return &Service{hub: hub, bus: bus, eta: eta, instance: instance}
}

// Start subscribes to the order status and driver location subjects. The
// subscriptions live until the bus is closed.
func (s *Service) Start(ctx context.Context) error {
	statusConsumer := fmt.Sprintf("tracking_status_%s", s.instance)
	if err := s.bus.Subscribe(ctx, eventbus.SubjectOrderStatusUpdated, statusConsumer, s.handleStatus); err != nil {
		return fmt.Errorf("subscribe order status: %w", err)
	}

	locationConsumer := fmt.Sprintf("tracking_location_%s", s.instance)
	if err := s.bus.Subscribe(ctx, eventbus.SubjectDriverLocationUpdated, locationConsumer, s.handleLocation); err != nil {
		return fmt.Errorf("subscribe driver location: %w", err)
	}

	logger.Info("Tracking fan-out started", zap.String("instance", s.instance))
	return nil
}

// Hub exposes the subscriber registry for the SSE handler.
func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) handleStatus(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.OrderStatusUpdatedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.ErrorContext(ctx, "malformed order status event",
			zap.String("event_id", event.ID), zap.Error(err))
		return nil // poison, acking keeps the consumer moving
	}

	s.hub.Broadcast(data.OrderID, StreamEvent{
		Name: EventOrderStatus,
		Data: StatusPayload{
			OrderID:    data.OrderID,
			Status:     data.Status,
			DriverID:   data.DriverID,
			Reason:     data.Reason,
			Message:    data.Message,
			WaypointID: data.WaypointID,
			UpdatedAt:  data.UpdatedAt,
		},
	})
	return nil
}

func (s *Service) handleLocation(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.DriverLocationUpdatedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.ErrorContext(ctx, "malformed driver location event",
			zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	if data.OrderID == nil {
		// Off-mission telemetry, nothing to track.
		return nil
	}

	orderID := *data.OrderID
	if s.hub.Subscribers(orderID) == 0 {
		return nil
	}

	payload := LocationPayload{
		OrderID:   orderID,
		DriverID:  data.DriverID,
		Latitude:  data.Latitude,
		Longitude: data.Longitude,
		Heading:   data.Heading,
		SpeedKmh:  data.SpeedKmh,
		Timestamp: data.Timestamp,
	}

	if s.eta != nil {
		from := models.Point{Lon: data.Longitude, Lat: data.Latitude}
		eta, err := s.eta.Estimate(ctx, orderID, from)
		if err != nil {
			logger.WarnContext(ctx, "eta estimate failed",
				zap.String("order_id", orderID.String()), zap.Error(err))
		} else {
			payload.EtaSeconds = eta
		}
	}

	s.hub.Broadcast(orderID, StreamEvent{Name: EventDriverLocation, Data: payload})
	return nil
}
