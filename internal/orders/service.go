package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/internal/pricing"
	"github.com/parceldrop/dispatch/internal/routing"
	"github.com/parceldrop/dispatch/internal/sms"
	"github.com/parceldrop/dispatch/pkg/async"
	"github.com/parceldrop/dispatch/pkg/cache"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/geo"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

const (
	defaultCurrency   = "XOF"
	calculationEngine = "valhalla"

	demandCellTTL = 24 * time.Hour
)

// Store is the persistence surface the order service needs.
type Store interface {
	Create(ctx context.Context, order *models.Order, pickup, delivery *models.Address, legs []models.RouteLeg) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]models.Order, int64, error)
	GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error)
	ListLegs(ctx context.Context, orderID uuid.UUID) ([]models.RouteLeg, error)
	ReplaceLegRoute(ctx context.Context, leg *models.RouteLeg) error
	AcceptOffer(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error)
	RefuseOffer(ctx context.Context, orderID, driverID uuid.UUID) error
	ManualAssign(ctx context.Context, orderID, driverID, adminID uuid.UUID) (*models.Order, *uuid.UUID, error)
	CancelByAdmin(ctx context.Context, orderID, adminID uuid.UUID, reason string) (*models.Order, error)
}

// DriverDirectory is the slice of the driver store manual assignment needs.
type DriverDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Driver, error)
}

// Enqueuer appends entries to the event log.
type Enqueuer interface {
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
}

// KV is the slice of the redis client the service needs: the last driver
// position snapshot and the demand counters.
type KV interface {
	GetString(ctx context.Context, key string) (string, error)
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Service owns order creation and the HTTP side of the offer lifecycle.
// The assignment engine owns everything that happens between the two.
type Service struct {
	store   Store
	drivers DriverDirectory
	router  routing.Routing
	events  Enqueuer
	kv      KV
	sms     sms.Sender
}

// NewService creates the order service. sms may be nil when the gateway is
// not configured.
func NewService(store Store, drivers DriverDirectory, router routing.Routing, events Enqueuer, kv KV, sender sms.Sender) *Service {
	return &Service{
		store:   store,
		drivers: drivers,
		router:  router,
		events:  events,
		kv:      kv,
		sms:     sender,
	}
}

// Create prices and persists a new order, then hands it to the assignment
// engine. Geocoding, routing, pricing and waypoint generation run inline so
// the client gets the final fee in the response.
func (s *Service) Create(ctx context.Context, clientID uuid.UUID, req *models.CreateOrderRequest) (*models.Order, error) {
	pickup, err := s.resolveAddress(ctx, req.PickupAddress, "pickup")
	if err != nil {
		return nil, err
	}
	delivery, err := s.resolveAddress(ctx, req.DeliveryAddress, "delivery")
	if err != nil {
		return nil, err
	}

	trip, err := s.router.Trip(ctx, []models.Point{pickup.Coordinates, delivery.Coordinates}, "")
	if err != nil {
		return nil, err
	}
	if trip == nil {
		return nil, common.NewValidationError("no route between pickup and delivery")
	}

	quote := pricing.Compute(trip.TotalDistanceMeters, trip.TotalDurationSeconds, toPricingPackages(req.Packages))

	waypoints, err := buildWaypoints(req, pickup, delivery)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	estimation := now.Add(time.Duration(trip.TotalDurationSeconds) * time.Second)
	deliveryDate := now
	if req.DeliveryDate != nil {
		deliveryDate = req.DeliveryDate.UTC()
	}
	priority := req.Priority
	if priority == "" {
		priority = models.OrderPriorityMed
	}

	order := &models.Order{
		ID:                     uuid.New(),
		ClientID:               clientID,
		Status:                 models.OrderStatusPending,
		Priority:               priority,
		Remuneration:           quote.DriverRemuneration,
		ClientFee:              quote.ClientFee,
		Currency:               defaultCurrency,
		PickupAddressID:        pickup.ID,
		DeliveryAddressID:      delivery.ID,
		Note:                   req.Note,
		CalculationEngine:      calculationEngine,
		DeliveryDate:           deliveryDate,
		DeliveryDateEstimation: &estimation,
		Waypoints:              waypoints,
	}

	legs := buildLegs(order.ID, waypoints, trip)

	if err := s.store.Create(ctx, order, pickup, delivery, legs); err != nil {
		return nil, common.NewInternalError("failed to create order", err)
	}

	if err := s.publishMission(ctx, eventlog.TypeNewOrderReadyForAssignment, order.ID, nil); err != nil {
		// The order exists; assignment just has no trigger yet. Alert
		// loudly so operations can republish.
		logger.ErrorContext(ctx, "failed to publish order-ready event",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	s.bumpDemandCell(ctx, pickup.Coordinates)

	return order, nil
}

// List returns the client's orders newest first.
func (s *Service) List(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]models.Order, int64, error) {
	orders, total, err := s.store.ListByClient(ctx, clientID, limit, offset)
	if err != nil {
		return nil, 0, common.NewInternalError("failed to list orders", err)
	}
	return orders, total, nil
}

// Get loads one order with its route legs, enforcing visibility: clients
// see their own orders, drivers the ones offered or assigned to them,
// admins everything.
func (s *Service) Get(ctx context.Context, orderID, requesterID uuid.UUID, role models.UserRole) (*models.Order, []models.RouteLeg, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	switch role {
	case models.RoleAdmin:
	case models.RoleClient:
		if order.ClientID != requesterID {
			return nil, nil, common.NewForbiddenError("order belongs to another client")
		}
	case models.RoleDriver:
		assigned := order.DriverID != nil && *order.DriverID == requesterID
		offered := order.OfferedDriverID != nil && *order.OfferedDriverID == requesterID
		if !assigned && !offered {
			return nil, nil, common.NewForbiddenError("order is not assigned to this driver")
		}
	default:
		return nil, nil, common.NewForbiddenError("unknown role")
	}

	legs, err := s.store.ListLegs(ctx, orderID)
	if err != nil {
		return nil, nil, common.NewInternalError("failed to load route legs", err)
	}
	return order, legs, nil
}

// OfferDetails returns what the offered driver sees before deciding.
func (s *Service) OfferDetails(ctx context.Context, orderID, driverID uuid.UUID) (*models.OfferDetails, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.OfferedDriverID == nil || *order.OfferedDriverID != driverID {
		return nil, common.NewNotFoundError("no offer for this driver", nil)
	}
	if !order.HasLiveOffer(time.Now()) {
		return nil, common.NewConflictError("offer has expired")
	}

	pickup, err := s.store.GetAddress(ctx, order.PickupAddressID)
	if err != nil {
		return nil, common.NewInternalError("failed to load pickup address", err)
	}
	delivery, err := s.store.GetAddress(ctx, order.DeliveryAddressID)
	if err != nil {
		return nil, common.NewInternalError("failed to load delivery address", err)
	}

	legs, err := s.store.ListLegs(ctx, orderID)
	if err != nil {
		return nil, common.NewInternalError("failed to load route legs", err)
	}
	var distance, duration int
	for _, leg := range legs {
		distance += leg.DistanceMeters
		duration += leg.DurationSeconds
	}

	return &models.OfferDetails{
		OrderID:        order.ID,
		Remuneration:   order.Remuneration,
		Currency:       order.Currency,
		Priority:       order.Priority,
		PickupLabel:    pickup.Label,
		DeliveryLabel:  delivery.Label,
		DistanceMeters: distance,
		DurationSecs:   duration,
		WaypointCount:  len(order.Waypoints),
		OfferExpiresAt: *order.OfferExpiresAt,
		Note:           order.Note,
	}, nil
}

// Accept finalizes the assignment for the offered driver and notifies the
// engine. Confirmation codes go out to the waypoint contacts by SMS.
func (s *Service) Accept(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	order, err := s.store.AcceptOffer(ctx, orderID, driverID)
	if err != nil {
		return nil, mapOrderError(err, "failed to accept offer")
	}

	if err := s.publishMission(ctx, eventlog.TypeOfferAcceptedByDriver, orderID, map[string]string{
		eventlog.FieldDriverID: driverID.String(),
	}); err != nil {
		logger.ErrorContext(ctx, "failed to publish offer-accepted event",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}

	s.sendConfirmationCodes(ctx, order)

	return order, nil
}

// Refuse clears the driver's live offer and asks the engine for the next
// candidate.
func (s *Service) Refuse(ctx context.Context, orderID, driverID uuid.UUID) error {
	if err := s.store.RefuseOffer(ctx, orderID, driverID); err != nil {
		return mapOrderError(err, "failed to refuse offer")
	}

	if err := s.publishMission(ctx, eventlog.TypeOfferRefusedByDriver, orderID, map[string]string{
		eventlog.FieldDriverID: driverID.String(),
	}); err != nil {
		logger.ErrorContext(ctx, "failed to publish offer-refused event",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}
	return nil
}

// ManualAssign lets an admin finalize an order to a chosen driver, voiding
// any live offer. The voided offeree gets no expiry event.
func (s *Service) ManualAssign(ctx context.Context, orderID, driverID, adminID uuid.UUID) (*models.Order, error) {
	driver, err := s.drivers.GetByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError("driver not found", err)
		}
		return nil, common.NewInternalError("failed to load driver", err)
	}
	if !driver.IsValidDriver {
		return nil, common.NewValidationError("driver is not eligible for assignment")
	}

	order, voided, err := s.store.ManualAssign(ctx, orderID, driverID, adminID)
	if err != nil {
		return nil, mapOrderError(err, "failed to assign driver")
	}

	if voided != nil {
		logger.InfoContext(ctx, "live offer voided by manual assignment",
			zap.String("order_id", orderID.String()),
			zap.String("voided_driver_id", voided.String()))
	}

	if err := s.publishMission(ctx, eventlog.TypeManuallyAssigned, orderID, map[string]string{
		eventlog.FieldDriverID: driverID.String(),
	}); err != nil {
		logger.ErrorContext(ctx, "failed to publish manual-assignment event",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}

	s.sendConfirmationCodes(ctx, order)

	return order, nil
}

// Cancel terminates a non-terminal order on admin request.
func (s *Service) Cancel(ctx context.Context, orderID, adminID uuid.UUID, reason string) (*models.Order, error) {
	order, err := s.store.CancelByAdmin(ctx, orderID, adminID, reason)
	if err != nil {
		return nil, mapOrderError(err, "failed to cancel order")
	}

	if err := s.publishMission(ctx, eventlog.TypeCancelledByAdmin, orderID, map[string]string{
		eventlog.FieldReason: reason,
	}); err != nil {
		logger.ErrorContext(ctx, "failed to publish cancellation event",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}
	return order, nil
}

// Reroute recomputes the leg from the driver's live position to the next
// open waypoint. This is the only in-mission routing operation.
func (s *Service) Reroute(ctx context.Context, orderID, driverID uuid.UUID) (*models.RouteLeg, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DriverID == nil || *order.DriverID != driverID {
		return nil, common.NewForbiddenError("order is not assigned to this driver")
	}
	if order.Status.Terminal() {
		return nil, common.NewConflictError("order is in a terminal state")
	}

	target := nextOpenWaypoint(order.Waypoints)
	if target == nil {
		return nil, common.NewConflictError("no open waypoint to route to")
	}

	position, err := s.driverPosition(ctx, driverID)
	if err != nil {
		return nil, err
	}

	route, err := s.router.DirectRoute(ctx, *position, target.Coordinates, "")
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, common.NewConflictError("no route from current position to waypoint")
	}

	leg := &models.RouteLeg{
		ID:               uuid.New(),
		OrderID:          order.ID,
		LegSequence:      target.Sequence,
		StartCoordinates: *position,
		EndCoordinates:   target.Coordinates,
		Geometry:         route.Geometry,
		DurationSeconds:  route.DurationSeconds,
		DistanceMeters:   route.DistanceMeters,
	}
	if err := s.store.ReplaceLegRoute(ctx, leg); err != nil {
		return nil, common.NewInternalError("failed to store rerouted leg", err)
	}
	return leg, nil
}

// ───────────────────────── helpers ─────────────────────────

func (s *Service) load(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.store.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError("order not found", err)
		}
		return nil, common.NewInternalError("failed to load order", err)
	}
	return order, nil
}

func (s *Service) resolveAddress(ctx context.Context, input models.AddressInput, kind string) (*models.Address, error) {
	addr := &models.Address{ID: uuid.New(), Label: input.Text}

	if input.Coordinates != nil {
		if !input.Coordinates.Valid() {
			return nil, common.NewValidationError(kind + " coordinates out of range")
		}
		addr.Coordinates = *input.Coordinates
		if addr.Label == "" {
			addr.Label = kind
		}
		return addr, nil
	}

	if input.Text == "" {
		return nil, common.NewValidationError(kind + " address requires text or coordinates")
	}

	geocoded, err := s.router.Geocode(ctx, input.Text)
	if err != nil {
		return nil, err
	}
	if geocoded == nil {
		return nil, common.NewValidationError(kind + " address not found")
	}

	addr.Coordinates = geocoded.Point
	addr.Label = geocoded.Label
	if geocoded.City != "" {
		addr.City = &geocoded.City
	}
	if geocoded.Postcode != "" {
		addr.Postcode = &geocoded.Postcode
	}
	if geocoded.Country != "" {
		addr.Country = &geocoded.Country
	}
	return addr, nil
}

func buildWaypoints(req *models.CreateOrderRequest, pickup, delivery *models.Address) ([]models.Waypoint, error) {
	stops := []struct {
		kind    models.WaypointType
		addr    *models.Address
		contact models.AddressInput
	}{
		{models.WaypointTypePickup, pickup, req.PickupAddress},
		{models.WaypointTypeDelivery, delivery, req.DeliveryAddress},
	}

	waypoints := make([]models.Waypoint, len(stops))
	for i, stop := range stops {
		code, err := NewConfirmationCode()
		if err != nil {
			return nil, common.NewInternalError("failed to generate confirmation code", err)
		}
		waypoints[i] = models.Waypoint{
			Sequence:         i,
			Type:             stop.kind,
			AddressID:        stop.addr.ID,
			Coordinates:      stop.addr.Coordinates,
			ConfirmationCode: code,
			Status:           models.WaypointStatusPending,
			Name:             stop.contact.ContactName,
			ContactPhone:     stop.contact.Phone,
			IsMandatory:      true,
		}
	}
	return waypoints, nil
}

// buildLegs maps trip legs onto waypoint connections. Trip leg i connects
// waypoint i to waypoint i+1 and is stored as leg_sequence i+1; leg 0
// (driver origin to waypoint 0) only materializes on the first reroute,
// once a driver exists.
func buildLegs(orderID uuid.UUID, waypoints []models.Waypoint, trip *routing.Trip) []models.RouteLeg {
	legs := make([]models.RouteLeg, 0, len(trip.Legs))
	for i, tripLeg := range trip.Legs {
		if i+1 >= len(waypoints) {
			break
		}
		from, to := waypoints[i], waypoints[i+1]

		maneuvers := make([]models.Maneuver, len(tripLeg.Maneuvers))
		for j, m := range tripLeg.Maneuvers {
			maneuvers[j] = models.Maneuver{
				Instruction:  m.Instruction,
				Type:         m.Type,
				LengthMeters: float64(m.DistanceMeters),
			}
		}

		fromID, toID := from.AddressID, to.AddressID
		legs = append(legs, models.RouteLeg{
			ID:               uuid.New(),
			OrderID:          orderID,
			LegSequence:      i + 1,
			StartAddressID:   &fromID,
			EndAddressID:     &toID,
			StartCoordinates: from.Coordinates,
			EndCoordinates:   to.Coordinates,
			Geometry:         tripLeg.Geometry,
			DurationSeconds:  tripLeg.DurationSeconds,
			DistanceMeters:   tripLeg.DistanceMeters,
			Maneuvers:        maneuvers,
		})
	}
	return legs
}

func toPricingPackages(inputs []models.PackageInput) []pricing.Package {
	packages := make([]pricing.Package, len(inputs))
	for i, p := range inputs {
		pkg := pricing.Package{Quantity: p.Quantity}
		if p.WeightG != nil {
			pkg.WeightGrams = *p.WeightG
		}
		if p.DepthCm != nil {
			pkg.DepthCm = float64(*p.DepthCm)
		}
		if p.WidthCm != nil {
			pkg.WidthCm = float64(*p.WidthCm)
		}
		if p.HeightCm != nil {
			pkg.HeightCm = float64(*p.HeightCm)
		}
		if p.MentionWarning != nil {
			pkg.MentionWarning = *p.MentionWarning
		}
		packages[i] = pkg
	}
	return packages
}

func nextOpenWaypoint(waypoints []models.Waypoint) *models.Waypoint {
	for i := range waypoints {
		if !waypoints[i].Status.Terminal() {
			return &waypoints[i]
		}
	}
	return nil
}

// driverPosition reads the cached telemetry snapshot for a driver.
func (s *Service) driverPosition(ctx context.Context, driverID uuid.UUID) (*models.Point, error) {
	raw, err := s.kv.GetString(ctx, cache.Keys.DriverLocation(driverID.String()))
	if err != nil {
		return nil, common.NewConflictError("no recent driver position")
	}

	var snapshot struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, common.NewInternalError("malformed driver position snapshot", err)
	}
	return &models.Point{Lon: snapshot.Longitude, Lat: snapshot.Latitude}, nil
}

func (s *Service) publishMission(ctx context.Context, eventType string, orderID uuid.UUID, extra map[string]string) error {
	if s.events == nil {
		return nil
	}
	_, err := s.events.Publish(ctx, eventlog.StreamAssignment, eventlog.NewMissionEvent(eventType, orderID, extra))
	return err
}

// bumpDemandCell increments the pickup-demand counter for ops dashboards.
func (s *Service) bumpDemandCell(ctx context.Context, pickup models.Point) {
	if s.kv == nil {
		return
	}
	cell := geo.DemandCell(pickup.Lat, pickup.Lon)
	if _, err := s.kv.IncrementCounter(ctx, cache.Keys.DemandCell(cell), demandCellTTL); err != nil {
		logger.WarnContext(ctx, "failed to bump demand cell",
			zap.String("cell", cell), zap.Error(err))
	}
}

// sendConfirmationCodes texts each waypoint contact their code. Best
// effort, off the request path; the codes themselves never hit the logs.
func (s *Service) sendConfirmationCodes(ctx context.Context, order *models.Order) {
	if s.sms == nil {
		return
	}

	for _, wp := range order.Waypoints {
		if wp.ContactPhone == nil || *wp.ContactPhone == "" {
			continue
		}
		phone := *wp.ContactPhone
		var body string
		if wp.Type == models.WaypointTypePickup {
			body = fmt.Sprintf("Your ParcelDrop pickup is confirmed. Give the courier code %s at handover.", wp.ConfirmationCode)
		} else {
			body = fmt.Sprintf("Your ParcelDrop delivery is on its way. Give the courier code %s on arrival.", wp.ConfirmationCode)
		}
		seq := wp.Sequence

		async.Go(ctx, "confirmation-sms", func(ctx context.Context) {
			if err := s.sms.Send(ctx, phone, body); err != nil {
				logger.WarnContext(ctx, "failed to send confirmation sms",
					zap.String("order_id", order.ID.String()),
					zap.Int("waypoint_sequence", seq),
					zap.Error(err))
			}
		})
	}
}

// mapOrderError converts repository sentinels and pgx misses into the
// HTTP-facing taxonomy.
func mapOrderError(err error, internalMsg string) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return common.NewNotFoundError("order not found", err)
	case errors.Is(err, ErrOrderTerminal), errors.Is(err, ErrAlreadyAssigned), errors.Is(err, ErrStaleOffer):
		return common.NewConflictError(err.Error())
	default:
		return common.NewInternalError(internalMsg, err)
	}
}
