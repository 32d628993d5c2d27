package orders

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/internal/routing"
	"github.com/parceldrop/dispatch/pkg/cache"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/models"
)

// ─────────────────────────── mocks ───────────────────────────

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, order *models.Order, pickup, delivery *models.Address, legs []models.RouteLeg) error {
	args := m.Called(ctx, order, pickup, delivery, legs)
	return args.Error(0)
}

func (m *mockStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *mockStore) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]models.Order, int64, error) {
	args := m.Called(ctx, clientID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]models.Order), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Address), args.Error(1)
}

func (m *mockStore) ListLegs(ctx context.Context, orderID uuid.UUID) ([]models.RouteLeg, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RouteLeg), args.Error(1)
}

func (m *mockStore) ReplaceLegRoute(ctx context.Context, leg *models.RouteLeg) error {
	args := m.Called(ctx, leg)
	return args.Error(0)
}

func (m *mockStore) AcceptOffer(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	args := m.Called(ctx, orderID, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *mockStore) RefuseOffer(ctx context.Context, orderID, driverID uuid.UUID) error {
	args := m.Called(ctx, orderID, driverID)
	return args.Error(0)
}

func (m *mockStore) ManualAssign(ctx context.Context, orderID, driverID, adminID uuid.UUID) (*models.Order, *uuid.UUID, error) {
	args := m.Called(ctx, orderID, driverID, adminID)
	var voided *uuid.UUID
	if args.Get(1) != nil {
		voided = args.Get(1).(*uuid.UUID)
	}
	if args.Get(0) == nil {
		return nil, voided, args.Error(2)
	}
	return args.Get(0).(*models.Order), voided, args.Error(2)
}

func (m *mockStore) CancelByAdmin(ctx context.Context, orderID, adminID uuid.UUID, reason string) (*models.Order, error) {
	args := m.Called(ctx, orderID, adminID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

type mockDrivers struct {
	mock.Mock
}

func (m *mockDrivers) GetByID(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Driver), args.Error(1)
}

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) Geocode(ctx context.Context, text string) (*routing.Geocoded, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*routing.Geocoded), args.Error(1)
}

func (m *mockRouter) Trip(ctx context.Context, waypoints []models.Point, costing string) (*routing.Trip, error) {
	args := m.Called(ctx, waypoints, costing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*routing.Trip), args.Error(1)
}

func (m *mockRouter) DirectRoute(ctx context.Context, start, end models.Point, costing string) (*routing.Route, error) {
	args := m.Called(ctx, start, end, costing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*routing.Route), args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	args := m.Called(ctx, stream, values)
	return args.String(0), args.Error(1)
}

type mockKV struct {
	mock.Mock
}

func (m *mockKV) GetString(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *mockKV) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(int64), args.Error(1)
}

// ─────────────────────────── fixtures ───────────────────────────

func newTestService(store *mockStore, drivers *mockDrivers, router *mockRouter, events *mockEnqueuer, kv *mockKV) *Service {
	var e Enqueuer
	if events != nil {
		e = events
	}
	var k KV
	if kv != nil {
		k = kv
	}
	return NewService(store, drivers, router, e, k, nil)
}

func coordinateRequest() *models.CreateOrderRequest {
	return &models.CreateOrderRequest{
		PickupAddress: models.AddressInput{
			Text:        "Marche Sandaga",
			Coordinates: &models.Point{Lon: -17.4467, Lat: 14.6708},
		},
		DeliveryAddress: models.AddressInput{
			Text:        "Plateau",
			Coordinates: &models.Point{Lon: -17.4375, Lat: 14.6644},
		},
		Packages: []models.PackageInput{{Quantity: 1}},
	}
}

func twoLegTrip() *routing.Trip {
	return &routing.Trip{
		TotalDurationSeconds: 900,
		TotalDistanceMeters:  4200,
		Legs: []routing.Leg{
			{
				Geometry:        "}_se}Ac`bbN",
				DurationSeconds: 900,
				DistanceMeters:  4200,
				Maneuvers: []routing.Maneuver{
					{Instruction: "Head south", Type: 1, DistanceMeters: 4200},
				},
			},
		},
	}
}

func offeredOrder(clientID, driverID uuid.UUID, expiresAt time.Time) *models.Order {
	return &models.Order{
		ID:                uuid.New(),
		ClientID:          clientID,
		Status:            models.OrderStatusOffered,
		Priority:          models.OrderPriorityMed,
		Remuneration:      1500,
		ClientFee:         2100,
		Currency:          "XOF",
		PickupAddressID:   uuid.New(),
		DeliveryAddressID: uuid.New(),
		OfferedDriverID:   &driverID,
		OfferExpiresAt:    &expiresAt,
		Waypoints: []models.Waypoint{
			{Sequence: 0, Type: models.WaypointTypePickup, Status: models.WaypointStatusPending},
			{Sequence: 1, Type: models.WaypointTypeDelivery, Status: models.WaypointStatusPending},
		},
	}
}

// ─────────────────────────── create ───────────────────────────

func TestCreatePricesAndPersists(t *testing.T) {
	store := new(mockStore)
	router := new(mockRouter)
	events := new(mockEnqueuer)
	kv := new(mockKV)
	svc := newTestService(store, new(mockDrivers), router, events, kv)

	clientID := uuid.New()
	req := coordinateRequest()

	router.On("Trip", mock.Anything, mock.Anything, "").Return(twoLegTrip(), nil)
	store.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	events.On("Publish", mock.Anything, eventlog.StreamAssignment, mock.MatchedBy(func(values map[string]string) bool {
		return values[eventlog.FieldType] == eventlog.TypeNewOrderReadyForAssignment
	})).Return("1-0", nil)
	kv.On("IncrementCounter", mock.Anything, mock.Anything, demandCellTTL).Return(int64(1), nil)

	order, err := svc.Create(context.Background(), clientID, req)
	require.NoError(t, err)

	assert.Equal(t, clientID, order.ClientID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.OrderPriorityMed, order.Priority)
	assert.Equal(t, "XOF", order.Currency)
	assert.Positive(t, order.Remuneration)
	assert.Positive(t, order.ClientFee)
	assert.Greater(t, order.ClientFee, order.Remuneration)
	require.Len(t, order.Waypoints, 2)
	assert.Equal(t, models.WaypointTypePickup, order.Waypoints[0].Type)
	assert.Equal(t, models.WaypointTypeDelivery, order.Waypoints[1].Type)
	assert.Len(t, order.Waypoints[0].ConfirmationCode, 6)
	assert.True(t, order.Waypoints[0].IsMandatory)
	store.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestCreateLegsConnectWaypoints(t *testing.T) {
	store := new(mockStore)
	router := new(mockRouter)
	svc := newTestService(store, new(mockDrivers), router, nil, nil)

	router.On("Trip", mock.Anything, mock.Anything, "").Return(twoLegTrip(), nil)

	var captured []models.RouteLeg
	store.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(4).([]models.RouteLeg)
		}).Return(nil)

	order, err := svc.Create(context.Background(), uuid.New(), coordinateRequest())
	require.NoError(t, err)

	// Trip leg 0 connects waypoint 0 to waypoint 1 and is stored as leg 1.
	// Leg 0 (driver origin) does not exist until the first reroute.
	require.Len(t, captured, 1)
	assert.Equal(t, 1, captured[0].LegSequence)
	assert.Equal(t, order.Waypoints[0].AddressID, *captured[0].StartAddressID)
	assert.Equal(t, order.Waypoints[1].AddressID, *captured[0].EndAddressID)
	assert.Equal(t, 4200, captured[0].DistanceMeters)
	require.Len(t, captured[0].Maneuvers, 1)
	assert.Equal(t, float64(4200), captured[0].Maneuvers[0].LengthMeters)
}

func TestCreateNoRouteIsValidationError(t *testing.T) {
	router := new(mockRouter)
	svc := newTestService(new(mockStore), new(mockDrivers), router, new(mockEnqueuer), nil)

	router.On("Trip", mock.Anything, mock.Anything, "").Return(nil, nil)

	_, err := svc.Create(context.Background(), uuid.New(), coordinateRequest())
	require.Error(t, err)
	appErr, ok := err.(*common.AppError)
	require.True(t, ok)
	assert.Equal(t, common.CodeValidation, appErr.ErrorCode)
}

func TestCreateGeocodesTextAddresses(t *testing.T) {
	store := new(mockStore)
	router := new(mockRouter)
	svc := newTestService(store, new(mockDrivers), router, nil, nil)

	req := coordinateRequest()
	req.PickupAddress.Coordinates = nil

	router.On("Geocode", mock.Anything, "Marche Sandaga").Return(&routing.Geocoded{
		Point: models.Point{Lon: -17.4467, Lat: 14.6708},
		Label: "Marché Sandaga, Dakar",
		City:  "Dakar",
	}, nil)
	router.On("Trip", mock.Anything, mock.Anything, "").Return(twoLegTrip(), nil)

	var pickup *models.Address
	store.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			pickup = args.Get(2).(*models.Address)
		}).Return(nil)

	_, err := svc.Create(context.Background(), uuid.New(), req)
	require.NoError(t, err)

	assert.Equal(t, "Marché Sandaga, Dakar", pickup.Label)
	require.NotNil(t, pickup.City)
	assert.Equal(t, "Dakar", *pickup.City)
}

func TestCreateUnknownAddressIsValidationError(t *testing.T) {
	router := new(mockRouter)
	svc := newTestService(new(mockStore), new(mockDrivers), router, new(mockEnqueuer), nil)

	req := coordinateRequest()
	req.DeliveryAddress.Coordinates = nil
	router.On("Geocode", mock.Anything, "Plateau").Return(nil, nil)

	_, err := svc.Create(context.Background(), uuid.New(), req)
	require.Error(t, err)
	appErr, ok := err.(*common.AppError)
	require.True(t, ok)
	assert.Equal(t, common.CodeValidation, appErr.ErrorCode)
	assert.Contains(t, appErr.Message, "delivery")
}

func TestCreateSurvivesEventLogOutage(t *testing.T) {
	store := new(mockStore)
	router := new(mockRouter)
	events := new(mockEnqueuer)
	svc := newTestService(store, new(mockDrivers), router, events, nil)

	router.On("Trip", mock.Anything, mock.Anything, "").Return(twoLegTrip(), nil)
	store.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	events.On("Publish", mock.Anything, eventlog.StreamAssignment, mock.Anything).
		Return("", assert.AnError)

	order, err := svc.Create(context.Background(), uuid.New(), coordinateRequest())
	require.NoError(t, err)
	assert.NotNil(t, order)
}

// ─────────────────────────── visibility ───────────────────────────

func TestGetEnforcesVisibility(t *testing.T) {
	clientID := uuid.New()
	driverID := uuid.New()
	order := offeredOrder(clientID, driverID, time.Now().Add(time.Minute))

	cases := []struct {
		name      string
		requester uuid.UUID
		role      models.UserRole
		allowed   bool
	}{
		{"admin sees everything", uuid.New(), models.RoleAdmin, true},
		{"client sees own order", clientID, models.RoleClient, true},
		{"other client refused", uuid.New(), models.RoleClient, false},
		{"offered driver sees order", driverID, models.RoleDriver, true},
		{"other driver refused", uuid.New(), models.RoleDriver, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(mockStore)
			svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
			store.On("GetByID", mock.Anything, order.ID).Return(order, nil)
			if tc.allowed {
				store.On("ListLegs", mock.Anything, order.ID).Return([]models.RouteLeg{}, nil)
			}

			got, _, err := svc.Get(context.Background(), order.ID, tc.requester, tc.role)
			if tc.allowed {
				require.NoError(t, err)
				assert.Equal(t, order.ID, got.ID)
			} else {
				require.Error(t, err)
				appErr, ok := err.(*common.AppError)
				require.True(t, ok)
				assert.Equal(t, common.CodeForbidden, appErr.ErrorCode)
			}
		})
	}
}

func TestGetMissingOrderIsNotFound(t *testing.T) {
	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("GetByID", mock.Anything, mock.Anything).Return(nil, pgx.ErrNoRows)

	_, _, err := svc.Get(context.Background(), uuid.New(), uuid.New(), models.RoleAdmin)
	assert.True(t, common.IsNotFound(err))
}

// ─────────────────────────── offer flow ───────────────────────────

func TestOfferDetailsForOfferedDriver(t *testing.T) {
	driverID := uuid.New()
	order := offeredOrder(uuid.New(), driverID, time.Now().Add(time.Minute))

	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("GetByID", mock.Anything, order.ID).Return(order, nil)
	store.On("GetAddress", mock.Anything, order.PickupAddressID).
		Return(&models.Address{ID: order.PickupAddressID, Label: "Sandaga"}, nil)
	store.On("GetAddress", mock.Anything, order.DeliveryAddressID).
		Return(&models.Address{ID: order.DeliveryAddressID, Label: "Plateau"}, nil)
	store.On("ListLegs", mock.Anything, order.ID).Return([]models.RouteLeg{
		{LegSequence: 1, DistanceMeters: 4200, DurationSeconds: 900},
	}, nil)

	details, err := svc.OfferDetails(context.Background(), order.ID, driverID)
	require.NoError(t, err)

	assert.Equal(t, order.ID, details.OrderID)
	assert.Equal(t, int64(1500), details.Remuneration)
	assert.Equal(t, "Sandaga", details.PickupLabel)
	assert.Equal(t, "Plateau", details.DeliveryLabel)
	assert.Equal(t, 4200, details.DistanceMeters)
	assert.Equal(t, 900, details.DurationSecs)
	assert.Equal(t, 2, details.WaypointCount)
}

func TestOfferDetailsHidesOtherDriversOffer(t *testing.T) {
	order := offeredOrder(uuid.New(), uuid.New(), time.Now().Add(time.Minute))

	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("GetByID", mock.Anything, order.ID).Return(order, nil)

	_, err := svc.OfferDetails(context.Background(), order.ID, uuid.New())
	assert.True(t, common.IsNotFound(err))
}

func TestOfferDetailsExpiredOfferConflicts(t *testing.T) {
	driverID := uuid.New()
	order := offeredOrder(uuid.New(), driverID, time.Now().Add(-time.Second))

	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("GetByID", mock.Anything, order.ID).Return(order, nil)

	_, err := svc.OfferDetails(context.Background(), order.ID, driverID)
	assert.True(t, common.IsConflict(err))
}

func TestAcceptPublishesDriverEvent(t *testing.T) {
	driverID := uuid.New()
	order := offeredOrder(uuid.New(), driverID, time.Now().Add(time.Minute))

	store := new(mockStore)
	events := new(mockEnqueuer)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), events, nil)
	store.On("AcceptOffer", mock.Anything, order.ID, driverID).Return(order, nil)
	events.On("Publish", mock.Anything, eventlog.StreamAssignment, mock.MatchedBy(func(values map[string]string) bool {
		return values[eventlog.FieldType] == eventlog.TypeOfferAcceptedByDriver &&
			values[eventlog.FieldDriverID] == driverID.String()
	})).Return("1-0", nil)

	got, err := svc.Accept(context.Background(), order.ID, driverID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	events.AssertExpectations(t)
}

func TestAcceptStaleOfferConflicts(t *testing.T) {
	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("AcceptOffer", mock.Anything, mock.Anything, mock.Anything).Return(nil, ErrStaleOffer)

	_, err := svc.Accept(context.Background(), uuid.New(), uuid.New())
	assert.True(t, common.IsConflict(err))
}

func TestRefusePublishesDriverEvent(t *testing.T) {
	orderID := uuid.New()
	driverID := uuid.New()

	store := new(mockStore)
	events := new(mockEnqueuer)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), events, nil)
	store.On("RefuseOffer", mock.Anything, orderID, driverID).Return(nil)
	events.On("Publish", mock.Anything, eventlog.StreamAssignment, mock.MatchedBy(func(values map[string]string) bool {
		return values[eventlog.FieldType] == eventlog.TypeOfferRefusedByDriver
	})).Return("1-0", nil)

	require.NoError(t, svc.Refuse(context.Background(), orderID, driverID))
	events.AssertExpectations(t)
}

// ─────────────────────────── admin operations ───────────────────────────

func TestManualAssignRejectsIneligibleDriver(t *testing.T) {
	drivers := new(mockDrivers)
	svc := newTestService(new(mockStore), drivers, new(mockRouter), new(mockEnqueuer), nil)
	drivers.On("GetByID", mock.Anything, mock.Anything).
		Return(&models.Driver{ID: uuid.New(), IsValidDriver: false}, nil)

	_, err := svc.ManualAssign(context.Background(), uuid.New(), uuid.New(), uuid.New())
	require.Error(t, err)
	appErr, ok := err.(*common.AppError)
	require.True(t, ok)
	assert.Equal(t, common.CodeValidation, appErr.ErrorCode)
}

func TestManualAssignUnknownDriverIsNotFound(t *testing.T) {
	drivers := new(mockDrivers)
	svc := newTestService(new(mockStore), drivers, new(mockRouter), new(mockEnqueuer), nil)
	drivers.On("GetByID", mock.Anything, mock.Anything).Return(nil, pgx.ErrNoRows)

	_, err := svc.ManualAssign(context.Background(), uuid.New(), uuid.New(), uuid.New())
	assert.True(t, common.IsNotFound(err))
}

func TestManualAssignVoidsLiveOffer(t *testing.T) {
	driverID := uuid.New()
	adminID := uuid.New()
	voided := uuid.New()
	order := offeredOrder(uuid.New(), driverID, time.Now().Add(time.Minute))
	order.OfferedDriverID = nil
	order.OfferExpiresAt = nil
	order.DriverID = &driverID
	order.Status = models.OrderStatusAccepted

	store := new(mockStore)
	drivers := new(mockDrivers)
	events := new(mockEnqueuer)
	svc := newTestService(store, drivers, new(mockRouter), events, nil)
	drivers.On("GetByID", mock.Anything, driverID).
		Return(&models.Driver{ID: driverID, IsValidDriver: true}, nil)
	store.On("ManualAssign", mock.Anything, order.ID, driverID, adminID).Return(order, &voided, nil)
	events.On("Publish", mock.Anything, eventlog.StreamAssignment, mock.MatchedBy(func(values map[string]string) bool {
		return values[eventlog.FieldType] == eventlog.TypeManuallyAssigned &&
			values[eventlog.FieldDriverID] == driverID.String()
	})).Return("1-0", nil)

	got, err := svc.ManualAssign(context.Background(), order.ID, driverID, adminID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, got.Status)
	events.AssertExpectations(t)
}

func TestCancelPublishesReason(t *testing.T) {
	orderID := uuid.New()
	adminID := uuid.New()
	cancelled := &models.Order{ID: orderID, Status: models.OrderStatusCancelled}

	store := new(mockStore)
	events := new(mockEnqueuer)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), events, nil)
	store.On("CancelByAdmin", mock.Anything, orderID, adminID, "client unreachable").Return(cancelled, nil)
	events.On("Publish", mock.Anything, eventlog.StreamAssignment, mock.MatchedBy(func(values map[string]string) bool {
		return values[eventlog.FieldType] == eventlog.TypeCancelledByAdmin &&
			values[eventlog.FieldReason] == "client unreachable"
	})).Return("1-0", nil)

	got, err := svc.Cancel(context.Background(), orderID, adminID, "client unreachable")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	events.AssertExpectations(t)
}

func TestCancelTerminalOrderConflicts(t *testing.T) {
	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("CancelByAdmin", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ErrOrderTerminal)

	_, err := svc.Cancel(context.Background(), uuid.New(), uuid.New(), "too late")
	assert.True(t, common.IsConflict(err))
}

// ─────────────────────────── reroute ───────────────────────────

func TestRerouteReplacesLegToNextOpenWaypoint(t *testing.T) {
	driverID := uuid.New()
	order := offeredOrder(uuid.New(), driverID, time.Now().Add(time.Minute))
	order.OfferedDriverID = nil
	order.OfferExpiresAt = nil
	order.DriverID = &driverID
	order.Status = models.OrderStatusAccepted
	order.Waypoints[0].Status = models.WaypointStatusCompleted
	order.Waypoints[1].Coordinates = models.Point{Lon: -17.4375, Lat: 14.6644}

	position, err := json.Marshal(map[string]float64{"latitude": 14.668, "longitude": -17.442})
	require.NoError(t, err)

	store := new(mockStore)
	router := new(mockRouter)
	kv := new(mockKV)
	svc := newTestService(store, new(mockDrivers), router, new(mockEnqueuer), kv)
	store.On("GetByID", mock.Anything, order.ID).Return(order, nil)
	kv.On("GetString", mock.Anything, cache.Keys.DriverLocation(driverID.String())).
		Return(string(position), nil)
	router.On("DirectRoute", mock.Anything,
		models.Point{Lon: -17.442, Lat: 14.668}, order.Waypoints[1].Coordinates, "").
		Return(&routing.Route{DurationSeconds: 300, DistanceMeters: 1100, Geometry: "abc"}, nil)
	store.On("ReplaceLegRoute", mock.Anything, mock.MatchedBy(func(leg *models.RouteLeg) bool {
		return leg.LegSequence == 1 && leg.DistanceMeters == 1100
	})).Return(nil)

	leg, err := svc.Reroute(context.Background(), order.ID, driverID)
	require.NoError(t, err)
	assert.Equal(t, 1, leg.LegSequence)
	assert.Equal(t, "abc", leg.Geometry)
	store.AssertExpectations(t)
}

func TestRerouteRequiresAssignedDriver(t *testing.T) {
	order := offeredOrder(uuid.New(), uuid.New(), time.Now().Add(time.Minute))

	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("GetByID", mock.Anything, order.ID).Return(order, nil)

	_, err := svc.Reroute(context.Background(), order.ID, uuid.New())
	require.Error(t, err)
	appErr, ok := err.(*common.AppError)
	require.True(t, ok)
	assert.Equal(t, common.CodeForbidden, appErr.ErrorCode)
}

func TestRerouteWithoutRecentPositionConflicts(t *testing.T) {
	driverID := uuid.New()
	order := offeredOrder(uuid.New(), driverID, time.Now().Add(time.Minute))
	order.OfferedDriverID = nil
	order.DriverID = &driverID
	order.Status = models.OrderStatusAccepted

	store := new(mockStore)
	kv := new(mockKV)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), kv)
	store.On("GetByID", mock.Anything, order.ID).Return(order, nil)
	kv.On("GetString", mock.Anything, mock.Anything).Return("", assert.AnError)

	_, err := svc.Reroute(context.Background(), order.ID, driverID)
	assert.True(t, common.IsConflict(err))
}

func TestRerouteAllWaypointsClosedConflicts(t *testing.T) {
	driverID := uuid.New()
	order := offeredOrder(uuid.New(), driverID, time.Now().Add(time.Minute))
	order.OfferedDriverID = nil
	order.DriverID = &driverID
	order.Status = models.OrderStatusAccepted
	order.Waypoints[0].Status = models.WaypointStatusCompleted
	order.Waypoints[1].Status = models.WaypointStatusCompleted

	store := new(mockStore)
	svc := newTestService(store, new(mockDrivers), new(mockRouter), new(mockEnqueuer), nil)
	store.On("GetByID", mock.Anything, order.ID).Return(order, nil)

	_, err := svc.Reroute(context.Background(), order.ID, driverID)
	assert.True(t, common.IsConflict(err))
}
