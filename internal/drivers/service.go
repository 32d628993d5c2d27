package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/cache"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/eventbus"
	"github.com/parceldrop/dispatch/pkg/geo"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
	redisclient "github.com/parceldrop/dispatch/pkg/redis"
	"github.com/parceldrop/dispatch/pkg/validation"
)

// Store is the persistence surface the driver service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	ChangeStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus, metadata map[string]string) (bool, error)
	UpdateLocation(ctx context.Context, driverID uuid.UUID, p models.Point) error
	SetFCMToken(ctx context.Context, driverID uuid.UUID, token string) error
	UpdateMobileMoney(ctx context.Context, driverID uuid.UUID, accounts []models.MobileMoneyAccount) error
	ListRules(ctx context.Context, driverID uuid.UUID) ([]models.AvailabilityRule, error)
	CreateRule(ctx context.Context, rule *models.AvailabilityRule) error
	DeleteRule(ctx context.Context, driverID, ruleID uuid.UUID) (bool, error)
	ListExceptions(ctx context.Context, driverID uuid.UUID, date string) ([]models.AvailabilityException, error)
	CreateException(ctx context.Context, ex *models.AvailabilityException) error
	DeleteException(ctx context.Context, driverID, exceptionID uuid.UUID) (bool, error)
}

// Publisher fans driver telemetry out to the tracking bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// Service owns driver telemetry, status changes and availability CRUD.
type Service struct {
	store Store
	redis redisclient.ClientInterface
	bus   Publisher

	heartbeatTTL time.Duration
}

// NewService creates the driver service. bus may be nil in workers that do
// not fan out telemetry.
func NewService(store Store, redis redisclient.ClientInterface, bus Publisher, heartbeat config.HeartbeatConfig) *Service {
	return &Service{
		store:        store,
		redis:        redis,
		bus:          bus,
		heartbeatTTL: heartbeat.HeartbeatTTL(),
	}
}

// GetDriver loads a driver, mapping missing rows to NotFound.
func (s *Service) GetDriver(ctx context.Context, driverID uuid.UUID) (*models.Driver, error) {
	driver, err := s.store.GetByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError("driver not found", err)
		}
		return nil, common.NewInternalError("failed to load driver", err)
	}
	return driver, nil
}

// ChangeStatus applies a driver-initiated status change. Drivers may move
// between ACTIVE, INACTIVE and ON_BREAK; OFFERING and IN_WORK belong to the
// dispatch flow and block self-service changes.
func (s *Service) ChangeStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) (*models.Driver, error) {
	switch status {
	case models.DriverStatusActive, models.DriverStatusInactive, models.DriverStatusOnBreak:
	default:
		return nil, common.NewValidationError(fmt.Sprintf("status %s cannot be set directly", status))
	}

	driver, err := s.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	if driver.LatestStatus == models.DriverStatusOffering || driver.LatestStatus == models.DriverStatusInWork {
		return nil, common.NewConflictError("driver is engaged in an offer or mission")
	}

	changed, err := s.store.ChangeStatus(ctx, driverID, status, map[string]string{
		"reason": models.StatusReasonDriverRequest,
	})
	if err != nil {
		return nil, common.NewInternalError("failed to change driver status", err)
	}

	if changed && status == models.DriverStatusInactive {
		// Off duty: drop from the dispatch geo index.
		if err := s.redis.GeoRemove(ctx, cache.Keys.DriverGeo(), driverID.String()); err != nil {
			logger.WarnContext(ctx, "failed to remove driver from geo index",
				zap.String("driver_id", driverID.String()), zap.Error(err))
		}
	}

	driver.LatestStatus = status
	return driver, nil
}

// UpdateLocation ingests one telemetry position: persists it, refreshes the
// geo and cell indexes plus the heartbeat key, and fans it out to tracking.
func (s *Service) UpdateLocation(ctx context.Context, driverID uuid.UUID, req *models.DriverLocationRequest) error {
	point := models.Point{Lon: req.Longitude, Lat: req.Latitude}
	if !point.Valid() {
		return common.NewValidationError("coordinates out of range")
	}

	if err := s.store.UpdateLocation(ctx, driverID, point); err != nil {
		return common.NewInternalError("failed to persist driver location", err)
	}

	if err := s.redis.GeoAdd(ctx, cache.Keys.DriverGeo(), point.Lon, point.Lat, driverID.String()); err != nil {
		return common.NewInternalError("failed to index driver location", err)
	}

	cell := geo.DriverCell(point.Lat, point.Lon)

	snapshot := telemetrySnapshot{
		Latitude:  point.Lat,
		Longitude: point.Lon,
		H3Cell:    cell,
		Timestamp: time.Now().UTC(),
	}
	if req.Heading != nil {
		snapshot.Heading = *req.Heading
	}
	if req.SpeedKmh != nil {
		snapshot.SpeedKmh = *req.SpeedKmh
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return common.NewInternalError("failed to encode location snapshot", err)
	}
	if err := s.redis.SetWithExpiration(ctx, cache.Keys.DriverLocation(driverID.String()), data, s.heartbeatTTL); err != nil {
		logger.WarnContext(ctx, "failed to cache driver location",
			zap.String("driver_id", driverID.String()), zap.Error(err))
	}

	// A position report is also a liveness signal.
	if err := s.Heartbeat(ctx, driverID); err != nil {
		logger.WarnContext(ctx, "failed to refresh heartbeat from location update",
			zap.String("driver_id", driverID.String()), zap.Error(err))
	}

	s.publishLocation(ctx, driverID, snapshot)

	return nil
}

// Heartbeat refreshes the driver liveness key. TTL is twice the beat
// interval so a single dropped beat never flags the driver.
func (s *Service) Heartbeat(ctx context.Context, driverID uuid.UUID) error {
	key := cache.Keys.DriverHeartbeat(driverID.String())
	if err := s.redis.SetWithExpiration(ctx, key, "1", s.heartbeatTTL); err != nil {
		return common.NewInternalError("failed to refresh heartbeat", err)
	}
	return nil
}

// RegisterFCMToken stores the driver's push token.
func (s *Service) RegisterFCMToken(ctx context.Context, driverID uuid.UUID, token string) error {
	if token == "" {
		return common.NewValidationError("fcm token is required")
	}
	if err := s.store.SetFCMToken(ctx, driverID, token); err != nil {
		return common.NewInternalError("failed to store fcm token", err)
	}
	return nil
}

// UpdatePayoutAccounts replaces the driver's mobile-money account list.
func (s *Service) UpdatePayoutAccounts(ctx context.Context, driverID uuid.UUID, accounts []models.MobileMoneyAccount) error {
	if len(accounts) == 0 {
		return common.NewValidationError("at least one payout account is required")
	}
	for _, a := range accounts {
		if a.Provider == "" || a.Number == "" {
			return common.NewValidationError("payout account provider and number are required")
		}
	}
	if _, err := s.GetDriver(ctx, driverID); err != nil {
		return err
	}
	if err := s.store.UpdateMobileMoney(ctx, driverID, accounts); err != nil {
		return common.NewInternalError("failed to update payout accounts", err)
	}
	return nil
}

// ───────────────────────── availability CRUD ─────────────────────────

// ListAvailabilityRules returns the driver's active weekly rules.
func (s *Service) ListAvailabilityRules(ctx context.Context, driverID uuid.UUID) ([]models.AvailabilityRule, error) {
	rules, err := s.store.ListRules(ctx, driverID)
	if err != nil {
		return nil, common.NewInternalError("failed to list availability rules", err)
	}
	return rules, nil
}

// CreateAvailabilityRule validates and inserts a weekly rule.
func (s *Service) CreateAvailabilityRule(ctx context.Context, driverID uuid.UUID, rule *models.AvailabilityRule) (*models.AvailabilityRule, error) {
	if rule.DayOfWeek < 0 || rule.DayOfWeek > 6 {
		return nil, common.NewValidationError("day_of_week must be between 0 (Sunday) and 6")
	}
	if err := validation.ValidateAvailabilityWindow(rule.StartTime, rule.EndTime); err != nil {
		return nil, common.NewValidationError(err.Error())
	}

	rule.DriverID = driverID
	rule.IsActive = true
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, common.NewInternalError("failed to create availability rule", err)
	}
	return rule, nil
}

// DeleteAvailabilityRule deactivates a rule owned by the driver.
func (s *Service) DeleteAvailabilityRule(ctx context.Context, driverID, ruleID uuid.UUID) error {
	found, err := s.store.DeleteRule(ctx, driverID, ruleID)
	if err != nil {
		return common.NewInternalError("failed to delete availability rule", err)
	}
	if !found {
		return common.NewNotFoundError("availability rule not found", nil)
	}
	return nil
}

// ListAvailabilityExceptions returns the driver's date exceptions.
func (s *Service) ListAvailabilityExceptions(ctx context.Context, driverID uuid.UUID) ([]models.AvailabilityException, error) {
	exceptions, err := s.store.ListExceptions(ctx, driverID, "")
	if err != nil {
		return nil, common.NewInternalError("failed to list availability exceptions", err)
	}
	return exceptions, nil
}

// CreateAvailabilityException validates and inserts a date exception. An
// exception is either all-day or carries a window; partial windows need both
// bounds.
func (s *Service) CreateAvailabilityException(ctx context.Context, driverID uuid.UUID, ex *models.AvailabilityException) (*models.AvailabilityException, error) {
	if _, err := time.Parse("2006-01-02", ex.Date); err != nil {
		return nil, common.NewValidationError("date must be YYYY-MM-DD")
	}

	if !ex.IsUnavailableAllDay {
		if ex.UnavailableStartTime == nil || ex.UnavailableEndTime == nil {
			return nil, common.NewValidationError("partial exception requires start and end times")
		}
		if err := validation.ValidateAvailabilityWindow(*ex.UnavailableStartTime, *ex.UnavailableEndTime); err != nil {
			return nil, common.NewValidationError(err.Error())
		}
	}

	ex.DriverID = driverID
	if err := s.store.CreateException(ctx, ex); err != nil {
		return nil, common.NewInternalError("failed to create availability exception", err)
	}
	return ex, nil
}

// DeleteAvailabilityException removes a date exception.
func (s *Service) DeleteAvailabilityException(ctx context.Context, driverID, exceptionID uuid.UUID) error {
	found, err := s.store.DeleteException(ctx, driverID, exceptionID)
	if err != nil {
		return common.NewInternalError("failed to delete availability exception", err)
	}
	if !found {
		return common.NewNotFoundError("availability exception not found", nil)
	}
	return nil
}

// telemetrySnapshot is the cached last-known driver position.
type telemetrySnapshot struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   int       `json:"heading,omitempty"`
	SpeedKmh  int       `json:"speed_kmh,omitempty"`
	H3Cell    string    `json:"h3_cell,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Service) publishLocation(ctx context.Context, driverID uuid.UUID, snapshot telemetrySnapshot) {
	if s.bus == nil {
		return
	}

	data := eventbus.DriverLocationUpdatedData{
		DriverID:  driverID,
		Latitude:  snapshot.Latitude,
		Longitude: snapshot.Longitude,
		Heading:   float64(snapshot.Heading),
		SpeedKmh:  float64(snapshot.SpeedKmh),
		H3Cell:    snapshot.H3Cell,
		Timestamp: snapshot.Timestamp,
	}

	event, err := eventbus.NewEvent(eventbus.SubjectDriverLocationUpdated, "drivers", data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build location event", zap.Error(err))
		return
	}

	if err := s.bus.Publish(ctx, eventbus.SubjectDriverLocationUpdated, event); err != nil {
		logger.WarnContext(ctx, "failed to publish location event",
			zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}
