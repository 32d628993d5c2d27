package availability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/cache"
	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

// ScheduleStore loads a driver's weekly rules and date exceptions.
// *drivers.Repository satisfies it.
type ScheduleStore interface {
	ListRules(ctx context.Context, driverID uuid.UUID) ([]models.AvailabilityRule, error)
	ListExceptions(ctx context.Context, driverID uuid.UUID, date string) ([]models.AvailabilityException, error)
}

// KV is the slice of the redis client the checker needs for its
// per-minute probe cache.
type KV interface {
	GetString(ctx context.Context, key string) (string, error)
	SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Checker answers "is this driver scheduled to be on duty right now".
// All schedule times are wall clock in UTC; day 0 is Sunday.
type Checker struct {
	store ScheduleStore
	kv    KV
	ttl   time.Duration
}

// NewChecker creates a schedule checker. kv may be nil to disable the
// probe cache.
func NewChecker(store ScheduleStore, kv KV, cfg config.AvailabilityConfig) *Checker {
	return &Checker{
		store: store,
		kv:    kv,
		ttl:   cfg.CacheTTL(),
	}
}

// IsAvailableBySchedule reports whether the driver's schedule covers the
// given instant. The answer is cached per UTC minute so the synchronizer
// fleet and the assignment fan-out share one database probe. Any load
// failure reads as unavailable.
func (c *Checker) IsAvailableBySchedule(ctx context.Context, driverID uuid.UUID, instant time.Time) bool {
	instant = instant.UTC()

	var key string
	if c.kv != nil {
		key = cache.Keys.Availability(driverID.String(), instant)
		if cached, err := c.kv.GetString(ctx, key); err == nil {
			return cached == "1"
		}
	}

	rules, err := c.store.ListRules(ctx, driverID)
	if err != nil {
		logger.WarnContext(ctx, "failed to load availability rules",
			zap.String("driver_id", driverID.String()), zap.Error(err))
		return false
	}

	exceptions, err := c.store.ListExceptions(ctx, driverID, instant.Format("2006-01-02"))
	if err != nil {
		logger.WarnContext(ctx, "failed to load availability exceptions",
			zap.String("driver_id", driverID.String()), zap.Error(err))
		return false
	}

	available := AvailableAt(rules, exceptions, instant)

	if c.kv != nil {
		value := "0"
		if available {
			value = "1"
		}
		if err := c.kv.SetWithExpiration(ctx, key, value, c.ttl); err != nil {
			logger.WarnContext(ctx, "failed to cache availability probe",
				zap.String("driver_id", driverID.String()), zap.Error(err))
		}
	}

	return available
}

// AvailableAt evaluates the schedule at an instant. Exceptions win over
// rules: an all-day exception blocks the whole date, a windowed one blocks
// its window. Rule and exception windows are half-open [start, end).
func AvailableAt(rules []models.AvailabilityRule, exceptions []models.AvailabilityException, instant time.Time) bool {
	instant = instant.UTC()
	date := instant.Format("2006-01-02")
	clock := instant.Format("15:04:05")

	for _, ex := range exceptions {
		if ex.Date != date {
			continue
		}
		if ex.IsUnavailableAllDay {
			return false
		}
		if ex.UnavailableStartTime != nil && ex.UnavailableEndTime != nil &&
			inWindow(clock, *ex.UnavailableStartTime, *ex.UnavailableEndTime) {
			return false
		}
	}

	day := int(instant.Weekday())
	for _, rule := range rules {
		if !rule.IsActive || rule.DayOfWeek != day {
			continue
		}
		if inWindow(clock, rule.StartTime, rule.EndTime) {
			return true
		}
	}

	return false
}

// inWindow compares "HH:MM:SS" strings; fixed-width digits make the
// lexicographic order the chronological one.
func inWindow(clock, start, end string) bool {
	return clock >= start && clock < end
}
