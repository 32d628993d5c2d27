package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/parceldrop/dispatch/pkg/cache"
	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/models"
)

// ─────────────────────────── mocks ───────────────────────────

type mockScheduleStore struct {
	mock.Mock
}

func (m *mockScheduleStore) ListRules(ctx context.Context, driverID uuid.UUID) ([]models.AvailabilityRule, error) {
	args := m.Called(ctx, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AvailabilityRule), args.Error(1)
}

func (m *mockScheduleStore) ListExceptions(ctx context.Context, driverID uuid.UUID, date string) ([]models.AvailabilityException, error) {
	args := m.Called(ctx, driverID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AvailabilityException), args.Error(1)
}

type mockKV struct {
	mock.Mock
}

func (m *mockKV) GetString(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *mockKV) SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

// ─────────────────────────── fixtures ───────────────────────────

// 2026-08-25 is a Tuesday, 2026-08-23 a Sunday.
var (
	tuesdayMorning = time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	sundayMorning  = time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
)

func weekdayRule(day int, start, end string) models.AvailabilityRule {
	return models.AvailabilityRule{
		ID:        uuid.New(),
		DayOfWeek: day,
		StartTime: start,
		EndTime:   end,
		IsActive:  true,
	}
}

func strPtr(s string) *string { return &s }

// ─────────────────────────── AvailableAt ───────────────────────────

func TestAvailableAtRules(t *testing.T) {
	tuesday := weekdayRule(2, "09:00:00", "17:00:00")

	tests := []struct {
		name    string
		rules   []models.AvailabilityRule
		instant time.Time
		want    bool
	}{
		{"inside window", []models.AvailabilityRule{tuesday}, tuesdayMorning, true},
		{"no rules", nil, tuesdayMorning, false},
		{"wrong day", []models.AvailabilityRule{tuesday}, sundayMorning, false},
		{"sunday is day zero", []models.AvailabilityRule{weekdayRule(0, "09:00:00", "17:00:00")}, sundayMorning, true},
		{"before window", []models.AvailabilityRule{tuesday}, time.Date(2026, 8, 25, 8, 59, 59, 0, time.UTC), false},
		{"at start inclusive", []models.AvailabilityRule{tuesday}, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), true},
		{"at end exclusive", []models.AvailabilityRule{tuesday}, time.Date(2026, 8, 25, 17, 0, 0, 0, time.UTC), false},
		{
			"inactive rule ignored",
			[]models.AvailabilityRule{{DayOfWeek: 2, StartTime: "09:00:00", EndTime: "17:00:00", IsActive: false}},
			tuesdayMorning,
			false,
		},
		{
			"second rule matches",
			[]models.AvailabilityRule{weekdayRule(2, "06:00:00", "08:00:00"), weekdayRule(2, "10:00:00", "12:00:00")},
			tuesdayMorning,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AvailableAt(tt.rules, nil, tt.instant))
		})
	}
}

func TestAvailableAtConvertsToUTC(t *testing.T) {
	rule := weekdayRule(2, "21:00:00", "22:00:00")

	// Tuesday 23:30 UTC+2 is Tuesday 21:30 UTC.
	local := time.Date(2026, 8, 25, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))
	assert.True(t, AvailableAt([]models.AvailabilityRule{rule}, nil, local))
}

func TestAvailableAtExceptions(t *testing.T) {
	rules := []models.AvailabilityRule{weekdayRule(2, "09:00:00", "17:00:00")}

	tests := []struct {
		name       string
		exceptions []models.AvailabilityException
		want       bool
	}{
		{
			"all day exception wins",
			[]models.AvailabilityException{{Date: "2026-08-25", IsUnavailableAllDay: true}},
			false,
		},
		{
			"windowed exception covering the instant",
			[]models.AvailabilityException{{
				Date:                 "2026-08-25",
				UnavailableStartTime: strPtr("10:00:00"),
				UnavailableEndTime:   strPtr("11:00:00"),
			}},
			false,
		},
		{
			"windowed exception outside the instant",
			[]models.AvailabilityException{{
				Date:                 "2026-08-25",
				UnavailableStartTime: strPtr("14:00:00"),
				UnavailableEndTime:   strPtr("16:00:00"),
			}},
			true,
		},
		{
			"exception for another date ignored",
			[]models.AvailabilityException{{Date: "2026-08-26", IsUnavailableAllDay: true}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AvailableAt(rules, tt.exceptions, tuesdayMorning))
		})
	}
}

// ─────────────────────────── IsAvailableBySchedule ───────────────────────────

func TestIsAvailableByScheduleCacheHit(t *testing.T) {
	driverID := uuid.New()
	store := new(mockScheduleStore)
	kv := new(mockKV)

	key := cache.Keys.Availability(driverID.String(), tuesdayMorning)
	kv.On("GetString", mock.Anything, key).Return("1", nil)

	checker := NewChecker(store, kv, config.AvailabilityConfig{CacheTTLSeconds: 300})
	assert.True(t, checker.IsAvailableBySchedule(context.Background(), driverID, tuesdayMorning))

	store.AssertNotCalled(t, "ListRules", mock.Anything, mock.Anything)
	kv.AssertExpectations(t)
}

func TestIsAvailableByScheduleCacheMissComputesAndCaches(t *testing.T) {
	driverID := uuid.New()
	store := new(mockScheduleStore)
	kv := new(mockKV)

	key := cache.Keys.Availability(driverID.String(), tuesdayMorning)
	kv.On("GetString", mock.Anything, key).Return("", errors.New("redis: nil"))
	store.On("ListRules", mock.Anything, driverID).
		Return([]models.AvailabilityRule{weekdayRule(2, "09:00:00", "17:00:00")}, nil)
	store.On("ListExceptions", mock.Anything, driverID, "2026-08-25").
		Return([]models.AvailabilityException{}, nil)
	kv.On("SetWithExpiration", mock.Anything, key, "1", 300*time.Second).Return(nil)

	checker := NewChecker(store, kv, config.AvailabilityConfig{CacheTTLSeconds: 300})
	assert.True(t, checker.IsAvailableBySchedule(context.Background(), driverID, tuesdayMorning))

	store.AssertExpectations(t)
	kv.AssertExpectations(t)
}

func TestIsAvailableByScheduleCachesNegativeProbe(t *testing.T) {
	driverID := uuid.New()
	store := new(mockScheduleStore)
	kv := new(mockKV)

	key := cache.Keys.Availability(driverID.String(), sundayMorning)
	kv.On("GetString", mock.Anything, key).Return("", errors.New("redis: nil"))
	store.On("ListRules", mock.Anything, driverID).Return([]models.AvailabilityRule{}, nil)
	store.On("ListExceptions", mock.Anything, driverID, "2026-08-23").
		Return([]models.AvailabilityException{}, nil)
	kv.On("SetWithExpiration", mock.Anything, key, "0", 300*time.Second).Return(nil)

	checker := NewChecker(store, kv, config.AvailabilityConfig{CacheTTLSeconds: 300})
	assert.False(t, checker.IsAvailableBySchedule(context.Background(), driverID, sundayMorning))

	kv.AssertExpectations(t)
}

func TestIsAvailableByScheduleLoadFailureReadsUnavailable(t *testing.T) {
	driverID := uuid.New()
	store := new(mockScheduleStore)
	store.On("ListRules", mock.Anything, driverID).Return(nil, errors.New("connection refused"))

	checker := NewChecker(store, nil, config.AvailabilityConfig{CacheTTLSeconds: 300})
	assert.False(t, checker.IsAvailableBySchedule(context.Background(), driverID, tuesdayMorning))
}

func TestIsAvailableByScheduleWithoutCache(t *testing.T) {
	driverID := uuid.New()
	store := new(mockScheduleStore)
	store.On("ListRules", mock.Anything, driverID).
		Return([]models.AvailabilityRule{weekdayRule(2, "09:00:00", "17:00:00")}, nil)
	store.On("ListExceptions", mock.Anything, driverID, "2026-08-25").
		Return([]models.AvailabilityException{}, nil)

	checker := NewChecker(store, nil, config.AvailabilityConfig{})
	assert.True(t, checker.IsAvailableBySchedule(context.Background(), driverID, tuesdayMorning))
}
