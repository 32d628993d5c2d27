package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisclient "github.com/parceldrop/dispatch/pkg/redis"
)

// Manager handles caching operations with JSON serialization
type Manager struct {
	redis *redisclient.Client
}

// NewManager creates a new cache manager
func NewManager(redis *redisclient.Client) *Manager {
	return &Manager{redis: redis}
}

// Get retrieves a cached value and unmarshals it into result
func (m *Manager) Get(ctx context.Context, key string, result interface{}) error {
	data, err := m.redis.GetString(ctx, key)
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), result)
}

// Set marshals and caches a value with expiration
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return m.redis.SetWithExpiration(ctx, key, string(data), ttl)
}

// GetOrSet retrieves from cache or executes fn and caches the result
func (m *Manager) GetOrSet(ctx context.Context, key string, ttl time.Duration, result interface{}, fn func() (interface{}, error)) error {
	// Try cache first
	err := m.Get(ctx, key, result)
	if err == nil {
		return nil // Cache hit
	}

	// Cache miss - execute function
	data, err := fn()
	if err != nil {
		return err
	}

	// Cache the result (non-blocking)
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Set(cacheCtx, key, data, ttl); err != nil {
			// Log but don't fail
			fmt.Printf("failed to cache key %s: %v\n", key, err)
		}
	}()

	// Marshal the result into the result pointer
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return json.Unmarshal(jsonData, result)
}

// Delete removes a key from cache
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	return m.redis.Delete(ctx, keys...)
}

// Invalidate removes keys matching a pattern
func (m *Manager) Invalidate(ctx context.Context, pattern string) error {
	// Note: This uses SCAN which is safe for production
	var cursor uint64
	var deletedKeys []string

	for {
		var keys []string
		var err error

		result := m.redis.Scan(ctx, cursor, pattern, 100)
		keys, cursor, err = result.Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}

		if len(keys) > 0 {
			deletedKeys = append(deletedKeys, keys...)
			if err := m.redis.Delete(ctx, keys...); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}

		if cursor == 0 {
			break
		}
	}

	return nil
}

// CacheKeys defines common cache key patterns
type CacheKeys struct{}

var Keys = CacheKeys{}

// User returns cache key for user data
func (k CacheKeys) User(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// Driver returns cache key for driver data
func (k CacheKeys) Driver(driverID string) string {
	return fmt.Sprintf("driver:%s", driverID)
}

// Order returns cache key for order data
func (k CacheKeys) Order(orderID string) string {
	return fmt.Sprintf("order:%s", orderID)
}

// Availability returns the schedule-availability key for a driver at a
// given UTC minute. Keyed per minute so concurrent checkers share one probe.
func (k CacheKeys) Availability(driverID string, minute time.Time) string {
	return fmt.Sprintf("availability:%s:%s", driverID, minute.UTC().Format("2006-01-02T15:04"))
}

// DriverHeartbeat returns the liveness key refreshed by driver telemetry.
func (k CacheKeys) DriverHeartbeat(driverID string) string {
	return fmt.Sprintf("driver:heartbeat:%s", driverID)
}

// DriverLocation returns cache key for the last reported driver position
func (k CacheKeys) DriverLocation(driverID string) string {
	return fmt.Sprintf("driver:location:%s", driverID)
}

// DriverGeo is the geospatial index of active driver positions.
func (k CacheKeys) DriverGeo() string {
	return "drivers:geo"
}

// DemandCell returns the per-H3-cell demand counter key.
func (k CacheKeys) DemandCell(cell string) string {
	return fmt.Sprintf("demand:cell:%s", cell)
}

// OrderSnapshot returns the key holding the latest tracking snapshot.
func (k CacheKeys) OrderSnapshot(orderID string) string {
	return fmt.Sprintf("order:snapshot:%s", orderID)
}

// TTL defines common cache TTL durations
type CacheTTL struct{}

var TTL = CacheTTL{}

func (t CacheTTL) Short() time.Duration     { return 5 * time.Minute }
func (t CacheTTL) Medium() time.Duration    { return 15 * time.Minute }
func (t CacheTTL) Long() time.Duration      { return 1 * time.Hour }
func (t CacheTTL) VeryLong() time.Duration  { return 24 * time.Hour }
func (t CacheTTL) Permanent() time.Duration { return 7 * 24 * time.Hour }
