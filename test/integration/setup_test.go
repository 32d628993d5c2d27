//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/database"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Setenv("ENVIRONMENT", "test")
	os.Setenv("DB_HOST", getenv("TEST_DB_HOST", "localhost"))
	os.Setenv("DB_PORT", getenv("TEST_DB_PORT", "5433"))
	os.Setenv("DB_USER", getenv("TEST_DB_USER", "testuser"))
	os.Setenv("DB_PASSWORD", getenv("TEST_DB_PASSWORD", "testpassword"))
	os.Setenv("DB_NAME", getenv("TEST_DB_NAME", "dispatch_test"))
	os.Setenv("DB_SSLMODE", "disable")

	cfg, err := config.Load("dispatch-integration")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}

	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard

	migrateDatabase(fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User, cfg.Database.Password, cfg.Database.Host,
		cfg.Database.Port, cfg.Database.DBName, cfg.Database.SSLMode))

	dbPool, err = database.NewPostgresPool(&cfg.Database)
	if err != nil {
		panic(fmt.Sprintf("failed to connect database: %v", err))
	}

	exitCode := m.Run()

	database.Close(dbPool)
	_ = logger.Sync()

	os.Exit(exitCode)
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func migrateDatabase(dsn string) {
	m, err := migrate.New("file://../../db/migrations", dsn)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize migrations: %v", err))
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		panic(fmt.Sprintf("failed to run migrations: %v", err))
	}
}

func truncateAll(t *testing.T) {
	t.Helper()
	_, err := dbPool.Exec(context.Background(), `
		TRUNCATE order_transactions, order_driver_blacklist,
			availability_exceptions, availability_rules,
			driver_status_logs, order_status_logs, order_route_legs,
			orders, drivers, addresses
		RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

// ─────────────────────────── fixtures ───────────────────────────

func createAddress(t *testing.T, lon, lat float64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := dbPool.Exec(context.Background(), `
		INSERT INTO addresses (id, label, coordinates, created_at)
		VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography, NOW())`,
		id, "Test address", lon, lat)
	require.NoError(t, err)
	return id
}

func createDriver(t *testing.T, status models.DriverStatus, lon, lat float64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := dbPool.Exec(context.Background(), `
		INSERT INTO drivers (id, user_id, latest_status, current_location,
			average_rating, is_valid_driver, mobile_money, fcm_token)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography,
			4.5, TRUE, $6, $7)`,
		id, uuid.New(), status, lon, lat,
		`[{"provider": "orange_money", "number": "+22170000001", "status": "active"}]`,
		"token-"+id.String())
	require.NoError(t, err)
	return id
}

func createPendingOrder(t *testing.T, pickupID, deliveryID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := dbPool.Exec(context.Background(), `
		INSERT INTO orders (id, client_id, status, remuneration, client_fee, currency,
			pickup_address_id, delivery_address_id, delivery_date, waypoints_summary)
		VALUES ($1, $2, 'PENDING', 1500, 2000, 'XOF', $3, $4, $5, '[]')`,
		id, uuid.New(), pickupID, deliveryID, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	return id
}
