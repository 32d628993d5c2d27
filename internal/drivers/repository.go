package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parceldrop/dispatch/pkg/database"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Repository handles database operations for drivers, their status log,
// availability rules and exceptions.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new drivers repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const driverColumns = `
	d.id, d.user_id, d.company_id, d.latest_status,
	ST_X(d.current_location::geometry), ST_Y(d.current_location::geometry),
	d.average_rating, d.is_valid_driver, d.mobile_money, d.fcm_token,
	d.created_at, d.updated_at`

func scanDriver(row pgx.Row) (*models.Driver, error) {
	var (
		d           models.Driver
		lon, lat    *float64
		mobileMoney []byte
	)

	err := row.Scan(
		&d.ID, &d.UserID, &d.CompanyID, &d.LatestStatus,
		&lon, &lat,
		&d.AverageRating, &d.IsValidDriver, &mobileMoney, &d.FCMToken,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lon != nil && lat != nil {
		d.CurrentLocation = &models.Point{Lon: *lon, Lat: *lat}
	}
	if len(mobileMoney) > 0 {
		if err := json.Unmarshal(mobileMoney, &d.MobileMoney); err != nil {
			return nil, fmt.Errorf("failed to decode mobile_money: %w", err)
		}
	}

	return &d, nil
}

// GetByID retrieves a driver by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	query := `SELECT ` + driverColumns + ` FROM drivers d WHERE d.id = $1`

	driver, err := database.RetryableQueryRow(ctx, r.db, query, []interface{}{id}, scanDriver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return driver, nil
}

// FindCandidates returns valid ACTIVE drivers within radiusKm of the pickup,
// excluding the blacklist, ordered by distance ascending then rating
// descending. The schedule check happens in the caller.
func (r *Repository) FindCandidates(ctx context.Context, pickup models.Point, radiusKm float64, blacklist []uuid.UUID) ([]models.NearbyDriver, error) {
	query := `
		SELECT ` + driverColumns + `,
			ST_Distance(d.current_location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) / 1000 AS distance_km
		FROM drivers d
		WHERE d.is_valid_driver = true
		  AND d.latest_status = $3
		  AND d.current_location IS NOT NULL
		  AND ST_DWithin(d.current_location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $4)
		  AND NOT (d.id = ANY($5))
		ORDER BY distance_km ASC, d.average_rating DESC
	`

	ids := blacklist
	if ids == nil {
		ids = []uuid.UUID{}
	}

	rows, err := r.db.Query(ctx, query, pickup.Lon, pickup.Lat, models.DriverStatusActive, radiusKm*1000, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to search candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.NearbyDriver
	for rows.Next() {
		var (
			d           models.Driver
			lon, lat    *float64
			mobileMoney []byte
			distanceKm  float64
		)
		err := rows.Scan(
			&d.ID, &d.UserID, &d.CompanyID, &d.LatestStatus,
			&lon, &lat,
			&d.AverageRating, &d.IsValidDriver, &mobileMoney, &d.FCMToken,
			&d.CreatedAt, &d.UpdatedAt,
			&distanceKm,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		if lon != nil && lat != nil {
			d.CurrentLocation = &models.Point{Lon: *lon, Lat: *lat}
		}
		if len(mobileMoney) > 0 {
			if err := json.Unmarshal(mobileMoney, &d.MobileMoney); err != nil {
				return nil, fmt.Errorf("failed to decode mobile_money: %w", err)
			}
		}
		candidates = append(candidates, models.NearbyDriver{Driver: d, DistanceKm: distanceKm})
	}

	return candidates, rows.Err()
}

// ChangeStatus atomically moves a driver to a new status and appends a
// status-log entry. Returns false without writing anything when the driver
// is already in that status, keeping the log free of consecutive duplicates.
func (r *Repository) ChangeStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus, metadata map[string]string) (bool, error) {
	var changed bool
	err := database.RetryableTransaction(ctx, r.db, func(tx pgx.Tx) error {
		changed = false

		var current models.DriverStatus
		err := tx.QueryRow(ctx, `SELECT latest_status FROM drivers WHERE id = $1 FOR UPDATE`, driverID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			return fmt.Errorf("failed to lock driver: %w", err)
		}

		if current == status {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE drivers SET latest_status = $1, updated_at = now() WHERE id = $2`,
			status, driverID,
		); err != nil {
			return fmt.Errorf("failed to update driver status: %w", err)
		}

		var metadataJSON []byte
		if len(metadata) > 0 {
			metadataJSON, err = json.Marshal(metadata)
			if err != nil {
				return fmt.Errorf("failed to encode status metadata: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO driver_status_logs (id, driver_id, status, metadata, changed_at)
			 VALUES ($1, $2, $3, $4, now())`,
			uuid.New(), driverID, status, metadataJSON,
		); err != nil {
			return fmt.Errorf("failed to append status log: %w", err)
		}

		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ListByStatuses returns every driver currently in one of the given statuses.
// Used by the heartbeat monitor and the availability synchronizer.
func (r *Repository) ListByStatuses(ctx context.Context, statuses []models.DriverStatus) ([]models.Driver, error) {
	query := `SELECT ` + driverColumns + ` FROM drivers d WHERE d.latest_status = ANY($1) AND d.is_valid_driver = true ORDER BY d.id`

	drivers, err := database.RetryableQuery(ctx, r.db, query, []interface{}{statuses}, collectDrivers)
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers by status: %w", err)
	}
	return drivers, nil
}

// ListValid pages over valid drivers in stable id order for sweep workers.
func (r *Repository) ListValid(ctx context.Context, limit, offset int) ([]models.Driver, error) {
	query := `SELECT ` + driverColumns + ` FROM drivers d WHERE d.is_valid_driver = true ORDER BY d.id LIMIT $1 OFFSET $2`

	drivers, err := database.RetryableQuery(ctx, r.db, query, []interface{}{limit, offset}, collectDrivers)
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	return drivers, nil
}

func collectDrivers(rows pgx.Rows) ([]models.Driver, error) {
	var drivers []models.Driver
	for rows.Next() {
		var (
			d           models.Driver
			lon, lat    *float64
			mobileMoney []byte
		)
		err := rows.Scan(
			&d.ID, &d.UserID, &d.CompanyID, &d.LatestStatus,
			&lon, &lat,
			&d.AverageRating, &d.IsValidDriver, &mobileMoney, &d.FCMToken,
			&d.CreatedAt, &d.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		if lon != nil && lat != nil {
			d.CurrentLocation = &models.Point{Lon: *lon, Lat: *lat}
		}
		if len(mobileMoney) > 0 {
			if err := json.Unmarshal(mobileMoney, &d.MobileMoney); err != nil {
				return nil, fmt.Errorf("failed to decode mobile_money: %w", err)
			}
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// UpdateLocation persists the driver's last reported position. Telemetry
// writes ride out transient connection blips behind the retry policy.
func (r *Repository) UpdateLocation(ctx context.Context, driverID uuid.UUID, p models.Point) error {
	_, err := database.RetryableExec(ctx, r.db,
		`UPDATE drivers SET current_location = ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, updated_at = now() WHERE id = $3`,
		p.Lon, p.Lat, driverID,
	)
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	return nil
}

// SetFCMToken stores the push token for a driver.
func (r *Repository) SetFCMToken(ctx context.Context, driverID uuid.UUID, token string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE drivers SET fcm_token = $1, updated_at = now() WHERE id = $2`,
		token, driverID,
	)
	if err != nil {
		return fmt.Errorf("failed to set fcm token: %w", err)
	}
	return nil
}

// NullifyFCMToken clears a token the push gateway rejected as invalid,
// wherever it appears. Returns the number of drivers touched.
func (r *Repository) NullifyFCMToken(ctx context.Context, token string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE drivers SET fcm_token = NULL, updated_at = now() WHERE fcm_token = $1`,
		token,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to nullify fcm token: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateMobileMoney replaces the driver's payout account list.
func (r *Repository) UpdateMobileMoney(ctx context.Context, driverID uuid.UUID, accounts []models.MobileMoneyAccount) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("failed to encode mobile_money: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`UPDATE drivers SET mobile_money = $1, updated_at = now() WHERE id = $2`,
		data, driverID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mobile_money: %w", err)
	}
	return nil
}

// ───────────────────────── availability rules ─────────────────────────

// ListRules returns the driver's active weekly rules.
func (r *Repository) ListRules(ctx context.Context, driverID uuid.UUID) ([]models.AvailabilityRule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, driver_id, day_of_week, start_time, end_time, is_active
		 FROM availability_rules
		 WHERE driver_id = $1 AND is_active = true
		 ORDER BY day_of_week, start_time`,
		driverID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list availability rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AvailabilityRule
	for rows.Next() {
		var rule models.AvailabilityRule
		if err := rows.Scan(&rule.ID, &rule.DriverID, &rule.DayOfWeek, &rule.StartTime, &rule.EndTime, &rule.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan availability rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRule inserts a weekly rule.
func (r *Repository) CreateRule(ctx context.Context, rule *models.AvailabilityRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO availability_rules (id, driver_id, day_of_week, start_time, end_time, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rule.ID, rule.DriverID, rule.DayOfWeek, rule.StartTime, rule.EndTime, rule.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to create availability rule: %w", err)
	}
	return nil
}

// DeleteRule deactivates a rule owned by the driver.
func (r *Repository) DeleteRule(ctx context.Context, driverID, ruleID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE availability_rules SET is_active = false WHERE id = $1 AND driver_id = $2`,
		ruleID, driverID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete availability rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListExceptions returns the driver's date exceptions, optionally filtered to
// a single date (YYYY-MM-DD).
func (r *Repository) ListExceptions(ctx context.Context, driverID uuid.UUID, date string) ([]models.AvailabilityException, error) {
	query := `
		SELECT id, driver_id, to_char(date, 'YYYY-MM-DD'), is_unavailable_all_day,
		       unavailable_start_time, unavailable_end_time, reason
		FROM availability_exceptions
		WHERE driver_id = $1`
	args := []interface{}{driverID}
	if date != "" {
		query += ` AND date = $2`
		args = append(args, date)
	}
	query += ` ORDER BY date`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list availability exceptions: %w", err)
	}
	defer rows.Close()

	var exceptions []models.AvailabilityException
	for rows.Next() {
		var ex models.AvailabilityException
		if err := rows.Scan(&ex.ID, &ex.DriverID, &ex.Date, &ex.IsUnavailableAllDay, &ex.UnavailableStartTime, &ex.UnavailableEndTime, &ex.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan availability exception: %w", err)
		}
		exceptions = append(exceptions, ex)
	}
	return exceptions, rows.Err()
}

// CreateException inserts a date exception.
func (r *Repository) CreateException(ctx context.Context, ex *models.AvailabilityException) error {
	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO availability_exceptions (id, driver_id, date, is_unavailable_all_day, unavailable_start_time, unavailable_end_time, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ex.ID, ex.DriverID, ex.Date, ex.IsUnavailableAllDay, ex.UnavailableStartTime, ex.UnavailableEndTime, ex.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to create availability exception: %w", err)
	}
	return nil
}

// DeleteException removes a date exception owned by the driver.
func (r *Repository) DeleteException(ctx context.Context, driverID, exceptionID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM availability_exceptions WHERE id = $1 AND driver_id = $2`,
		exceptionID, driverID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete availability exception: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountStatusLogs reports how many log entries exist for a driver since a
// cutoff. Used by ops tooling and tests.
func (r *Repository) CountStatusLogs(ctx context.Context, driverID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM driver_status_logs WHERE driver_id = $1 AND changed_at >= $2`,
		driverID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count status logs: %w", err)
	}
	return count, nil
}
