package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parceldrop/dispatch/pkg/models"
)

// Guard failures surfaced by the compare-and-set order mutations. The
// service layer maps them to Conflict responses; consumers ack with a log.
var (
	ErrOrderTerminal   = errors.New("order is in a terminal state")
	ErrAlreadyAssigned = errors.New("order already has a driver")
	ErrStaleOffer      = errors.New("offer is no longer valid")
	ErrNotAssigned     = errors.New("order is not assigned to this driver")
)

// Repository handles database operations for orders, their addresses,
// route legs and the order status log.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new orders repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const orderColumns = `
	o.id, o.client_id, o.company_id, o.driver_id, o.status, o.priority,
	o.remuneration, o.client_fee, o.currency,
	o.pickup_address_id, o.delivery_address_id, o.note,
	o.assignment_attempt_count, o.calculation_engine,
	o.offered_driver_id, o.offer_expires_at,
	o.delivery_date, o.delivery_date_estimation,
	o.cancellation_reason_code, o.failure_reason_code,
	o.waypoints_summary, o.created_at, o.updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o         models.Order
		waypoints []byte
	)

	err := row.Scan(
		&o.ID, &o.ClientID, &o.CompanyID, &o.DriverID, &o.Status, &o.Priority,
		&o.Remuneration, &o.ClientFee, &o.Currency,
		&o.PickupAddressID, &o.DeliveryAddressID, &o.Note,
		&o.AssignmentAttemptCount, &o.CalculationEngine,
		&o.OfferedDriverID, &o.OfferExpiresAt,
		&o.DeliveryDate, &o.DeliveryDateEstimation,
		&o.CancellationReasonCode, &o.FailureReasonCode,
		&waypoints, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Waypoints, err = DecodeWaypoints(waypoints)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create persists a new order with its two addresses, waypoint summary and
// route legs in one transaction, and appends the initial PENDING log entry.
func (r *Repository) Create(ctx context.Context, order *models.Order, pickup, delivery *models.Address, legs []models.RouteLeg) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, addr := range []*models.Address{pickup, delivery} {
		_, err = tx.Exec(ctx, `
			INSERT INTO addresses (id, label, coordinates, city, postcode, country, created_at)
			VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography, $5, $6, $7, NOW())`,
			addr.ID, addr.Label, addr.Coordinates.Lon, addr.Coordinates.Lat,
			addr.City, addr.Postcode, addr.Country,
		)
		if err != nil {
			return fmt.Errorf("failed to insert address: %w", err)
		}
	}

	waypoints, err := EncodeWaypoints(order.Waypoints)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, client_id, company_id, driver_id, status, priority,
			remuneration, client_fee, currency,
			pickup_address_id, delivery_address_id, note,
			assignment_attempt_count, calculation_engine,
			delivery_date, delivery_date_estimation, waypoints_summary,
			created_at, updated_at
		) VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14, $15, NOW(), NOW())`,
		order.ID, order.ClientID, order.CompanyID, order.Status, order.Priority,
		order.Remuneration, order.ClientFee, order.Currency,
		order.PickupAddressID, order.DeliveryAddressID, order.Note,
		order.CalculationEngine, order.DeliveryDate, order.DeliveryDateEstimation,
		waypoints,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range legs {
		if err := insertLeg(ctx, tx, &legs[i]); err != nil {
			return err
		}
	}

	if err := appendOrderStatusLog(ctx, tx, order.ID, models.OrderStatusPending, &order.ClientID, nil, models.StatusLogMetadata{}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func insertLeg(ctx context.Context, tx pgx.Tx, leg *models.RouteLeg) error {
	maneuvers, err := encodeManeuvers(leg.Maneuvers)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_route_legs (
			id, order_id, leg_sequence, start_address_id, end_address_id,
			start_coordinates, end_coordinates, geometry,
			duration_seconds, distance_meters, maneuvers
		) VALUES ($1, $2, $3, $4, $5,
			ST_SetSRID(ST_MakePoint($6, $7), 4326)::geography,
			ST_SetSRID(ST_MakePoint($8, $9), 4326)::geography,
			$10, $11, $12, $13)`,
		leg.ID, leg.OrderID, leg.LegSequence, leg.StartAddressID, leg.EndAddressID,
		leg.StartCoordinates.Lon, leg.StartCoordinates.Lat,
		leg.EndCoordinates.Lon, leg.EndCoordinates.Lat,
		leg.Geometry, leg.DurationSeconds, leg.DistanceMeters, maneuvers,
	)
	if err != nil {
		return fmt.Errorf("failed to insert route leg: %w", err)
	}
	return nil
}

// GetByID loads one order. pgx.ErrNoRows passes through for the service to
// map.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id)
	return scanOrder(row)
}

// ListByClient returns the client's orders newest first with the total count.
func (r *Repository) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]models.Order, int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`, COUNT(*) OVER() AS total
		FROM orders o
		WHERE o.client_id = $1
		ORDER BY o.created_at DESC
		LIMIT $2 OFFSET $3`,
		clientID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []models.Order
		total  int64
	)
	for rows.Next() {
		var (
			o         models.Order
			waypoints []byte
		)
		err := rows.Scan(
			&o.ID, &o.ClientID, &o.CompanyID, &o.DriverID, &o.Status, &o.Priority,
			&o.Remuneration, &o.ClientFee, &o.Currency,
			&o.PickupAddressID, &o.DeliveryAddressID, &o.Note,
			&o.AssignmentAttemptCount, &o.CalculationEngine,
			&o.OfferedDriverID, &o.OfferExpiresAt,
			&o.DeliveryDate, &o.DeliveryDateEstimation,
			&o.CancellationReasonCode, &o.FailureReasonCode,
			&waypoints, &o.CreatedAt, &o.UpdatedAt,
			&total,
		)
		if err != nil {
			return nil, 0, err
		}
		if o.Waypoints, err = DecodeWaypoints(waypoints); err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

// GetAddress loads one address with its coordinates.
func (r *Repository) GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error) {
	var a models.Address
	err := r.db.QueryRow(ctx, `
		SELECT id, label, ST_X(coordinates::geometry), ST_Y(coordinates::geometry),
		       city, postcode, country, created_at
		FROM addresses WHERE id = $1`, id,
	).Scan(&a.ID, &a.Label, &a.Coordinates.Lon, &a.Coordinates.Lat,
		&a.City, &a.Postcode, &a.Country, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListLegs returns the order's route legs in sequence order.
func (r *Repository) ListLegs(ctx context.Context, orderID uuid.UUID) ([]models.RouteLeg, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, leg_sequence, start_address_id, end_address_id,
		       ST_X(start_coordinates::geometry), ST_Y(start_coordinates::geometry),
		       ST_X(end_coordinates::geometry), ST_Y(end_coordinates::geometry),
		       geometry, duration_seconds, distance_meters, maneuvers
		FROM order_route_legs
		WHERE order_id = $1
		ORDER BY leg_sequence`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list route legs: %w", err)
	}
	defer rows.Close()

	var legs []models.RouteLeg
	for rows.Next() {
		var (
			leg       models.RouteLeg
			maneuvers []byte
		)
		err := rows.Scan(
			&leg.ID, &leg.OrderID, &leg.LegSequence, &leg.StartAddressID, &leg.EndAddressID,
			&leg.StartCoordinates.Lon, &leg.StartCoordinates.Lat,
			&leg.EndCoordinates.Lon, &leg.EndCoordinates.Lat,
			&leg.Geometry, &leg.DurationSeconds, &leg.DistanceMeters, &maneuvers,
		)
		if err != nil {
			return nil, err
		}
		if leg.Maneuvers, err = decodeManeuvers(maneuvers); err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

// ReplaceLegRoute overwrites a leg's routed path after a reroute. The leg is
// keyed by (order, sequence); a missing leg is inserted so leg 0 (driver
// origin to first waypoint) materializes on the first reroute.
func (r *Repository) ReplaceLegRoute(ctx context.Context, leg *models.RouteLeg) error {
	maneuvers, err := encodeManeuvers(leg.Maneuvers)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO order_route_legs (
			id, order_id, leg_sequence, start_coordinates, end_coordinates,
			geometry, duration_seconds, distance_meters, maneuvers
		) VALUES ($1, $2, $3,
			ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography,
			ST_SetSRID(ST_MakePoint($6, $7), 4326)::geography,
			$8, $9, $10, $11)
		ON CONFLICT (order_id, leg_sequence) DO UPDATE SET
			start_coordinates = EXCLUDED.start_coordinates,
			end_coordinates   = EXCLUDED.end_coordinates,
			geometry          = EXCLUDED.geometry,
			duration_seconds  = EXCLUDED.duration_seconds,
			distance_meters   = EXCLUDED.distance_meters,
			maneuvers         = EXCLUDED.maneuvers`,
		leg.ID, leg.OrderID, leg.LegSequence,
		leg.StartCoordinates.Lon, leg.StartCoordinates.Lat,
		leg.EndCoordinates.Lon, leg.EndCoordinates.Lat,
		leg.Geometry, leg.DurationSeconds, leg.DistanceMeters, maneuvers,
	)
	if err != nil {
		return fmt.Errorf("failed to replace route leg: %w", err)
	}
	return nil
}

// AcceptOffer finalizes an assignment in one transaction: offer validity
// check under row lock, driver_id set, offer cleared, ACCEPTED log entry,
// driver moved to IN_WORK. Expiration wins at the exact deadline.
func (r *Repository) AcceptOffer(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status.Terminal() {
		return nil, ErrOrderTerminal
	}
	if order.DriverID != nil {
		return nil, ErrAlreadyAssigned
	}
	if !order.HasLiveOffer(time.Now()) || *order.OfferedDriverID != driverID {
		return nil, ErrStaleOffer
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET driver_id = $2, offered_driver_id = NULL, offer_expires_at = NULL,
		    status = $3, updated_at = NOW()
		WHERE id = $1`,
		orderID, driverID, models.OrderStatusAccepted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize assignment: %w", err)
	}

	if err := appendOrderStatusLog(ctx, tx, orderID, models.OrderStatusAccepted, &driverID, nil, models.StatusLogMetadata{}); err != nil {
		return nil, err
	}
	if err := setDriverStatus(ctx, tx, driverID, models.DriverStatusInWork, models.StatusReasonOfferAccepted); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	order.DriverID = &driverID
	order.OfferedDriverID = nil
	order.OfferExpiresAt = nil
	order.Status = models.OrderStatusAccepted
	return order, nil
}

// RefuseOffer clears a live offer held by the driver and puts both the
// order and the driver back into the search pool.
func (r *Repository) RefuseOffer(ctx context.Context, orderID, driverID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if order.Status.Terminal() || order.DriverID != nil {
		return ErrStaleOffer
	}
	if order.OfferedDriverID == nil || *order.OfferedDriverID != driverID {
		return ErrStaleOffer
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET offered_driver_id = NULL, offer_expires_at = NULL,
		    status = $2, updated_at = NOW()
		WHERE id = $1`,
		orderID, models.OrderStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to clear offer: %w", err)
	}

	if err := setDriverStatus(ctx, tx, driverID, models.DriverStatusActive, models.StatusReasonOfferRefused); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ManualAssign finalizes to an admin-chosen driver, voiding any live offer.
// The voided offeree (if any) is returned so the caller can skip the usual
// expiry event.
func (r *Repository) ManualAssign(ctx context.Context, orderID, driverID uuid.UUID, adminID uuid.UUID) (*models.Order, *uuid.UUID, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, nil, err
	}

	if order.Status.Terminal() {
		return nil, nil, ErrOrderTerminal
	}
	if order.DriverID != nil {
		return nil, nil, ErrAlreadyAssigned
	}

	var voided *uuid.UUID
	if order.OfferedDriverID != nil && *order.OfferedDriverID != driverID {
		voided = order.OfferedDriverID
		if err := setDriverStatus(ctx, tx, *voided, models.DriverStatusActive, models.StatusReasonManualAssignment); err != nil {
			return nil, nil, err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET driver_id = $2, offered_driver_id = NULL, offer_expires_at = NULL,
		    status = $3, updated_at = NOW()
		WHERE id = $1`,
		orderID, driverID, models.OrderStatusAccepted,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to assign driver: %w", err)
	}

	reason := models.StatusReasonManualAssignment
	if err := appendOrderStatusLog(ctx, tx, orderID, models.OrderStatusAccepted, &adminID, nil, models.StatusLogMetadata{Reason: &reason}); err != nil {
		return nil, nil, err
	}
	if err := setDriverStatus(ctx, tx, driverID, models.DriverStatusInWork, models.StatusReasonManualAssignment); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	order.DriverID = &driverID
	order.OfferedDriverID = nil
	order.OfferExpiresAt = nil
	order.Status = models.OrderStatusAccepted
	return order, voided, nil
}

// CancelByAdmin terminates a non-terminal order and releases whichever
// driver currently holds it (offeree or assignee).
func (r *Repository) CancelByAdmin(ctx context.Context, orderID, adminID uuid.UUID, reason string) (*models.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, ErrOrderTerminal
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, cancellation_reason_code = $3,
		    offered_driver_id = NULL, offer_expires_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		orderID, models.OrderStatusCancelled, models.ReasonCancelledByAdmin,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	if err := appendOrderStatusLog(ctx, tx, orderID, models.OrderStatusCancelled, &adminID, nil, models.StatusLogMetadata{Reason: &reason}); err != nil {
		return nil, err
	}

	for _, held := range []*uuid.UUID{order.OfferedDriverID, order.DriverID} {
		if held == nil {
			continue
		}
		if err := setDriverStatus(ctx, tx, *held, models.DriverStatusActive, models.StatusReasonMissionCancelled); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	code := models.ReasonCancelledByAdmin
	order.Status = models.OrderStatusCancelled
	order.CancellationReasonCode = &code
	order.OfferedDriverID = nil
	order.OfferExpiresAt = nil
	return order, nil
}

// MissionTerminal describes the end state derived once every waypoint is
// closed.
type MissionTerminal struct {
	Status            models.OrderStatus
	FinalRemuneration int64
	FailureReason     *string
}

// MissionUpdate is the row-change set produced by one waypoint action.
type MissionUpdate struct {
	// LogStatus is the order-level lifecycle echo of the action
	// (AT_PICKUP, EN_ROUTE_TO_DELIVERY, ...); nil when the action only
	// touches the waypoint.
	LogStatus   *models.OrderStatus
	LogMetadata models.StatusLogMetadata
	Location    *models.Point
	Terminal    *MissionTerminal
}

// UpdateMissionProgress runs one waypoint action under the order row lock.
// apply receives the locked order, mutates its waypoint list and reports the
// derived row changes; the whole thing commits or rolls back as one unit,
// including the driver release on a terminal outcome.
func (r *Repository) UpdateMissionProgress(ctx context.Context, orderID, driverID uuid.UUID, apply func(*models.Order) (*MissionUpdate, error)) (*models.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DriverID == nil || *order.DriverID != driverID {
		return nil, ErrNotAssigned
	}

	update, err := apply(order)
	if err != nil {
		return nil, err
	}

	waypoints, err := EncodeWaypoints(order.Waypoints)
	if err != nil {
		return nil, err
	}

	switch {
	case update.Terminal != nil:
		t := update.Terminal
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, remuneration = $3, failure_reason_code = $4,
			    waypoints_summary = $5, updated_at = NOW()
			WHERE id = $1`,
			orderID, t.Status, terminalRemuneration(order, t), t.FailureReason, waypoints,
		)
	case update.LogStatus != nil:
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, waypoints_summary = $3, updated_at = NOW()
			WHERE id = $1`,
			orderID, *update.LogStatus, waypoints,
		)
	default:
		_, err = tx.Exec(ctx, `
			UPDATE orders SET waypoints_summary = $2, updated_at = NOW() WHERE id = $1`,
			orderID, waypoints,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update mission progress: %w", err)
	}

	if update.LogStatus != nil {
		if err := appendOrderStatusLog(ctx, tx, orderID, *update.LogStatus, &driverID, update.Location, update.LogMetadata); err != nil {
			return nil, err
		}
		order.Status = *update.LogStatus
	}

	if t := update.Terminal; t != nil {
		if err := appendOrderStatusLog(ctx, tx, orderID, t.Status, &driverID, update.Location, update.LogMetadata); err != nil {
			return nil, err
		}
		if err := setDriverStatus(ctx, tx, driverID, models.DriverStatusActive, models.StatusReasonMissionFinished); err != nil {
			return nil, err
		}
		order.Status = t.Status
		order.Remuneration = terminalRemuneration(order, t)
		order.FailureReasonCode = t.FailureReason
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

// terminalRemuneration picks what the orders row keeps at the end of a
// mission. A fully failed mission pays nothing, but the priced value stays
// on the row; the earned amount travels on the completion event.
func terminalRemuneration(order *models.Order, t *MissionTerminal) int64 {
	if t.Status == models.OrderStatusFailed {
		return order.Remuneration
	}
	return t.FinalRemuneration
}

// getOrderForUpdate loads and row-locks one order inside a transaction.
func getOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*models.Order, error) {
	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1 FOR UPDATE`, orderID)
	return scanOrder(row)
}

// appendOrderStatusLog writes one append-only lifecycle record.
func appendOrderStatusLog(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, status models.OrderStatus, changedBy *uuid.UUID, location *models.Point, metadata models.StatusLogMetadata) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode status log metadata: %w", err)
	}

	if location != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_status_logs (id, order_id, status, changed_at, changed_by_user_id, current_location, metadata)
			VALUES ($1, $2, $3, NOW(), $4, ST_SetSRID(ST_MakePoint($5, $6), 4326)::geography, $7)`,
			uuid.New(), orderID, status, changedBy, location.Lon, location.Lat, meta,
		)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_status_logs (id, order_id, status, changed_at, changed_by_user_id, metadata)
			VALUES ($1, $2, $3, NOW(), $4, $5)`,
			uuid.New(), orderID, status, changedBy, meta,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to append order status log: %w", err)
	}
	return nil
}

// setDriverStatus updates a driver's materialized status and appends the
// status log entry, skipping the write when the status is unchanged so the
// log never holds consecutive duplicates.
func setDriverStatus(ctx context.Context, tx pgx.Tx, driverID uuid.UUID, status models.DriverStatus, reason string) error {
	var current models.DriverStatus
	err := tx.QueryRow(ctx, `SELECT latest_status FROM drivers WHERE id = $1 FOR UPDATE`, driverID).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to lock driver row: %w", err)
	}
	if current == status {
		return nil
	}

	_, err = tx.Exec(ctx, `UPDATE drivers SET latest_status = $2, updated_at = NOW() WHERE id = $1`, driverID, status)
	if err != nil {
		return fmt.Errorf("failed to update driver status: %w", err)
	}

	meta, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("failed to encode status metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO driver_status_logs (id, driver_id, status, changed_at, metadata)
		VALUES ($1, $2, $3, NOW(), $4)`,
		uuid.New(), driverID, status, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to append driver status log: %w", err)
	}
	return nil
}
