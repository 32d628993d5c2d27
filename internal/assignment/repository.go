package assignment

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

// ErrOrderUnavailable is returned when the order left the search pool
// between the engine's read and the offer write (assigned, cancelled,
// already offered). The engine treats it as done and acks.
var ErrOrderUnavailable = errors.New("order no longer available for assignment")

// Repository owns the assignment-side order mutations: offers, attempt
// accounting, blacklist, expiry and no-driver cancellation.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new assignment repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ExpiredOffer is one offer cleared by the expirer sweep.
type ExpiredOffer struct {
	OrderID  uuid.UUID
	DriverID uuid.UUID
}

// OfferToDriver atomically places an offer: offered_driver_id and
// offer_expires_at set, attempt count incremented, driver blacklisted for
// this order and moved to OFFERING. Fails with ErrOrderUnavailable when the
// order left the search pool.
func (r *Repository) OfferToDriver(ctx context.Context, orderID, driverID uuid.UUID, expiresAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status         models.OrderStatus
		assignedDriver *uuid.UUID
		offeredDriver  *uuid.UUID
	)
	err = tx.QueryRow(ctx, `
		SELECT status, driver_id, offered_driver_id FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&status, &assignedDriver, &offeredDriver)
	if err != nil {
		return err
	}
	if status.Terminal() || assignedDriver != nil || offeredDriver != nil {
		return ErrOrderUnavailable
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET offered_driver_id = $2, offer_expires_at = $3, status = $4,
		    assignment_attempt_count = assignment_attempt_count + 1,
		    updated_at = NOW()
		WHERE id = $1`,
		orderID, driverID, expiresAt, models.OrderStatusOffered,
	)
	if err != nil {
		return fmt.Errorf("failed to place offer: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_driver_blacklist (order_id, driver_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (order_id, driver_id) DO NOTHING`,
		orderID, driverID,
	)
	if err != nil {
		return fmt.Errorf("failed to blacklist driver: %w", err)
	}

	if err := appendStatusLog(ctx, tx, orderID, models.OrderStatusOffered, nil); err != nil {
		return err
	}
	if err := setDriverStatus(ctx, tx, driverID, models.DriverStatusOffering, models.StatusReasonOfferProposed); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RecordFailedAttempt bumps the attempt counter when no candidate was found
// and returns the new count for the max-attempts decision.
func (r *Repository) RecordFailedAttempt(ctx context.Context, orderID uuid.UUID) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE orders
		SET assignment_attempt_count = assignment_attempt_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING assignment_attempt_count`,
		orderID,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attempts, nil
}

// CancelNoDriver terminates an order whose attempt budget ran out.
func (r *Repository) CancelNoDriver(ctx context.Context, orderID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.OrderStatus
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrOrderUnavailable
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, cancellation_reason_code = $3,
		    offered_driver_id = NULL, offer_expires_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		orderID, models.OrderStatusCancelled, models.ReasonNoDriverAvailable,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	reason := models.ReasonNoDriverAvailable
	if err := appendStatusLog(ctx, tx, orderID, models.OrderStatusCancelled, &reason); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ExpireDueOffers clears every offer past its deadline: order back to
// PENDING, offeree back to ACTIVE. SKIP LOCKED keeps concurrent expirers
// from fighting over rows.
func (r *Repository) ExpireDueOffers(ctx context.Context, now time.Time, limit int) ([]ExpiredOffer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, offered_driver_id FROM orders
		WHERE offered_driver_id IS NOT NULL AND offer_expires_at <= $1
		ORDER BY offer_expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan due offers: %w", err)
	}

	var expired []ExpiredOffer
	for rows.Next() {
		var e ExpiredOffer
		if err := rows.Scan(&e.OrderID, &e.DriverID); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET offered_driver_id = NULL, offer_expires_at = NULL,
			    status = $2, updated_at = NOW()
			WHERE id = $1`,
			e.OrderID, models.OrderStatusPending,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to clear expired offer: %w", err)
		}
		if err := setDriverStatus(ctx, tx, e.DriverID, models.DriverStatusActive, models.StatusReasonOfferExpired); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return expired, nil
}

// ListBlacklist returns the drivers already offered this order.
func (r *Repository) ListBlacklist(ctx context.Context, orderID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT driver_id FROM order_driver_blacklist WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func appendStatusLog(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, status models.OrderStatus, reason *string) error {
	meta, err := json.Marshal(models.StatusLogMetadata{Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to encode status log metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_logs (id, order_id, status, changed_at, metadata)
		VALUES ($1, $2, $3, NOW(), $4)`,
		uuid.New(), orderID, status, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to append order status log: %w", err)
	}
	return nil
}

// setDriverStatus mirrors the drivers repository status write: no-op when
// unchanged so the log never holds consecutive duplicates.
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
