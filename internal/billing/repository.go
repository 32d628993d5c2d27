package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/database"
	"github.com/parceldrop/dispatch/pkg/models"
)

// ErrDuplicatePayout is returned when a pending or successful payout already
// exists for the same order, driver and type.
var ErrDuplicatePayout = errors.New("payout already exists for this order and driver")

// Repository persists order transactions.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const txnColumns = `id, driver_id, order_id, company_id, type, payment_method, amount, currency,
	status, transaction_reference, history_status, metadata, payment_date, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.OrderTransaction, error) {
	txn := &models.OrderTransaction{}
	var history []byte
	err := row.Scan(
		&txn.ID, &txn.DriverID, &txn.OrderID, &txn.CompanyID, &txn.Type, &txn.PaymentMethod,
		&txn.Amount, &txn.Currency, &txn.Status, &txn.TransactionReference, &history,
		&txn.Metadata, &txn.PaymentDate, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &txn.HistoryStatus); err != nil {
			return nil, fmt.Errorf("decode history_status: %w", err)
		}
	}
	return txn, nil
}

func encodeHistory(entries []models.HistoryStatusEntry) ([]byte, error) {
	if entries == nil {
		entries = []models.HistoryStatusEntry{}
	}
	return json.Marshal(entries)
}

// CreatePayout inserts a pending payout. The duplicate check runs inside the
// same transaction with the existing row locked, so two workers processing
// the same completion event can never both insert.
func (r *Repository) CreatePayout(ctx context.Context, txn *models.OrderTransaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return common.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var existingID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM order_transactions
		 WHERE order_id = $1 AND driver_id = $2 AND type = $3 AND status IN ('pending', 'success')
		 FOR UPDATE`,
		txn.OrderID, txn.DriverID, txn.Type,
	).Scan(&existingID)
	if err == nil {
		return ErrDuplicatePayout
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return common.NewInternalError("failed to check for existing payout", err)
	}

	history, err := encodeHistory(txn.HistoryStatus)
	if err != nil {
		return common.NewInternalError("failed to encode history", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO order_transactions
			(id, driver_id, order_id, company_id, type, payment_method, amount, currency, status, history_status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		txn.ID, txn.DriverID, txn.OrderID, txn.CompanyID, txn.Type, txn.PaymentMethod,
		txn.Amount, txn.Currency, txn.Status, history, txn.Metadata,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return common.NewInternalError("failed to insert payout", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return common.NewInternalError("failed to commit payout", err)
	}
	return nil
}

// SetReference records the provider's transaction reference after a
// successful initiation.
func (r *Repository) SetReference(ctx context.Context, id uuid.UUID, reference string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE order_transactions SET transaction_reference = $2, updated_at = now() WHERE id = $1`,
		id, reference)
	if err != nil {
		return common.NewInternalError("failed to set transaction reference", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewNotFoundError("transaction not found", pgx.ErrNoRows)
	}
	return nil
}

// ApplyStatusByID moves a transaction to a new status and appends the
// history entry. Used for transactions that never got a provider reference.
func (r *Repository) ApplyStatusByID(ctx context.Context, id uuid.UUID, status models.TransactionStatus) (*models.OrderTransaction, error) {
	return r.applyStatus(ctx, `id = $1`, id, status, nil)
}

// ApplyStatusByReference settles a transaction from a gateway callback or a
// reconciliation probe. Same-status applications are idempotent; moving a
// settled transaction to a different state is a conflict.
func (r *Repository) ApplyStatusByReference(ctx context.Context, reference string, status models.TransactionStatus, providerMetadata map[string]string) (*models.OrderTransaction, error) {
	return r.applyStatus(ctx, `transaction_reference = $1`, reference, status, providerMetadata)
}

func (r *Repository) applyStatus(ctx context.Context, where string, key interface{}, status models.TransactionStatus, providerMetadata map[string]string) (*models.OrderTransaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, common.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	txn, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM order_transactions WHERE `+where+` FOR UPDATE`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError("transaction not found", err)
		}
		return nil, common.NewInternalError("failed to load transaction", err)
	}

	if txn.Status == status {
		return txn, nil
	}
	if txn.Status != models.TransactionStatusPending {
		return nil, common.NewConflictError(
			fmt.Sprintf("transaction already settled as %s", txn.Status)).
			WithErrorCode(common.CodeDuplicatePayout)
	}

	now := time.Now().UTC()
	txn.Status = status
	txn.HistoryStatus = append(txn.HistoryStatus, models.HistoryStatusEntry{Status: status, Timestamp: now})
	if status == models.TransactionStatusSuccess {
		txn.PaymentDate = &now
	}
	for k, v := range providerMetadata {
		if txn.Metadata == nil {
			txn.Metadata = map[string]string{}
		}
		txn.Metadata[k] = v
	}

	history, err := encodeHistory(txn.HistoryStatus)
	if err != nil {
		return nil, common.NewInternalError("failed to encode history", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE order_transactions
		 SET status = $2, history_status = $3, metadata = $4, payment_date = $5, updated_at = now()
		 WHERE id = $1`,
		txn.ID, txn.Status, history, txn.Metadata, txn.PaymentDate)
	if err != nil {
		return nil, common.NewInternalError("failed to update transaction", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, common.NewInternalError("failed to commit transaction update", err)
	}
	return txn, nil
}

// ListStalePending returns pending transactions with a provider reference
// that have not settled within the grace window. The sweep is retried on
// transient database errors.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.OrderTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM order_transactions
		 WHERE status = 'pending' AND transaction_reference IS NOT NULL AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`

	txns, err := database.RetryableQuery(ctx, r.db, query, []interface{}{olderThan, limit},
		func(rows pgx.Rows) ([]models.OrderTransaction, error) {
			var txns []models.OrderTransaction
			for rows.Next() {
				txn, err := scanTransaction(rows)
				if err != nil {
					return nil, err
				}
				txns = append(txns, *txn)
			}
			return txns, rows.Err()
		})
	if err != nil {
		return nil, common.NewInternalError("failed to list pending transactions", err)
	}
	return txns, nil
}
