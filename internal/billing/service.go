package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/async"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

const initiateTimeout = 30 * time.Second

// Store is the transaction persistence the service needs.
type Store interface {
	CreatePayout(ctx context.Context, txn *models.OrderTransaction) error
	SetReference(ctx context.Context, id uuid.UUID, reference string) error
	ApplyStatusByID(ctx context.Context, id uuid.UUID, status models.TransactionStatus) (*models.OrderTransaction, error)
	ApplyStatusByReference(ctx context.Context, reference string, status models.TransactionStatus, providerMetadata map[string]string) (*models.OrderTransaction, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.OrderTransaction, error)
}

// DriverDirectory loads driver payout details.
type DriverDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Driver, error)
}

// Service owns the payout lifecycle: create on mission completion, initiate
// with the gateway, settle from callbacks and reconcile stragglers.
type Service struct {
	store    Store
	drivers  DriverDirectory
	gateways Gateways
}

func NewService(store Store, drivers DriverDirectory, gateways Gateways) *Service {
	return &Service{store: store, drivers: drivers, gateways: gateways}
}

// ProcessCompletion creates and launches the payout for one completed
// mission. A nil return means the event is settled and may be acked; only
// transient infrastructure failures return an error.
func (s *Service) ProcessCompletion(ctx context.Context, orderID, driverID uuid.UUID, amount int64, currency string) error {
	if driverID == uuid.Nil || amount <= 0 || currency == "" {
		logger.WarnContext(ctx, "completion event unusable for billing, dropping",
			zap.String("order_id", orderID.String()),
			zap.Int64("amount", amount))
		return nil
	}

	driver, err := s.drivers.GetByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logger.WarnContext(ctx, "completion event for unknown driver, dropping",
				zap.String("driver_id", driverID.String()))
			return nil
		}
		return err
	}

	account := driver.ActivePayoutAccount()
	if account == nil {
		logger.WarnContext(ctx, "driver has no active payout account, payout skipped",
			zap.String("order_id", orderID.String()),
			zap.String("driver_id", driverID.String()))
		return nil
	}

	txn := &models.OrderTransaction{
		ID:            uuid.New(),
		DriverID:      driverID,
		OrderID:       orderID,
		CompanyID:     driver.CompanyID,
		Type:          models.TransactionTypeDriverPayment,
		PaymentMethod: account.Provider,
		Amount:        amount,
		Currency:      currency,
		Status:        models.TransactionStatusPending,
		HistoryStatus: []models.HistoryStatusEntry{
			{Status: models.TransactionStatusPending, Timestamp: time.Now().UTC()},
		},
	}

	if err := s.store.CreatePayout(ctx, txn); err != nil {
		if errors.Is(err, ErrDuplicatePayout) {
			logger.InfoContext(ctx, "payout already exists, skipping",
				zap.String("order_id", orderID.String()),
				zap.String("driver_id", driverID.String()))
			return nil
		}
		return err
	}

	logger.InfoContext(ctx, "payout created",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("order_id", orderID.String()),
		zap.Int64("amount", amount),
		zap.String("provider", account.Provider))

	payoutAccount := *account
	async.GoWithTimeout(ctx, "initiate-payout", initiateTimeout, func(ctx context.Context) {
		s.initiatePayout(ctx, txn, &payoutAccount)
	})
	return nil
}

// initiatePayout submits the created transaction to its gateway. An
// initiation failure leaves the transaction pending so the reconciler and
// operator tooling can settle it out of band; marking it failed here would
// let a redelivered completion event create a second payout.
func (s *Service) initiatePayout(ctx context.Context, txn *models.OrderTransaction, account *models.MobileMoneyAccount) {
	gateway := s.gateways.ForProvider(account.Provider)
	if gateway == nil {
		logger.ErrorContext(ctx, "no gateway configured for provider, payout left pending",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("provider", account.Provider))
		return
	}

	reference, err := gateway.InitiatePayout(ctx, txn, account)
	if err != nil {
		logger.ErrorContext(ctx, "payout initiation failed, payout left pending",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
		return
	}

	if err := s.store.SetReference(ctx, txn.ID, reference); err != nil {
		logger.ErrorContext(ctx, "failed to record payout reference",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("reference", reference),
			zap.Error(err))
	}
}

// ApplyCallback settles a transaction from a gateway callback.
func (s *Service) ApplyCallback(ctx context.Context, req *models.GatewayCallbackRequest) (*models.OrderTransaction, error) {
	txn, err := s.store.ApplyStatusByReference(ctx, req.TransactionReference, req.Status, req.ProviderMetadata)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "gateway callback applied",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("status", string(txn.Status)))
	return txn, nil
}

// CheckAndUpdatePendingTransaction asks the gateway for the settlement state
// of one pending transaction and applies it when it moved.
func (s *Service) CheckAndUpdatePendingTransaction(ctx context.Context, txn *models.OrderTransaction) error {
	if txn.TransactionReference == nil {
		return nil
	}

	gateway := s.gateways.ForProvider(txn.PaymentMethod)
	if gateway == nil {
		return nil
	}

	status, err := gateway.CheckStatus(ctx, *txn.TransactionReference)
	if err != nil {
		return err
	}
	if status == models.TransactionStatusPending {
		return nil
	}

	_, err = s.store.ApplyStatusByReference(ctx, *txn.TransactionReference, status, nil)
	return err
}
