package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/transfer"

	"github.com/parceldrop/dispatch/pkg/models"
)

// StripeGateway pays drivers with connected Stripe accounts through
// Transfers. The account number on the payout account is the connected
// account id.
type StripeGateway struct{}

// NewStripeGateway configures the global Stripe key and returns the adapter,
// or nil when no key is set.
func NewStripeGateway(apiKey string) *StripeGateway {
	if apiKey == "" {
		return nil
	}
	stripe.Key = apiKey
	return &StripeGateway{}
}

// InitiatePayout creates a transfer to the driver's connected account. The
// transaction id goes into the transfer group so retries and reconciliation
// can tie the two together.
func (g *StripeGateway) InitiatePayout(ctx context.Context, txn *models.OrderTransaction, account *models.MobileMoneyAccount) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(txn.Amount),
		Currency:      stripe.String(txn.Currency),
		Destination:   stripe.String(account.Number),
		Description:   stripe.String("driver payout"),
		TransferGroup: stripe.String(txn.ID.String()),
	}
	params.Context = ctx
	params.AddMetadata("order_id", txn.OrderID.String())
	params.AddMetadata("driver_id", txn.DriverID.String())

	t, err := transfer.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create transfer: %w", err)
	}
	return t.ID, nil
}

// CheckStatus retrieves the transfer. Transfers settle synchronously, so an
// existing non-reversed transfer is a success.
func (g *StripeGateway) CheckStatus(ctx context.Context, reference string) (models.TransactionStatus, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx

	t, err := transfer.Get(reference, params)
	if err != nil {
		return "", fmt.Errorf("failed to get transfer: %w", err)
	}
	if t.Reversed {
		return models.TransactionStatusFailed, nil
	}
	return models.TransactionStatusSuccess, nil
}
