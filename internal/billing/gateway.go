package billing

import (
	"context"

	"github.com/parceldrop/dispatch/pkg/models"
)

// PaymentGateway initiates and tracks driver payouts with one provider.
type PaymentGateway interface {
	// InitiatePayout submits the payout and returns the provider's
	// transaction reference. The transaction stays pending until the
	// callback or the reconciler settles it.
	InitiatePayout(ctx context.Context, txn *models.OrderTransaction, account *models.MobileMoneyAccount) (string, error)

	// CheckStatus looks up the settlement state of a previously initiated
	// payout.
	CheckStatus(ctx context.Context, reference string) (models.TransactionStatus, error)
}

// Gateways routes each payout to the adapter for its account provider.
// Mobile-money providers share one adapter; stripe is the card fallback.
type Gateways struct {
	MobileMoney PaymentGateway
	Stripe      PaymentGateway
}

// ForProvider returns the gateway for a provider name, nil when no adapter
// is configured for it.
func (g Gateways) ForProvider(provider string) PaymentGateway {
	switch provider {
	case models.PaymentMethodOrangeMoney,
		models.PaymentMethodMTNMoMo,
		models.PaymentMethodMoovMoney,
		models.PaymentMethodWave:
		return g.MobileMoney
	case models.PaymentMethodStripe:
		return g.Stripe
	default:
		return nil
	}
}
