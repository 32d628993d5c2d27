package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/httpclient"
	"github.com/parceldrop/dispatch/pkg/models"
)

const (
	payoutEndpoint = "/v1/payouts"
	payoutTimeout  = 15 * time.Second
)

// MobileMoneyGateway submits payouts to the mobile-money aggregator over
// HTTP. One aggregator fronts every wallet provider; the provider name rides
// in the request body.
type MobileMoneyGateway struct {
	client *httpclient.Client
	apiKey string
}

// NewMobileMoneyGateway creates the aggregator adapter, or nil when the
// gateway is not configured.
func NewMobileMoneyGateway(cfg config.GatewayConfig) *MobileMoneyGateway {
	if cfg.MobileMoneyBaseURL == "" {
		return nil
	}
	return &MobileMoneyGateway{
		client: httpclient.NewClient(cfg.MobileMoneyBaseURL, payoutTimeout, httpclient.WithDefaultRetry()),
		apiKey: cfg.MobileMoneyAPIKey,
	}
}

type payoutRequest struct {
	ExternalID string `json:"external_id"`
	Provider   string `json:"provider"`
	Msisdn     string `json:"msisdn"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

type payoutResponse struct {
	TransactionReference string `json:"transaction_reference"`
	Status               string `json:"status"`
}

func (g *MobileMoneyGateway) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.apiKey}
}

// InitiatePayout submits the payout. The transaction id doubles as the
// idempotency key, so a retried submit never pays twice.
func (g *MobileMoneyGateway) InitiatePayout(ctx context.Context, txn *models.OrderTransaction, account *models.MobileMoneyAccount) (string, error) {
	req := payoutRequest{
		ExternalID: txn.ID.String(),
		Provider:   account.Provider,
		Msisdn:     account.Number,
		Amount:     txn.Amount,
		Currency:   txn.Currency,
	}

	body, err := g.client.PostWithIdempotency(ctx, payoutEndpoint, req, g.headers(), txn.ID.String())
	if err != nil {
		return "", fmt.Errorf("mobile money payout submit failed: %w", err)
	}

	var resp payoutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("malformed payout response: %w", err)
	}
	if resp.TransactionReference == "" {
		return "", fmt.Errorf("payout response missing transaction reference")
	}
	return resp.TransactionReference, nil
}

// CheckStatus looks up one payout by its provider reference.
func (g *MobileMoneyGateway) CheckStatus(ctx context.Context, reference string) (models.TransactionStatus, error) {
	body, err := g.client.Get(ctx, payoutEndpoint+"/"+reference, g.headers())
	if err != nil {
		return "", fmt.Errorf("payout status lookup failed: %w", err)
	}

	var resp payoutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("malformed payout status response: %w", err)
	}

	switch resp.Status {
	case "pending", "processing":
		return models.TransactionStatusPending, nil
	case "success", "completed":
		return models.TransactionStatusSuccess, nil
	case "failed", "rejected", "expired":
		return models.TransactionStatusFailed, nil
	default:
		return "", fmt.Errorf("unknown payout status %q", resp.Status)
	}
}
