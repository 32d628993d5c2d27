package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies money movements on the driver ledger.
type TransactionType string

const (
	TransactionTypeDriverPayment TransactionType = "driver_payment"
	TransactionTypeWithdrawal    TransactionType = "withdrawal"
	TransactionTypePenalty       TransactionType = "penalty"
	TransactionTypeBonus         TransactionType = "bonus"
)

// TransactionStatus is the settlement state of a transaction.
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusSuccess TransactionStatus = "success"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// Payment methods. Mobile-money providers plus the card fallback.
const (
	PaymentMethodOrangeMoney = "orange_money"
	PaymentMethodMTNMoMo     = "mtn_momo"
	PaymentMethodMoovMoney   = "moov_money"
	PaymentMethodWave        = "wave"
	PaymentMethodStripe      = "stripe"
)

// HistoryStatusEntry is one step of a transaction's settlement trail.
type HistoryStatusEntry struct {
	Status    TransactionStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// OrderTransaction is a payout (or adjustment) tied to an order and driver.
// At most one transaction per (order_id, driver_id, driver_payment) may be
// pending or successful at any time.
type OrderTransaction struct {
	ID                   uuid.UUID            `json:"id" db:"id"`
	DriverID             uuid.UUID            `json:"driver_id" db:"driver_id"`
	OrderID              uuid.UUID            `json:"order_id" db:"order_id"`
	CompanyID            *uuid.UUID           `json:"company_id,omitempty" db:"company_id"`
	Type                 TransactionType      `json:"type" db:"type"`
	PaymentMethod        string               `json:"payment_method" db:"payment_method"`
	Amount               int64                `json:"amount" db:"amount"`
	Currency             string               `json:"currency" db:"currency"`
	Status               TransactionStatus    `json:"status" db:"status"`
	TransactionReference *string              `json:"transaction_reference,omitempty" db:"transaction_reference"`
	HistoryStatus        []HistoryStatusEntry `json:"history_status" db:"history_status"`
	Metadata             map[string]string    `json:"metadata,omitempty" db:"metadata"`
	PaymentDate          *time.Time           `json:"payment_date,omitempty" db:"payment_date"`
	CreatedAt            time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at" db:"updated_at"`
}

// GatewayCallbackRequest is the payload posted back by payment gateways.
type GatewayCallbackRequest struct {
	TransactionReference string            `json:"transaction_reference" binding:"required"`
	Status               TransactionStatus `json:"status" binding:"required,oneof=pending success failed"`
	ProviderMetadata     map[string]string `json:"provider_metadata,omitempty"`
}
