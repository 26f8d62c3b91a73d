// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
// Share quantities are whole shares (int64).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a sell order.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusPartial    OrderStatus = "partial"
	StatusProcessing OrderStatus = "processing" // claimed by an in-flight batch
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

// ProcessingType distinguishes operator-selected batches from scheduled runs.
type ProcessingType string

const (
	ProcessingManual ProcessingType = "manual"
	ProcessingAuto   ProcessingType = "auto"
)

// BatchOutcome is the aggregate result of one settlement run.
type BatchOutcome string

const (
	OutcomeCompleted          BatchOutcome = "completed"
	OutcomePartiallyCompleted BatchOutcome = "partially-completed"
	OutcomeRejected           BatchOutcome = "rejected"
)

// SellOrder is an account holder's request to sell shares back to the
// company. RequestedQuantity and PricePerShare are fixed at creation;
// only the settlement path mutates ProcessedQuantity and Status.
type SellOrder struct {
	ID                string          `json:"id"`
	ShareID           string          `json:"share_id"`
	AccountID         string          `json:"account_id"`
	RequestedQuantity int64           `json:"requested_quantity"`
	ProcessedQuantity int64           `json:"processed_quantity"`
	SettledAmount     decimal.Decimal `json:"settled_amount"` // total paid out so far
	PricePerShare     decimal.Decimal `json:"price_per_share"`
	Currency          string          `json:"currency"`
	QueuePosition     int64           `json:"queue_position"` // FIFO key, unique per share
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	ClaimedBy         string          `json:"claimed_by,omitempty"` // batch id holding the claim
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	CancelledBy       string          `json:"cancelled_by,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
}

// RemainingQuantity is always derived, never stored.
func (o *SellOrder) RemainingQuantity() int64 {
	return o.RequestedQuantity - o.ProcessedQuantity
}

// RemainingValue is the amount needed to settle the rest of the order.
func (o *SellOrder) RemainingValue() decimal.Decimal {
	return o.PricePerShare.Mul(decimal.NewFromInt(o.RemainingQuantity()))
}

// FundBalance is one currency balance of a named buyback fund.
// Balance is never negative; the ledger enforces it.
type FundBalance struct {
	FundID    string          `json:"fund_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SettlementFill is the immutable audit row written in the same atomic step
// as the fund debit and the order mutation.
type SettlementFill struct {
	BatchID        string          `json:"batch_id"`
	OrderID        string          `json:"order_id"`
	ShareID        string          `json:"share_id"`
	AccountID      string          `json:"account_id"`
	FundID         string          `json:"fund_id"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ProcessingType ProcessingType  `json:"processing_type"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BatchItem records what happened to one order inside a batch.
// Reason is empty for a fill that completed the order.
type BatchItem struct {
	OrderID        string          `json:"order_id"`
	QueuePosition  int64           `json:"queue_position"`
	QuantityFilled int64           `json:"quantity_filled"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	Settled        bool            `json:"settled"`
	Reason         string          `json:"reason,omitempty"`
}

// SettlementBatch is the immutable record of one settlement run.
type SettlementBatch struct {
	ID             string          `json:"id"`
	ShareID        string          `json:"share_id,omitempty"`
	FundID         string          `json:"fund_id"`
	ActorID        string          `json:"actor_id"`
	OrderIDs       []string        `json:"order_ids"`
	Items          []BatchItem     `json:"items"`
	TotalQuantity  int64           `json:"total_quantity"`
	TotalValue     decimal.Decimal `json:"total_value"`
	Currency       string          `json:"currency,omitempty"`
	ProcessingType ProcessingType  `json:"processing_type"`
	Outcome        BatchOutcome    `json:"outcome"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Replayed       bool            `json:"replayed,omitempty"`
}

// MarketProtectionPolicy holds the guardrails applied before any fund
// movement. An empty ShareID is the global default. Zero limits are disabled.
type MarketProtectionPolicy struct {
	ShareID                      string          `json:"share_id"`
	MaxPriceDropPercentage       decimal.Decimal `json:"max_price_drop_percentage"`
	DailyVolumeLimit             int64           `json:"daily_volume_limit"`
	WeeklyVolumeLimit            int64           `json:"weekly_volume_limit"`
	AutoProcessingFundThreshold  decimal.Decimal `json:"auto_processing_fund_threshold"`
	MaxDailyAutoProcessingAmount decimal.Decimal `json:"max_daily_auto_processing_amount"`
	EmergencyHalt                bool            `json:"emergency_halt"`
	UpdatedAt                    time.Time       `json:"updated_at"`
}

// SharePrice is the last recorded reference price of a share instrument.
type SharePrice struct {
	ShareID    string          `json:"share_id"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	RecordedAt time.Time       `json:"recorded_at"`
}
