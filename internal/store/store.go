// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minvest/buyback-engine/internal/model"
)

// FundLedger tracks buyback fund balances. Debits are the single
// serialization point for money movement.
type FundLedger interface {
	// GetBalance returns the balance of a fund in one currency. Unknown
	// funds have a zero balance.
	GetBalance(ctx context.Context, fundID, currency string) (decimal.Decimal, error)

	// TryDebit atomically decrements the balance or returns
	// model.ErrInsufficientFunds without changing anything.
	TryDebit(ctx context.Context, fundID, currency string, amount decimal.Decimal) error

	// Credit adds to a balance, creating the fund row if needed.
	Credit(ctx context.Context, fundID, currency string, amount decimal.Decimal) (*model.FundBalance, error)

	// Transfer moves money between funds in one atomic step.
	Transfer(ctx context.Context, fromFundID, toFundID, currency string, amount decimal.Decimal) error

	// ListBalances returns every fund balance.
	ListBalances(ctx context.Context) ([]model.FundBalance, error)
}

// OrderQueue is the durable FIFO of sell orders per share instrument.
type OrderQueue interface {
	// CreateOrder assigns the next queue position for the order's share
	// and persists it as pending.
	CreateOrder(ctx context.Context, order *model.SellOrder) error

	GetOrder(ctx context.Context, id string) (*model.SellOrder, error)

	// ListPending returns pending and partial orders ascending by position.
	ListPending(ctx context.Context, shareID string) ([]model.SellOrder, error)

	// ApplyPartialFill records qty shares as settled for amountPaid.
	ApplyPartialFill(ctx context.Context, orderID string, qty int64, amountPaid decimal.Decimal) (*model.SellOrder, error)

	// Cancel moves a pending or partial order to cancelled.
	Cancel(ctx context.Context, orderID, actorID string) (*model.SellOrder, error)

	// Claim moves a pending or partial order to processing on behalf of
	// batchID. Fails with model.ErrClaimConflict if it is already claimed.
	Claim(ctx context.Context, orderID, batchID string) (*model.SellOrder, error)

	// ReleaseClaim restores a claimed order to pending or partial. It is a
	// no-op if batchID does not hold the claim.
	ReleaseClaim(ctx context.Context, orderID, batchID string) error

	// ReleaseStaleClaims releases claims taken before olderThan.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)

	// CommitFill debits the fund, applies the fill to the claimed order and
	// appends the fill audit row as one atomic step.
	CommitFill(ctx context.Context, fill *model.SettlementFill) (*model.SellOrder, error)
}

// BatchRecorder persists the immutable audit trail of settlement runs.
type BatchRecorder interface {
	// RecordBatch fails with model.ErrDuplicateBatch if the id exists.
	RecordBatch(ctx context.Context, batch *model.SettlementBatch) error

	GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error)

	// ListBatches returns the newest batches first; empty shareID lists all.
	ListBatches(ctx context.Context, shareID string, limit int) ([]model.SettlementBatch, error)

	// SettledVolumeSince sums filled shares for a share since t.
	SettledVolumeSince(ctx context.Context, shareID string, since time.Time) (int64, error)

	// AutoValueSince sums auto-processed amounts in a currency since t.
	AutoValueSince(ctx context.Context, currency string, since time.Time) (decimal.Decimal, error)
}

// PolicyStore holds market protection settings and reference prices.
type PolicyStore interface {
	// GetPolicy returns the share's policy, falling back to the global
	// default, and finally to an empty (all checks disabled) policy.
	GetPolicy(ctx context.Context, shareID string) (*model.MarketProtectionPolicy, error)

	UpsertPolicy(ctx context.Context, policy *model.MarketProtectionPolicy) error

	// GetSharePrice returns nil when no price has been recorded.
	GetSharePrice(ctx context.Context, shareID string) (*model.SharePrice, error)

	SetSharePrice(ctx context.Context, price *model.SharePrice) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	FundLedger
	OrderQueue
	BatchRecorder
	PolicyStore
}
