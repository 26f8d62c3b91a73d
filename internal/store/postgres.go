package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/minvest/buyback-engine/internal/lifecycle"
	"github.com/minvest/buyback-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Money moves only through conditional UPDATEs (balance >= amount) so two
// concurrent debits can never overdraw a fund, and order mutations lock
// the row with SELECT ... FOR UPDATE before consulting the lifecycle rules.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// inTx runs fn inside a transaction, rolling back on any error.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// --- Fund ledger ---

func (s *PostgresStore) GetBalance(ctx context.Context, fundID, currency string) (decimal.Decimal, error) {
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM funds WHERE fund_id = $1 AND currency = $2`,
		fundID, currency).Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s/%s: %w", fundID, currency, err)
	}
	return decimal.NewFromString(balS)
}

func (s *PostgresStore) TryDebit(ctx context.Context, fundID, currency string, amount decimal.Decimal) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return debit(ctx, s.pool, fundID, currency, amount)
}

// debit is a single compare-and-set on the balance row.
func debit(ctx context.Context, q querier, fundID, currency string, amount decimal.Decimal) error {
	tag, err := q.Exec(ctx,
		`UPDATE funds
		 SET balance = balance - $3::NUMERIC, updated_at = now()
		 WHERE fund_id = $1 AND currency = $2 AND balance >= $3::NUMERIC`,
		fundID, currency, amount.String())
	if err != nil {
		return fmt.Errorf("debit %s/%s: %w", fundID, currency, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fund %s/%s: %w", fundID, currency, model.ErrInsufficientFunds)
	}
	return nil
}

func (s *PostgresStore) Credit(ctx context.Context, fundID, currency string, amount decimal.Decimal) (*model.FundBalance, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return credit(ctx, s.pool, fundID, currency, amount)
}

func credit(ctx context.Context, q querier, fundID, currency string, amount decimal.Decimal) (*model.FundBalance, error) {
	f := model.FundBalance{FundID: fundID, Currency: currency}
	var balS string
	err := q.QueryRow(ctx,
		`INSERT INTO funds (fund_id, currency, balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, now())
		 ON CONFLICT (fund_id, currency)
		 DO UPDATE SET balance = funds.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance::TEXT, updated_at`,
		fundID, currency, amount.String()).Scan(&balS, &f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit %s/%s: %w", fundID, currency, err)
	}
	f.Balance, _ = decimal.NewFromString(balS)
	return &f, nil
}

func (s *PostgresStore) Transfer(ctx context.Context, fromFundID, toFundID, currency string, amount decimal.Decimal) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if fromFundID == toFundID {
		return &model.ValidationError{Message: "source and destination funds must differ"}
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, fromFundID, currency, amount); err != nil {
			return err
		}
		_, err := credit(ctx, tx, toFundID, currency, amount)
		return err
	})
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.FundBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fund_id, currency, balance::TEXT, updated_at FROM funds ORDER BY fund_id, currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := []model.FundBalance{}
	for rows.Next() {
		var f model.FundBalance
		var balS string
		if err := rows.Scan(&f.FundID, &f.Currency, &balS, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Balance, _ = decimal.NewFromString(balS)
		balances = append(balances, f)
	}
	return balances, rows.Err()
}

// --- Order queue ---

const orderColumns = `id, share_id, account_id, requested_quantity, processed_quantity,
	settled_amount::TEXT, price_per_share::TEXT, currency, queue_position, status,
	created_at, processed_at, COALESCE(claimed_by, ''), claimed_at,
	COALESCE(cancelled_by, ''), cancelled_at`

// scanner reads one row; pgx.Row and pgx.Rows both satisfy it.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*model.SellOrder, error) {
	var o model.SellOrder
	var settledS, priceS, status string
	if err := row.Scan(&o.ID, &o.ShareID, &o.AccountID, &o.RequestedQuantity, &o.ProcessedQuantity,
		&settledS, &priceS, &o.Currency, &o.QueuePosition, &status,
		&o.CreatedAt, &o.ProcessedAt, &o.ClaimedBy, &o.ClaimedAt,
		&o.CancelledBy, &o.CancelledAt); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.SettledAmount, _ = decimal.NewFromString(settledS)
	o.PricePerShare, _ = decimal.NewFromString(priceS)
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.SellOrder) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// Serialize inserts per share so positions are assigned in commit order.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "sell_orders:"+o.ShareID); err != nil {
			return err
		}

		var next int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM sell_orders WHERE share_id = $1`,
			o.ShareID).Scan(&next); err != nil {
			return fmt.Errorf("next queue position: %w", err)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO sell_orders (id, share_id, account_id, requested_quantity, processed_quantity,
			                          settled_amount, price_per_share, currency, queue_position, status, created_at)
			 VALUES ($1, $2, $3, $4, 0, 0, $5::NUMERIC, $6, $7, $8, $9)`,
			o.ID, o.ShareID, o.AccountID, o.RequestedQuantity,
			o.PricePerShare.String(), o.Currency, next, string(model.StatusPending), o.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.ID, model.ErrDuplicateOrder)
		}
		if err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}

		o.QueuePosition = next
		o.Status = model.StatusPending
		o.ProcessedQuantity = 0
		o.SettledAmount = decimal.Zero
		return nil
	})
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.SellOrder, error) {
	return getOrder(ctx, s.pool, id, false)
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.SellOrder, error) {
	sql := `SELECT ` + orderColumns + ` FROM sell_orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, shareID string) ([]model.SellOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM sell_orders
		 WHERE share_id = $1 AND status IN ('pending', 'partial')
		 ORDER BY queue_position`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.SellOrder{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ApplyPartialFill(ctx context.Context, orderID string, qty int64, amountPaid decimal.Decimal) (*model.SellOrder, error) {
	var updated *model.SellOrder
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if err := lifecycle.ValidateFill(o, qty); err != nil {
			return fmt.Errorf("order %s: %w", orderID, err)
		}
		updated, err = applyFill(ctx, tx, o, qty, amountPaid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyFill writes a validated fill to a row already locked by the caller.
func applyFill(ctx context.Context, tx pgx.Tx, o *model.SellOrder, qty int64, amountPaid decimal.Decimal) (*model.SellOrder, error) {
	o.ProcessedQuantity += qty
	o.SettledAmount = o.SettledAmount.Add(amountPaid)
	o.Status = lifecycle.StatusAfterFill(o.RequestedQuantity, o.ProcessedQuantity)
	o.ClaimedBy = ""
	o.ClaimedAt = nil
	if o.Status == model.StatusCompleted {
		now := time.Now().UTC()
		o.ProcessedAt = &now
	}

	_, err := tx.Exec(ctx,
		`UPDATE sell_orders
		 SET processed_quantity = $2, settled_amount = $3::NUMERIC, status = $4,
		     processed_at = $5, claimed_by = NULL, claimed_at = NULL
		 WHERE id = $1`,
		o.ID, o.ProcessedQuantity, o.SettledAmount.String(), string(o.Status), o.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return o, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, orderID, actorID string) (*model.SellOrder, error) {
	var cancelled *model.SellOrder
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if err := lifecycle.Transition(o.Status, model.StatusCancelled); err != nil {
			return fmt.Errorf("order %s: %w", orderID, err)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE sell_orders SET status = $2, cancelled_by = $3, cancelled_at = $4 WHERE id = $1`,
			orderID, string(model.StatusCancelled), actorID, now); err != nil {
			return fmt.Errorf("cancel order %s: %w", orderID, err)
		}
		o.Status = model.StatusCancelled
		o.CancelledBy = actorID
		o.CancelledAt = &now
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *PostgresStore) Claim(ctx context.Context, orderID, batchID string) (*model.SellOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE sell_orders
		 SET status = 'processing', claimed_by = $2, claimed_at = $3
		 WHERE id = $1 AND status IN ('pending', 'partial')
		 RETURNING `+orderColumns,
		orderID, batchID, time.Now().UTC()))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim order %s: %w", orderID, err)
	}

	// Lost the compare-and-set: classify why.
	current, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := claimError(current); err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	// Released between the two statements; report as contention.
	return nil, fmt.Errorf("order %s: %w", orderID, model.ErrClaimConflict)
}

const releaseSQL = `UPDATE sell_orders
	SET status = CASE WHEN processed_quantity = 0 THEN 'pending' ELSE 'partial' END,
	    claimed_by = NULL, claimed_at = NULL
	WHERE status = 'processing'`

func (s *PostgresStore) ReleaseClaim(ctx context.Context, orderID, batchID string) error {
	_, err := s.pool.Exec(ctx, releaseSQL+` AND id = $1 AND claimed_by = $2`, orderID, batchID)
	if err != nil {
		return fmt.Errorf("release claim %s: %w", orderID, err)
	}
	return nil
}

func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, releaseSQL+` AND claimed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CommitFill(ctx context.Context, fill *model.SettlementFill) (*model.SellOrder, error) {
	if err := validateAmount(fill.Amount); err != nil {
		return nil, err
	}

	var updated *model.SellOrder
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, fill.OrderID, true)
		if err != nil {
			return err
		}
		if o.Status != model.StatusProcessing || o.ClaimedBy != fill.BatchID {
			return fmt.Errorf("order %s not claimed by batch %s: %w", fill.OrderID, fill.BatchID, model.ErrClaimConflict)
		}
		if err := lifecycle.ValidateFill(o, fill.Quantity); err != nil {
			return fmt.Errorf("order %s: %w", fill.OrderID, err)
		}

		if err := debit(ctx, tx, fill.FundID, fill.Currency, fill.Amount); err != nil {
			return err
		}
		if updated, err = applyFill(ctx, tx, o, fill.Quantity, fill.Amount); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_fills (batch_id, order_id, share_id, account_id, fund_id,
			                               quantity, price, amount, currency, processing_type, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
			fill.BatchID, fill.OrderID, fill.ShareID, fill.AccountID, fill.FundID,
			fill.Quantity, fill.Price.String(), fill.Amount.String(), fill.Currency,
			string(fill.ProcessingType), fill.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert fill for order %s: %w", fill.OrderID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- Batch recorder ---

func (s *PostgresStore) RecordBatch(ctx context.Context, b *model.SettlementBatch) error {
	orderIDs, err := json.Marshal(b.OrderIDs)
	if err != nil {
		return err
	}
	items, err := json.Marshal(b.Items)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlement_batches (id, share_id, fund_id, actor_id, order_ids, items,
		                                 total_quantity, total_value, currency, processing_type,
		                                 outcome, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6::JSONB, $7, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		b.ID, b.ShareID, b.FundID, b.ActorID, string(orderIDs), string(items),
		b.TotalQuantity, b.TotalValue.String(), b.Currency, string(b.ProcessingType),
		string(b.Outcome), b.Reason, b.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("batch %s: %w", b.ID, model.ErrDuplicateBatch)
	}
	return err
}

const batchColumns = `id, share_id, fund_id, actor_id, order_ids::TEXT, items::TEXT,
	total_quantity, total_value::TEXT, currency, processing_type, outcome, reason, created_at`

func scanBatch(row scanner) (*model.SettlementBatch, error) {
	var b model.SettlementBatch
	var orderIDs, items, totalS, procType, outcome string
	if err := row.Scan(&b.ID, &b.ShareID, &b.FundID, &b.ActorID, &orderIDs, &items,
		&b.TotalQuantity, &totalS, &b.Currency, &procType, &outcome, &b.Reason, &b.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(orderIDs), &b.OrderIDs); err != nil {
		return nil, fmt.Errorf("decode order ids of batch %s: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(items), &b.Items); err != nil {
		return nil, fmt.Errorf("decode items of batch %s: %w", b.ID, err)
	}
	b.TotalValue, _ = decimal.NewFromString(totalS)
	b.ProcessingType = model.ProcessingType(procType)
	b.Outcome = model.BatchOutcome(outcome)
	return &b, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM settlement_batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, model.ErrBatchNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, shareID string, limit int) ([]model.SettlementBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+`
		 FROM settlement_batches
		 WHERE $1 = '' OR share_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, shareID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := []model.SettlementBatch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (s *PostgresStore) SettledVolumeSince(ctx context.Context, shareID string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::BIGINT
		 FROM settlement_fills WHERE share_id = $1 AND created_at >= $2`,
		shareID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("settled volume %s: %w", shareID, err)
	}
	return total, nil
}

func (s *PostgresStore) AutoValueSince(ctx context.Context, currency string, since time.Time) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT
		 FROM settlement_fills
		 WHERE processing_type = 'auto' AND currency = $1 AND created_at >= $2`,
		currency, since).Scan(&totalS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("auto value %s: %w", currency, err)
	}
	return decimal.NewFromString(totalS)
}

// --- Policies and prices ---

func (s *PostgresStore) GetPolicy(ctx context.Context, shareID string) (*model.MarketProtectionPolicy, error) {
	var p model.MarketProtectionPolicy
	var dropS, thresholdS, capS string
	err := s.pool.QueryRow(ctx,
		`SELECT share_id, max_price_drop_percentage::TEXT, daily_volume_limit, weekly_volume_limit,
		        auto_processing_fund_threshold::TEXT, max_daily_auto_processing_amount::TEXT,
		        emergency_halt, updated_at
		 FROM market_protection_policies
		 WHERE share_id IN ($1, '')
		 ORDER BY (share_id = $1) DESC
		 LIMIT 1`, shareID).
		Scan(&p.ShareID, &dropS, &p.DailyVolumeLimit, &p.WeeklyVolumeLimit,
			&thresholdS, &capS, &p.EmergencyHalt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.MarketProtectionPolicy{ShareID: shareID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", shareID, err)
	}
	p.ShareID = shareID
	p.MaxPriceDropPercentage, _ = decimal.NewFromString(dropS)
	p.AutoProcessingFundThreshold, _ = decimal.NewFromString(thresholdS)
	p.MaxDailyAutoProcessingAmount, _ = decimal.NewFromString(capS)
	return &p, nil
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, p *model.MarketProtectionPolicy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_protection_policies (share_id, max_price_drop_percentage, daily_volume_limit,
		     weekly_volume_limit, auto_processing_fund_threshold, max_daily_auto_processing_amount,
		     emergency_halt, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, now())
		 ON CONFLICT (share_id) DO UPDATE SET
		     max_price_drop_percentage = EXCLUDED.max_price_drop_percentage,
		     daily_volume_limit = EXCLUDED.daily_volume_limit,
		     weekly_volume_limit = EXCLUDED.weekly_volume_limit,
		     auto_processing_fund_threshold = EXCLUDED.auto_processing_fund_threshold,
		     max_daily_auto_processing_amount = EXCLUDED.max_daily_auto_processing_amount,
		     emergency_halt = EXCLUDED.emergency_halt,
		     updated_at = now()`,
		p.ShareID, p.MaxPriceDropPercentage.String(), p.DailyVolumeLimit, p.WeeklyVolumeLimit,
		p.AutoProcessingFundThreshold.String(), p.MaxDailyAutoProcessingAmount.String(), p.EmergencyHalt)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.ShareID, err)
	}
	return nil
}

func (s *PostgresStore) GetSharePrice(ctx context.Context, shareID string) (*model.SharePrice, error) {
	var p model.SharePrice
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT share_id, price::TEXT, currency, recorded_at FROM share_prices WHERE share_id = $1`,
		shareID).Scan(&p.ShareID, &priceS, &p.Currency, &p.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get share price %s: %w", shareID, err)
	}
	p.Price, _ = decimal.NewFromString(priceS)
	return &p, nil
}

func (s *PostgresStore) SetSharePrice(ctx context.Context, p *model.SharePrice) error {
	recordedAt := p.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO share_prices (share_id, price, currency, recorded_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (share_id) DO UPDATE SET
		     price = EXCLUDED.price, currency = EXCLUDED.currency, recorded_at = EXCLUDED.recorded_at`,
		p.ShareID, p.Price.String(), p.Currency, recordedAt)
	if err != nil {
		return fmt.Errorf("set share price %s: %w", p.ShareID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
