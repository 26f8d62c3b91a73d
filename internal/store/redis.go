package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/minvest/buyback-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Fund balances and the pending queue are never cached: settlement decisions
// must see the primary's current state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.SellOrder) error {
	if err := s.primary.CreateOrder(ctx, o); err != nil {
		return err
	}
	s.cacheJSON(ctx, orderKey(o.ID), o)
	return nil
}

func (s *CachedStore) ApplyPartialFill(ctx context.Context, orderID string, qty int64, amountPaid decimal.Decimal) (*model.SellOrder, error) {
	defer s.invalidateOrder(ctx, orderID)()
	return s.primary.ApplyPartialFill(ctx, orderID, qty, amountPaid)
}

func (s *CachedStore) Cancel(ctx context.Context, orderID, actorID string) (*model.SellOrder, error) {
	defer s.invalidateOrder(ctx, orderID)()
	return s.primary.Cancel(ctx, orderID, actorID)
}

func (s *CachedStore) Claim(ctx context.Context, orderID, batchID string) (*model.SellOrder, error) {
	defer s.invalidateOrder(ctx, orderID)()
	return s.primary.Claim(ctx, orderID, batchID)
}

func (s *CachedStore) ReleaseClaim(ctx context.Context, orderID, batchID string) error {
	defer s.invalidateOrder(ctx, orderID)()
	return s.primary.ReleaseClaim(ctx, orderID, batchID)
}

func (s *CachedStore) CommitFill(ctx context.Context, fill *model.SettlementFill) (*model.SellOrder, error) {
	defer s.invalidateOrder(ctx, fill.OrderID)()
	return s.primary.CommitFill(ctx, fill)
}

// ReleaseStaleClaims cannot name the orders it touched. GetOrder never
// caches a claimed order, so no entry can outlive the claim.
func (s *CachedStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	return s.primary.ReleaseStaleClaims(ctx, olderThan)
}

func (s *CachedStore) RecordBatch(ctx context.Context, b *model.SettlementBatch) error {
	if err := s.primary.RecordBatch(ctx, b); err != nil {
		return err
	}
	s.cacheJSON(ctx, batchKey(b.ID), b)
	return nil
}

// UpsertPolicy bumps the policy generation so every cached policy,
// including shares that fall back to the global default, is dropped at once.
func (s *CachedStore) UpsertPolicy(ctx context.Context, p *model.MarketProtectionPolicy) error {
	if err := s.primary.UpsertPolicy(ctx, p); err != nil {
		return err
	}
	s.rdb.Incr(ctx, policyGenKey)
	return nil
}

func (s *CachedStore) SetSharePrice(ctx context.Context, p *model.SharePrice) error {
	if err := s.primary.SetSharePrice(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, priceKey(p.ShareID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.SellOrder, error) {
	var o model.SellOrder
	if s.readJSON(ctx, orderKey(id), &o) {
		return &o, nil
	}

	// Cache miss: read from primary.
	order, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusProcessing {
		s.cacheJSON(ctx, orderKey(id), order)
	}
	return order, nil
}

// GetBatch caches indefinitely-valid data: batches are immutable.
func (s *CachedStore) GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error) {
	var b model.SettlementBatch
	if s.readJSON(ctx, batchKey(id), &b) {
		return &b, nil
	}

	batch, err := s.primary.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, batchKey(id), batch)
	return batch, nil
}

func (s *CachedStore) GetPolicy(ctx context.Context, shareID string) (*model.MarketProtectionPolicy, error) {
	gen, err := s.rdb.Get(ctx, policyGenKey).Int64()
	if err != nil && err != redis.Nil {
		// Without a generation we cannot trust any cached policy.
		return s.primary.GetPolicy(ctx, shareID)
	}

	key := policyKey(gen, shareID)
	var p model.MarketProtectionPolicy
	if s.readJSON(ctx, key, &p) {
		return &p, nil
	}

	policy, err := s.primary.GetPolicy(ctx, shareID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, key, policy)
	return policy, nil
}

func (s *CachedStore) GetSharePrice(ctx context.Context, shareID string) (*model.SharePrice, error) {
	var p model.SharePrice
	if s.readJSON(ctx, priceKey(shareID), &p) {
		return &p, nil
	}

	price, err := s.primary.GetSharePrice(ctx, shareID)
	if err != nil || price == nil {
		return price, err
	}
	s.cacheJSON(ctx, priceKey(shareID), price)
	return price, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetBalance(ctx context.Context, fundID, currency string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, fundID, currency)
}

func (s *CachedStore) TryDebit(ctx context.Context, fundID, currency string, amount decimal.Decimal) error {
	return s.primary.TryDebit(ctx, fundID, currency, amount)
}

func (s *CachedStore) Credit(ctx context.Context, fundID, currency string, amount decimal.Decimal) (*model.FundBalance, error) {
	return s.primary.Credit(ctx, fundID, currency, amount)
}

func (s *CachedStore) Transfer(ctx context.Context, fromFundID, toFundID, currency string, amount decimal.Decimal) error {
	return s.primary.Transfer(ctx, fromFundID, toFundID, currency, amount)
}

func (s *CachedStore) ListBalances(ctx context.Context) ([]model.FundBalance, error) {
	return s.primary.ListBalances(ctx)
}

func (s *CachedStore) ListPending(ctx context.Context, shareID string) ([]model.SellOrder, error) {
	return s.primary.ListPending(ctx, shareID)
}

func (s *CachedStore) ListBatches(ctx context.Context, shareID string, limit int) ([]model.SettlementBatch, error) {
	return s.primary.ListBatches(ctx, shareID, limit)
}

func (s *CachedStore) SettledVolumeSince(ctx context.Context, shareID string, since time.Time) (int64, error) {
	return s.primary.SettledVolumeSince(ctx, shareID, since)
}

func (s *CachedStore) AutoValueSince(ctx context.Context, currency string, since time.Time) (decimal.Decimal, error) {
	return s.primary.AutoValueSince(ctx, currency, since)
}

// --- Cache helpers ---

// invalidateOrder drops the order entry now and again once the write
// returns, so a read that refilled the cache mid-write is discarded.
func (s *CachedStore) invalidateOrder(ctx context.Context, id string) func() {
	s.rdb.Del(ctx, orderKey(id))
	return func() { s.rdb.Del(ctx, orderKey(id)) }
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

const policyGenKey = "policy:gen"

func orderKey(id string) string                  { return fmt.Sprintf("order:%s", id) }
func batchKey(id string) string                  { return fmt.Sprintf("batch:%s", id) }
func priceKey(shareID string) string             { return fmt.Sprintf("price:%s", shareID) }
func policyKey(gen int64, shareID string) string { return fmt.Sprintf("policy:%d:%s", gen, shareID) }
