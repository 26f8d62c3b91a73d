package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/minvest/buyback-engine/internal/lifecycle"
	"github.com/minvest/buyback-engine/internal/model"
)

// queueEntry indexes a live order by its FIFO position.
type queueEntry struct {
	position int64
	orderID  string
}

func queueLess(a, b queueEntry) bool {
	return a.position < b.position
}

type fundKey struct {
	fundID   string
	currency string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex serializes every mutation, which gives TryDebit, Claim
// and CommitFill the same atomicity the Postgres store gets from
// transactions.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*model.SellOrder
	queues   map[string]*btree.BTreeG[queueEntry] // shareID → live (non-terminal) orders
	lastPos  map[string]int64
	funds    map[fundKey]*model.FundBalance
	fills    []model.SettlementFill
	batches  map[string]*model.SettlementBatch
	batchSeq []string
	policies map[string]*model.MarketProtectionPolicy
	prices   map[string]*model.SharePrice
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*model.SellOrder),
		queues:   make(map[string]*btree.BTreeG[queueEntry]),
		lastPos:  make(map[string]int64),
		funds:    make(map[fundKey]*model.FundBalance),
		batches:  make(map[string]*model.SettlementBatch),
		policies: make(map[string]*model.MarketProtectionPolicy),
		prices:   make(map[string]*model.SharePrice),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for claim and audit stamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Fund ledger ---

func (s *MemoryStore) GetBalance(_ context.Context, fundID, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f, ok := s.funds[fundKey{fundID, currency}]; ok {
		return f.Balance, nil
	}
	return decimal.Zero, nil
}

func (s *MemoryStore) TryDebit(_ context.Context, fundID, currency string, amount decimal.Decimal) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(fundID, currency, amount)
}

func (s *MemoryStore) debitLocked(fundID, currency string, amount decimal.Decimal) error {
	f, ok := s.funds[fundKey{fundID, currency}]
	if !ok || f.Balance.LessThan(amount) {
		return fmt.Errorf("fund %s/%s: %w", fundID, currency, model.ErrInsufficientFunds)
	}
	f.Balance = f.Balance.Sub(amount)
	f.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, fundID, currency string, amount decimal.Decimal) (*model.FundBalance, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.creditLocked(fundID, currency, amount)
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) creditLocked(fundID, currency string, amount decimal.Decimal) *model.FundBalance {
	key := fundKey{fundID, currency}
	f, ok := s.funds[key]
	if !ok {
		f = &model.FundBalance{FundID: fundID, Currency: currency}
		s.funds[key] = f
	}
	f.Balance = f.Balance.Add(amount)
	f.UpdatedAt = s.now()
	return f
}

func (s *MemoryStore) Transfer(_ context.Context, fromFundID, toFundID, currency string, amount decimal.Decimal) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if fromFundID == toFundID {
		return &model.ValidationError{Message: "source and destination funds must differ"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.debitLocked(fromFundID, currency, amount); err != nil {
		return err
	}
	s.creditLocked(toFundID, currency, amount)
	return nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.FundBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]model.FundBalance, 0, len(s.funds))
	for _, f := range s.funds {
		balances = append(balances, *f)
	}
	sort.Slice(balances, func(i, j int) bool {
		if balances[i].FundID != balances[j].FundID {
			return balances[i].FundID < balances[j].FundID
		}
		return balances[i].Currency < balances[j].Currency
	})
	return balances, nil
}

// --- Order queue ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.SellOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrDuplicateOrder)
	}

	s.lastPos[o.ShareID]++
	o.QueuePosition = s.lastPos[o.ShareID]
	o.Status = model.StatusPending
	o.ProcessedQuantity = 0
	o.SettledAmount = decimal.Zero

	cp := *o
	s.orders[o.ID] = &cp
	s.queueFor(o.ShareID).ReplaceOrInsert(queueEntry{position: o.QueuePosition, orderID: o.ID})
	return nil
}

func (s *MemoryStore) queueFor(shareID string) *btree.BTreeG[queueEntry] {
	q, ok := s.queues[shareID]
	if !ok {
		q = btree.NewG[queueEntry](16, queueLess)
		s.queues[shareID] = q
	}
	return q
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.SellOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListPending(_ context.Context, shareID string) ([]model.SellOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.SellOrder{}
	q, ok := s.queues[shareID]
	if !ok {
		return result, nil
	}
	q.Ascend(func(e queueEntry) bool {
		o := s.orders[e.orderID]
		if lifecycle.Claimable(o.Status) {
			result = append(result, *o)
		}
		return true
	})
	return result, nil
}

func (s *MemoryStore) ApplyPartialFill(_ context.Context, orderID string, qty int64, amountPaid decimal.Decimal) (*model.SellOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	if err := lifecycle.ValidateFill(o, qty); err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	s.applyFillLocked(o, qty, amountPaid)
	cp := *o
	return &cp, nil
}

// applyFillLocked mutates a validated order and drops it from the live
// index once it completes.
func (s *MemoryStore) applyFillLocked(o *model.SellOrder, qty int64, amountPaid decimal.Decimal) {
	o.ProcessedQuantity += qty
	o.SettledAmount = o.SettledAmount.Add(amountPaid)
	o.Status = lifecycle.StatusAfterFill(o.RequestedQuantity, o.ProcessedQuantity)
	o.ClaimedBy = ""
	o.ClaimedAt = nil
	if o.Status == model.StatusCompleted {
		now := s.now()
		o.ProcessedAt = &now
		s.queueFor(o.ShareID).Delete(queueEntry{position: o.QueuePosition, orderID: o.ID})
	}
}

func (s *MemoryStore) Cancel(_ context.Context, orderID, actorID string) (*model.SellOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	if err := lifecycle.Transition(o.Status, model.StatusCancelled); err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}

	now := s.now()
	o.Status = model.StatusCancelled
	o.CancelledBy = actorID
	o.CancelledAt = &now
	s.queueFor(o.ShareID).Delete(queueEntry{position: o.QueuePosition, orderID: o.ID})

	cp := *o
	return &cp, nil
}

func (s *MemoryStore) Claim(_ context.Context, orderID, batchID string) (*model.SellOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	if err := claimError(o); err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}

	now := s.now()
	o.Status = model.StatusProcessing
	o.ClaimedBy = batchID
	o.ClaimedAt = &now

	cp := *o
	return &cp, nil
}

// claimError maps an unclaimable status to the right taxonomy error.
func claimError(o *model.SellOrder) error {
	switch {
	case lifecycle.Claimable(o.Status):
		return nil
	case o.Status == model.StatusProcessing:
		return fmt.Errorf("%w: held by batch %s", model.ErrClaimConflict, o.ClaimedBy)
	default:
		return fmt.Errorf("%w: status %s", model.ErrOrderNotSettleable, o.Status)
	}
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, orderID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != model.StatusProcessing || o.ClaimedBy != batchID {
		return nil
	}
	s.releaseLocked(o)
	return nil
}

func (s *MemoryStore) releaseLocked(o *model.SellOrder) {
	o.Status = lifecycle.StatusAfterRelease(o.ProcessedQuantity)
	o.ClaimedBy = ""
	o.ClaimedAt = nil
}

func (s *MemoryStore) ReleaseStaleClaims(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, o := range s.orders {
		if o.Status == model.StatusProcessing && o.ClaimedAt != nil && o.ClaimedAt.Before(olderThan) {
			s.releaseLocked(o)
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) CommitFill(_ context.Context, fill *model.SettlementFill) (*model.SellOrder, error) {
	if err := validateAmount(fill.Amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[fill.OrderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", fill.OrderID, model.ErrOrderNotFound)
	}
	if o.Status != model.StatusProcessing || o.ClaimedBy != fill.BatchID {
		return nil, fmt.Errorf("order %s not claimed by batch %s: %w", fill.OrderID, fill.BatchID, model.ErrClaimConflict)
	}
	if err := lifecycle.ValidateFill(o, fill.Quantity); err != nil {
		return nil, fmt.Errorf("order %s: %w", fill.OrderID, err)
	}

	// Debit first: on insufficient funds nothing else has been touched.
	if err := s.debitLocked(fill.FundID, fill.Currency, fill.Amount); err != nil {
		return nil, err
	}
	s.applyFillLocked(o, fill.Quantity, fill.Amount)
	s.fills = append(s.fills, *fill)

	cp := *o
	return &cp, nil
}

// Fills returns the fill audit log in commit order.
func (s *MemoryStore) Fills() []model.SettlementFill {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SettlementFill, len(s.fills))
	copy(out, s.fills)
	return out
}

// --- Batch recorder ---

func (s *MemoryStore) RecordBatch(_ context.Context, b *model.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch %s: %w", b.ID, model.ErrDuplicateBatch)
	}
	cp := *b
	cp.Replayed = false
	s.batches[b.ID] = &cp
	s.batchSeq = append(s.batchSeq, b.ID)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*model.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, model.ErrBatchNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBatches(_ context.Context, shareID string, limit int) ([]model.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.SettlementBatch{}
	for i := len(s.batchSeq) - 1; i >= 0; i-- {
		b := s.batches[s.batchSeq[i]]
		if shareID != "" && b.ShareID != shareID {
			continue
		}
		result = append(result, *b)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SettledVolumeSince(_ context.Context, shareID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, f := range s.fills {
		if f.ShareID == shareID && !f.CreatedAt.Before(since) {
			total += f.Quantity
		}
	}
	return total, nil
}

func (s *MemoryStore) AutoValueSince(_ context.Context, currency string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, f := range s.fills {
		if f.ProcessingType == model.ProcessingAuto && f.Currency == currency && !f.CreatedAt.Before(since) {
			total = total.Add(f.Amount)
		}
	}
	return total, nil
}

// --- Policies and prices ---

func (s *MemoryStore) GetPolicy(_ context.Context, shareID string) (*model.MarketProtectionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.policies[shareID]; ok {
		cp := *p
		return &cp, nil
	}
	if p, ok := s.policies[""]; ok {
		cp := *p
		cp.ShareID = shareID
		return &cp, nil
	}
	return &model.MarketProtectionPolicy{ShareID: shareID}, nil
}

func (s *MemoryStore) UpsertPolicy(_ context.Context, p *model.MarketProtectionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.UpdatedAt = s.now()
	s.policies[p.ShareID] = &cp
	return nil
}

func (s *MemoryStore) GetSharePrice(_ context.Context, shareID string) (*model.SharePrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[shareID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) SetSharePrice(_ context.Context, p *model.SharePrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = s.now()
	}
	s.prices[p.ShareID] = &cp
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &model.ValidationError{Message: "amount must be positive"}
	}
	return nil
}
