package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/minvest/buyback-engine/internal/guard"
	"github.com/minvest/buyback-engine/internal/lifecycle"
	"github.com/minvest/buyback-engine/internal/lock"
	"github.com/minvest/buyback-engine/internal/model"
	"github.com/minvest/buyback-engine/internal/store"
)

const (
	fundID   = "buyback"
	currency = "NGN"
)

var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type harness struct {
	store *store.MemoryStore
	locks *lock.LocalLocker
	proc  *Processor
}

func newHarness(t fataler, balance float64) *harness {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	st := store.NewMemoryStore()
	st.SetClock(clock)
	locks := lock.NewLocalLocker()
	proc := NewProcessor(st, guard.New(st).WithClock(clock), locks, nil, fundID).WithClock(clock)
	if balance > 0 {
		if _, err := st.Credit(context.Background(), fundID, currency, d(balance)); err != nil {
			t.Fatalf("credit fund: %v", err)
		}
	}
	return &harness{store: st, locks: locks, proc: proc}
}

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func (h *harness) order(t fataler, id, shareID string, qty int64, price float64) *model.SellOrder {
	t.Helper()
	o := &model.SellOrder{
		ID:                id,
		ShareID:           shareID,
		AccountID:         "acct-" + id,
		RequestedQuantity: qty,
		PricePerShare:     d(price),
		Currency:          currency,
		CreatedAt:         fixedNow,
	}
	if err := h.store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func (h *harness) get(t *testing.T, id string) *model.SellOrder {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func (h *harness) balance(t fataler) decimal.Decimal {
	t.Helper()
	b, err := h.store.GetBalance(context.Background(), fundID, currency)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

func TestProcessAuto_FillsHeadThenPartial(t *testing.T) {
	h := newHarness(t, 120000)
	h.order(t, "A", "GOLD", 100, 1000)
	h.order(t, "B", "GOLD", 50, 1000)

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, bo := h.get(t, "A"), h.get(t, "B")
	if a.Status != model.StatusCompleted || a.ProcessedQuantity != 100 {
		t.Errorf("A: expected completed/100, got %s/%d", a.Status, a.ProcessedQuantity)
	}
	if a.ProcessedAt == nil {
		t.Error("A: expected processed_at to be stamped")
	}
	if bo.Status != model.StatusPartial || bo.ProcessedQuantity != 20 || bo.RemainingQuantity() != 30 {
		t.Errorf("B: expected partial/20/30, got %s/%d/%d", bo.Status, bo.ProcessedQuantity, bo.RemainingQuantity())
	}
	if !h.balance(t).IsZero() {
		t.Errorf("expected empty fund, got %s", h.balance(t))
	}
	if b.Outcome != model.OutcomePartiallyCompleted {
		t.Errorf("expected partially-completed, got %s", b.Outcome)
	}
	if !b.TotalValue.Equal(d(120000)) || b.TotalQuantity != 120 {
		t.Errorf("expected 120 shares / 120000, got %d / %s", b.TotalQuantity, b.TotalValue)
	}
	if len(b.Items) != 2 || !b.Items[0].Settled || b.Items[1].QuantityFilled != 20 {
		t.Errorf("unexpected items: %+v", b.Items)
	}

	stored, err := h.store.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("batch not recorded: %v", err)
	}
	if stored.Outcome != b.Outcome {
		t.Errorf("stored outcome %s != %s", stored.Outcome, b.Outcome)
	}
}

func TestProcessAuto_CompletedWhenEverythingFits(t *testing.T) {
	h := newHarness(t, 1000000)
	h.order(t, "A", "GOLD", 100, 1000)
	h.order(t, "B", "GOLD", 50, 1000)

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeCompleted {
		t.Errorf("expected completed, got %s (%s)", b.Outcome, b.Reason)
	}
	if !h.balance(t).Equal(d(850000)) {
		t.Errorf("expected 850000 left, got %s", h.balance(t))
	}
}

func TestEmergencyHalt_RejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t, 120000)
	h.order(t, "A", "GOLD", 100, 1000)
	h.order(t, "B", "GOLD", 50, 1000)
	if err := h.store.UpsertPolicy(context.Background(), &model.MarketProtectionPolicy{EmergencyHalt: true}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	auto, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 2})
	if err != nil {
		t.Fatalf("auto: %v", err)
	}
	manual, err := h.proc.ProcessSelected(context.Background(), SelectedRequest{OrderIDs: []string{"B", "A"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("selected: %v", err)
	}

	for _, b := range []*model.SettlementBatch{auto, manual} {
		if b.Outcome != model.OutcomeRejected || b.Reason != "emergency_halt" {
			t.Errorf("%s: expected rejected/emergency_halt, got %s/%s", b.ProcessingType, b.Outcome, b.Reason)
		}
		if b.TotalQuantity != 0 {
			t.Errorf("%s: expected nothing settled, got %d", b.ProcessingType, b.TotalQuantity)
		}
	}
	if !h.balance(t).Equal(d(120000)) {
		t.Errorf("balance changed: %s", h.balance(t))
	}
	for _, id := range []string{"A", "B"} {
		if o := h.get(t, id); o.Status != model.StatusPending || o.ClaimedBy != "" {
			t.Errorf("%s: expected untouched pending order, got %s claimed by %q", id, o.Status, o.ClaimedBy)
		}
	}
	if len(h.store.Fills()) != 0 {
		t.Errorf("expected no fills, got %d", len(h.store.Fills()))
	}
}

func TestProcessSelected_ClaimedOrdersConflict(t *testing.T) {
	h := newHarness(t, 1000000)
	h.order(t, "A", "GOLD", 10, 1000)
	h.order(t, "B", "GOLD", 10, 1000)
	ctx := context.Background()

	// An in-flight batch holds both orders.
	for _, id := range []string{"A", "B"} {
		if _, err := h.store.Claim(ctx, id, "in-flight"); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}

	b, err := h.proc.ProcessSelected(ctx, SelectedRequest{OrderIDs: []string{"A", "B"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeRejected {
		t.Errorf("expected rejected, got %s", b.Outcome)
	}
	for _, it := range b.Items {
		if it.Reason != "claim_conflict" || it.QuantityFilled != 0 {
			t.Errorf("expected claim_conflict with no fill, got %+v", it)
		}
	}
	if !h.balance(t).Equal(d(1000000)) {
		t.Errorf("balance changed: %s", h.balance(t))
	}
	if o := h.get(t, "A"); o.ClaimedBy != "in-flight" {
		t.Errorf("claim must stay with the in-flight batch, got %q", o.ClaimedBy)
	}
}

func TestProcessSelected_SkipsUnfundableAndKeepsCallerOrder(t *testing.T) {
	h := newHarness(t, 10000)
	h.order(t, "big", "GOLD", 1, 50000)
	h.order(t, "small", "GOLD", 5, 1000)
	h.order(t, "later", "GOLD", 2, 1000)

	b, err := h.proc.ProcessSelected(context.Background(), SelectedRequest{
		OrderIDs: []string{"later", "big", "small", "missing"},
		ActorID:  "ops-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []struct {
		id     string
		filled int64
		reason string
	}{
		{"later", 2, ""},
		{"big", 0, "insufficient_funds"},
		{"small", 5, ""},
		{"missing", 0, "order_not_found"},
	}
	if len(b.Items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(b.Items))
	}
	for i, w := range want {
		it := b.Items[i]
		if it.OrderID != w.id || it.QuantityFilled != w.filled || it.Reason != w.reason {
			t.Errorf("item %d: expected %s/%d/%q, got %s/%d/%q", i, w.id, w.filled, w.reason, it.OrderID, it.QuantityFilled, it.Reason)
		}
	}
	if b.Outcome != model.OutcomePartiallyCompleted {
		t.Errorf("expected partially-completed, got %s", b.Outcome)
	}
	if o := h.get(t, "big"); o.Status != model.StatusPending {
		t.Errorf("skipped order must return to pending, got %s", o.Status)
	}
	if !h.balance(t).Equal(d(3000)) {
		t.Errorf("expected 3000 left, got %s", h.balance(t))
	}
	if b.Items[1].QueuePosition != 1 {
		t.Errorf("expected intrinsic queue position 1 in audit, got %d", b.Items[1].QueuePosition)
	}
}

func TestProcessAuto_StopsAtUnfundableHead(t *testing.T) {
	h := newHarness(t, 10000)
	h.order(t, "big", "GOLD", 1, 50000)
	h.order(t, "small", "GOLD", 5, 1000)

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeRejected || b.Reason != "insufficient_funds" {
		t.Errorf("expected rejected/insufficient_funds, got %s/%s", b.Outcome, b.Reason)
	}
	if len(b.Items) != 1 {
		t.Errorf("auto must not move past the head, got %d items", len(b.Items))
	}
	if o := h.get(t, "small"); o.ProcessedQuantity != 0 {
		t.Errorf("later order must not be settled before the head, got %d", o.ProcessedQuantity)
	}
}

func TestProcessAuto_PassesOrdersHeldByInFlightBatch(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	h.order(t, "B", "GOLD", 10, 1000)
	ctx := context.Background()

	// A manual batch is settling A right now; it is out of the pending view.
	if _, err := h.store.Claim(ctx, "A", "manual-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	b, err := h.proc.ProcessAuto(ctx, AutoRequest{ShareID: "GOLD", MaxCount: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Items) != 1 || b.Items[0].OrderID != "B" {
		t.Errorf("expected only B, got %+v", b.Items)
	}
	if o := h.get(t, "A"); o.ClaimedBy != "manual-1" || o.ProcessedQuantity != 0 {
		t.Errorf("A must stay with the manual batch, got %q/%d", o.ClaimedBy, o.ProcessedQuantity)
	}
}

func TestProcessAuto_RespectsMaxCount(t *testing.T) {
	h := newHarness(t, 1000000)
	for i := 0; i < 5; i++ {
		h.order(t, fmt.Sprintf("o%d", i), "GOLD", 1, 1000)
	}

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Items) != 3 || b.Items[2].OrderID != "o2" {
		t.Errorf("expected the first three orders, got %+v", b.Items)
	}
	if o := h.get(t, "o3"); o.Status != model.StatusPending {
		t.Errorf("o3 should remain pending, got %s", o.Status)
	}
}

func TestProcessAuto_NoCandidates(t *testing.T) {
	h := newHarness(t, 1000)

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeRejected || b.Reason != "no_candidates" {
		t.Errorf("expected rejected/no_candidates, got %s/%s", b.Outcome, b.Reason)
	}
}

func TestGuardDenial_StopsBatchMidway(t *testing.T) {
	h := newHarness(t, 1000000)
	h.order(t, "A", "GOLD", 100, 1000)
	h.order(t, "B", "GOLD", 50, 1000)
	h.order(t, "C", "GOLD", 1, 1000)
	if err := h.store.UpsertPolicy(context.Background(), &model.MarketProtectionPolicy{ShareID: "GOLD", DailyVolumeLimit: 120}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomePartiallyCompleted || b.Reason != "daily_volume_exceeded" {
		t.Errorf("expected partially-completed/daily_volume_exceeded, got %s/%s", b.Outcome, b.Reason)
	}
	if len(b.Items) != 2 {
		t.Errorf("expected the batch to stop at B, got %d items", len(b.Items))
	}
	if o := h.get(t, "B"); o.Status != model.StatusPending {
		t.Errorf("denied order must be untouched, got %s", o.Status)
	}
}

func TestGuardDenial_FirstOrderRejectsBatch(t *testing.T) {
	h := newHarness(t, 1000000)
	h.order(t, "A", "GOLD", 10, 800)
	ctx := context.Background()
	if err := h.store.SetSharePrice(ctx, &model.SharePrice{ShareID: "GOLD", Price: d(1000), Currency: currency}); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := h.store.UpsertPolicy(ctx, &model.MarketProtectionPolicy{ShareID: "GOLD", MaxPriceDropPercentage: d(10)}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	b, err := h.proc.ProcessSelected(ctx, SelectedRequest{OrderIDs: []string{"A"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeRejected || b.Reason != "price_protection_triggered" {
		t.Errorf("expected rejected/price_protection_triggered, got %s/%s", b.Outcome, b.Reason)
	}
}

func TestProcessAuto_FundBelowThreshold(t *testing.T) {
	h := newHarness(t, 5000)
	h.order(t, "A", "GOLD", 1, 1000)
	if err := h.store.UpsertPolicy(context.Background(), &model.MarketProtectionPolicy{AutoProcessingFundThreshold: d(10000)}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeRejected || b.Reason != "fund_below_auto_threshold" {
		t.Errorf("expected rejected/fund_below_auto_threshold, got %s/%s", b.Outcome, b.Reason)
	}

	// Manual settlement ignores the auto threshold.
	m, err := h.proc.ProcessSelected(context.Background(), SelectedRequest{OrderIDs: []string{"A"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("selected: %v", err)
	}
	if m.Outcome != model.OutcomeCompleted {
		t.Errorf("expected manual completion, got %s", m.Outcome)
	}
}

func TestProcessAuto_DailyAutoCap(t *testing.T) {
	h := newHarness(t, 1000000)
	h.order(t, "A", "GOLD", 10, 1000)
	h.order(t, "B", "GOLD", 10, 1000)
	if err := h.store.UpsertPolicy(context.Background(), &model.MarketProtectionPolicy{MaxDailyAutoProcessingAmount: d(15000)}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Reason != "auto_processing_cap_exceeded" || b.TotalQuantity != 10 {
		t.Errorf("expected cap after A, got %d (%s)", b.TotalQuantity, b.Reason)
	}
}

func TestProcessFullOrder_AllOrNothing(t *testing.T) {
	h := newHarness(t, 50000)
	h.order(t, "A", "GOLD", 100, 1000)
	ctx := context.Background()

	b, err := h.proc.ProcessFullOrder(ctx, "A", "ops-1", "")
	if !errors.Is(err, model.ErrInsufficientFundsForFullSettlement) {
		t.Fatalf("expected ErrInsufficientFundsForFullSettlement, got %v", err)
	}
	if b != nil {
		t.Errorf("expected no batch, got %+v", b)
	}
	audit, err := h.store.ListBatches(ctx, "GOLD", 0)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(audit) != 1 || audit[0].Outcome != model.OutcomeRejected || audit[0].Reason != "insufficient_funds_for_full_settlement" {
		t.Errorf("expected one rejected audit entry, got %+v", audit)
	}
	if o := h.get(t, "A"); o.Status != model.StatusPending || o.ProcessedQuantity != 0 {
		t.Errorf("expected untouched order, got %s/%d", o.Status, o.ProcessedQuantity)
	}
	if !h.balance(t).Equal(d(50000)) {
		t.Errorf("balance changed: %s", h.balance(t))
	}

	if _, err := h.store.Credit(ctx, fundID, currency, d(50000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	b, err = h.proc.ProcessFullOrder(ctx, "A", "ops-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeCompleted || b.TotalQuantity != 100 {
		t.Errorf("expected completed/100, got %s/%d", b.Outcome, b.TotalQuantity)
	}
}

func TestProcessFullOrder_TerminalOrder(t *testing.T) {
	h := newHarness(t, 50000)
	h.order(t, "A", "GOLD", 1, 1000)
	ctx := context.Background()
	if _, err := h.store.Cancel(ctx, "A", "acct-A"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := h.proc.ProcessFullOrder(ctx, "A", "ops-1", "")
	if !errors.Is(err, model.ErrOrderNotSettleable) {
		t.Errorf("expected ErrOrderNotSettleable, got %v", err)
	}
	if _, err := h.proc.ProcessFullOrder(ctx, "nope", "ops-1", ""); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestProcessPayment_ConvertsAmountToShares(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 100, 1000)

	b, err := h.proc.ProcessPayment(context.Background(), "A", d(25500), "ops-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.TotalQuantity != 25 || !b.TotalValue.Equal(d(25000)) {
		t.Errorf("expected 25 shares / 25000, got %d / %s", b.TotalQuantity, b.TotalValue)
	}
	o := h.get(t, "A")
	if o.Status != model.StatusPartial || o.RemainingQuantity() != 75 {
		t.Errorf("expected partial/75, got %s/%d", o.Status, o.RemainingQuantity())
	}
	if !o.SettledAmount.Equal(d(25000)) {
		t.Errorf("expected settled amount 25000, got %s", o.SettledAmount)
	}
	if !h.balance(t).Equal(d(75000)) {
		t.Errorf("expected 75000 left, got %s", h.balance(t))
	}
}

func TestProcessPayment_CappedAtRemaining(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)

	b, err := h.proc.ProcessPayment(context.Background(), "A", d(50000), "ops-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.TotalQuantity != 10 || b.Outcome != model.OutcomeCompleted {
		t.Errorf("expected 10 shares completed, got %d %s", b.TotalQuantity, b.Outcome)
	}
}

func TestProcessPayment_RejectsTinyAmount(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)

	_, err := h.proc.ProcessPayment(context.Background(), "A", d(999), "ops-1", "")
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestBatchID_ReplayReturnsStoredBatch(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	h.order(t, "B", "GOLD", 10, 1000)
	ctx := context.Background()

	first, err := h.proc.ProcessAuto(ctx, AutoRequest{BatchID: "run-1", ShareID: "GOLD", MaxCount: 1})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := h.proc.ProcessAuto(ctx, AutoRequest{BatchID: "run-1", ShareID: "GOLD", MaxCount: 1})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.TotalQuantity != first.TotalQuantity {
		t.Errorf("expected replayed copy of the first batch, got %+v", second)
	}
	if len(h.store.Fills()) != 1 {
		t.Errorf("replay must not settle again, got %d fills", len(h.store.Fills()))
	}
	if o := h.get(t, "B"); o.ProcessedQuantity != 0 {
		t.Errorf("replay must not reach B, got %d", o.ProcessedQuantity)
	}
}

func TestProcessAuto_ConcurrentRunFailsFast(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	ctx := context.Background()

	unlock, err := h.locks.TryLock(ctx, "auto:GOLD")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	if _, err := h.proc.ProcessAuto(ctx, AutoRequest{ShareID: "GOLD", MaxCount: 1}); !errors.Is(err, model.ErrAutoRunInProgress) {
		t.Errorf("expected ErrAutoRunInProgress, got %v", err)
	}
	// Other shares are independent.
	if _, err := h.proc.ProcessAuto(ctx, AutoRequest{ShareID: "LITHIUM", MaxCount: 1}); err != nil {
		t.Errorf("unexpected error for other share: %v", err)
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	var ve *model.ValidationError

	if _, err := h.proc.ProcessSelected(ctx, SelectedRequest{ActorID: "ops"}); !errors.As(err, &ve) {
		t.Errorf("empty order_ids: expected validation error, got %v", err)
	}
	if _, err := h.proc.ProcessSelected(ctx, SelectedRequest{OrderIDs: []string{"A"}}); !errors.As(err, &ve) {
		t.Errorf("missing actor: expected validation error, got %v", err)
	}
	if _, err := h.proc.ProcessAuto(ctx, AutoRequest{ShareID: "GOLD"}); !errors.As(err, &ve) {
		t.Errorf("zero max_count: expected validation error, got %v", err)
	}
}

func TestConcurrentBatches_NeverOverdraw(t *testing.T) {
	const initial = 300000
	h := newHarness(t, initial)
	var ids []string
	for _, share := range []string{"GOLD", "LITHIUM"} {
		for i := 0; i < 20; i++ {
			id := fmt.Sprintf("%s-%d", share, i)
			h.order(t, id, share, 10, 1000)
			ids = append(ids, id)
		}
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, share := range []string{"GOLD", "LITHIUM"} {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(share string) {
				defer wg.Done()
				_, err := h.proc.ProcessAuto(ctx, AutoRequest{ShareID: share, MaxCount: 20})
				if err != nil && !errors.Is(err, model.ErrAutoRunInProgress) {
					t.Errorf("auto %s: %v", share, err)
				}
			}(share)
		}
	}
	for i := 0; i < len(ids); i += 5 {
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			if _, err := h.proc.ProcessSelected(ctx, SelectedRequest{OrderIDs: batch, ActorID: "ops"}); err != nil {
				t.Errorf("selected: %v", err)
			}
		}(ids[i : i+5])
	}
	wg.Wait()

	balance := h.balance(t)
	if balance.IsNegative() {
		t.Fatalf("fund overdrawn: %s", balance)
	}
	paid := decimal.Zero
	perOrder := make(map[string]int64)
	for _, f := range h.store.Fills() {
		paid = paid.Add(f.Amount)
		perOrder[f.OrderID] += f.Quantity
	}
	if !paid.Add(balance).Equal(d(initial)) {
		t.Errorf("money not conserved: paid %s + balance %s != %d", paid, balance, initial)
	}
	for _, id := range ids {
		o := h.get(t, id)
		if o.ProcessedQuantity != perOrder[id] || o.ProcessedQuantity > o.RequestedQuantity {
			t.Errorf("%s: processed %d, fills %d, requested %d", id, o.ProcessedQuantity, perOrder[id], o.RequestedQuantity)
		}
		if o.Status == model.StatusProcessing {
			t.Errorf("%s: claim leaked", id)
		}
	}
}

func TestProperty_AutoNeverSettlesPastUnfinishedOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		balance := rapid.Int64Range(0, 200000).Draw(rt, "balance")
		h := newHarness(rt, float64(balance))
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		for i := 0; i < n; i++ {
			qty := rapid.Int64Range(1, 50).Draw(rt, fmt.Sprintf("qty%d", i))
			price := rapid.IntRange(1, 20).Draw(rt, fmt.Sprintf("price%d", i)) * 100
			h.order(rt, fmt.Sprintf("o%d", i), "GOLD", qty, float64(price))
		}

		b, err := h.proc.ProcessAuto(context.Background(), AutoRequest{ShareID: "GOLD", MaxCount: n})
		if err != nil {
			rt.Fatalf("auto: %v", err)
		}

		unfinished := false
		for _, it := range b.Items {
			if unfinished && it.QuantityFilled > 0 {
				rt.Fatalf("order %s settled after an unfinished earlier order", it.OrderID)
			}
			if !it.Settled {
				unfinished = true
			}
		}

		last := int64(0)
		for _, f := range h.store.Fills() {
			o, err := h.store.GetOrder(context.Background(), f.OrderID)
			if err != nil {
				rt.Fatalf("get order: %v", err)
			}
			if o.QueuePosition < last {
				rt.Fatalf("fill for position %d after position %d", o.QueuePosition, last)
			}
			last = o.QueuePosition
		}

		left := h.balance(rt)
		if left.IsNegative() || !left.Add(b.TotalValue).Equal(decimal.NewFromInt(balance)) {
			rt.Fatalf("balance %s + paid %s != %d", left, b.TotalValue, balance)
		}
	})
}

// pausingStore blocks the first CommitFill until release is closed.
type pausingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *pausingStore) CommitFill(ctx context.Context, fill *model.SettlementFill) (*model.SellOrder, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.CommitFill(ctx, fill)
}

func TestProcessSelected_RetryWhileFirstRunIsSettling(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	ctx := context.Background()

	ps := &pausingStore{MemoryStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	clock := func() time.Time { return fixedNow }
	proc := NewProcessor(ps, guard.New(ps).WithClock(clock), h.locks, nil, fundID).WithClock(clock)
	req := SelectedRequest{BatchID: "retry-1", OrderIDs: []string{"A"}, ActorID: "ops-1"}

	type outcome struct {
		b   *model.SettlementBatch
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		b, err := proc.ProcessSelected(ctx, req)
		done <- outcome{b, err}
	}()
	<-ps.entered

	// Same batch id: refused outright, nothing recorded under the id.
	if _, err := proc.ProcessSelected(ctx, req); !errors.Is(err, model.ErrBatchInProgress) {
		t.Errorf("expected ErrBatchInProgress, got %v", err)
	}
	if _, err := h.store.GetBatch(ctx, "retry-1"); !errors.Is(err, model.ErrBatchNotFound) {
		t.Errorf("retry must not record the batch id, got %v", err)
	}

	// Same orders under a fresh id: every order loses the claim race.
	other, err := proc.ProcessSelected(ctx, SelectedRequest{OrderIDs: []string{"A"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if other.TotalQuantity != 0 || len(other.Items) != 1 || other.Items[0].Reason != "claim_conflict" {
		t.Errorf("expected claim_conflict with nothing filled, got %+v", other.Items)
	}

	close(ps.release)
	first := <-done
	if first.err != nil {
		t.Fatalf("first run: %v", first.err)
	}
	if first.b.Replayed || first.b.Outcome != model.OutcomeCompleted || first.b.TotalQuantity != 10 {
		t.Errorf("expected the first run to report its own fill, got %+v", first.b)
	}

	stored, err := h.store.GetBatch(ctx, "retry-1")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if stored.TotalQuantity != 10 || !stored.TotalValue.Equal(d(10000)) {
		t.Errorf("recorded batch disagrees with fills: %d / %s", stored.TotalQuantity, stored.TotalValue)
	}
	if len(h.store.Fills()) != 1 || !h.balance(t).Equal(d(90000)) {
		t.Errorf("expected exactly one fill, got %d fills and balance %s", len(h.store.Fills()), h.balance(t))
	}

	again, err := proc.ProcessSelected(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Replayed || again.TotalQuantity != 10 {
		t.Errorf("expected replay of the settled batch, got %+v", again)
	}
}

func TestEmergencyHalt_GlobalOverridesSharePolicy(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	ctx := context.Background()
	if err := h.store.UpsertPolicy(ctx, &model.MarketProtectionPolicy{ShareID: "GOLD", DailyVolumeLimit: 1000}); err != nil {
		t.Fatalf("share policy: %v", err)
	}
	if err := h.store.UpsertPolicy(ctx, &model.MarketProtectionPolicy{EmergencyHalt: true}); err != nil {
		t.Fatalf("global policy: %v", err)
	}

	auto, err := h.proc.ProcessAuto(ctx, AutoRequest{ShareID: "GOLD", MaxCount: 1})
	if err != nil {
		t.Fatalf("auto: %v", err)
	}
	manual, err := h.proc.ProcessSelected(ctx, SelectedRequest{OrderIDs: []string{"A"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("selected: %v", err)
	}
	for _, b := range []*model.SettlementBatch{auto, manual} {
		if b.Outcome != model.OutcomeRejected || b.Reason != "emergency_halt" || b.TotalQuantity != 0 {
			t.Errorf("%s: expected rejected/emergency_halt, got %s/%s/%d", b.ProcessingType, b.Outcome, b.Reason, b.TotalQuantity)
		}
	}
	if !h.balance(t).Equal(d(100000)) {
		t.Errorf("balance changed: %s", h.balance(t))
	}
}

func TestProcessSelected_SkipsOrdersInAnotherCurrency(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	ctx := context.Background()
	usd := &model.SellOrder{
		ID:                "B",
		ShareID:           "GOLD",
		AccountID:         "acct-B",
		RequestedQuantity: 5,
		PricePerShare:     d(10),
		Currency:          "USD",
		CreatedAt:         fixedNow,
	}
	if err := h.store.CreateOrder(ctx, usd); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := h.store.Credit(ctx, fundID, "USD", d(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	b, err := h.proc.ProcessSelected(ctx, SelectedRequest{OrderIDs: []string{"A", "B"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Currency != currency || !b.TotalValue.Equal(d(10000)) || b.TotalQuantity != 10 {
		t.Errorf("expected NGN totals for A only, got %s %s / %d", b.Currency, b.TotalValue, b.TotalQuantity)
	}
	if len(b.Items) != 2 || b.Items[1].Reason != "currency_mismatch" || b.Items[1].QuantityFilled != 0 {
		t.Errorf("expected B skipped with currency_mismatch, got %+v", b.Items)
	}
	if o := h.get(t, "B"); o.Status != model.StatusPending {
		t.Errorf("B must stay pending, got %s", o.Status)
	}
}

// staleReads reports every order as processing, the way a cache entry
// written before a claim was released would.
type staleReads struct {
	*store.MemoryStore
}

func (s staleReads) GetOrder(ctx context.Context, id string) (*model.SellOrder, error) {
	o, err := s.MemoryStore.GetOrder(ctx, id)
	if err == nil && !lifecycle.Terminal(o.Status) {
		o.Status = model.StatusProcessing
		o.ClaimedBy = "crashed-batch"
	}
	return o, err
}

func TestProcessSelected_StaleReadDefersToClaim(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	clock := func() time.Time { return fixedNow }
	st := staleReads{h.store}
	proc := NewProcessor(st, guard.New(st).WithClock(clock), h.locks, nil, fundID).WithClock(clock)

	b, err := proc.ProcessSelected(context.Background(), SelectedRequest{OrderIDs: []string{"A"}, ActorID: "ops-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Outcome != model.OutcomeCompleted || b.TotalQuantity != 10 {
		t.Errorf("expected the pending order to settle, got %s/%d (%+v)", b.Outcome, b.TotalQuantity, b.Items)
	}
}

func TestProcessAuto_StopsAtCurrencyChange(t *testing.T) {
	h := newHarness(t, 100000)
	h.order(t, "A", "GOLD", 10, 1000)
	ctx := context.Background()
	usd := &model.SellOrder{ID: "B", ShareID: "GOLD", AccountID: "acct-B", RequestedQuantity: 5, PricePerShare: d(10), Currency: "USD", CreatedAt: fixedNow}
	if err := h.store.CreateOrder(ctx, usd); err != nil {
		t.Fatalf("create order: %v", err)
	}
	h.order(t, "C", "GOLD", 10, 1000)

	b, err := h.proc.ProcessAuto(ctx, AutoRequest{ShareID: "GOLD", MaxCount: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Reason != "currency_mismatch" || len(b.Items) != 2 || b.TotalQuantity != 10 {
		t.Errorf("expected stop at B after settling A, got %s / %+v", b.Reason, b.Items)
	}
	if o := h.get(t, "C"); o.Status != model.StatusPending {
		t.Errorf("C must not be paid ahead of B, got %s", o.Status)
	}
}
