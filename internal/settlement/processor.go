// Package settlement walks the sell-order queue and settles orders against
// the buyback fund.
//
// Every order goes through the same step sequence: guard check on its
// remaining quantity, claim, size the fill against the current balance,
// then one atomic CommitFill (debit + fill + audit row). Guard denials end
// the batch. Manual batches skip orders they cannot claim or fund, or that
// are priced in another currency; auto batches stop there so no later order
// is paid first. The finished batch is written to the batch recorder and
// broadcast.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minvest/buyback-engine/internal/guard"
	"github.com/minvest/buyback-engine/internal/lifecycle"
	"github.com/minvest/buyback-engine/internal/lock"
	"github.com/minvest/buyback-engine/internal/metrics"
	"github.com/minvest/buyback-engine/internal/model"
	"github.com/minvest/buyback-engine/internal/notify"
	"github.com/minvest/buyback-engine/internal/store"
)

const autoActor = "auto"

// SelectedRequest is an operator-chosen batch. OrderIDs are processed in
// the given order, never re-sorted.
type SelectedRequest struct {
	BatchID  string   `json:"batch_id,omitempty"`
	OrderIDs []string `json:"order_ids"`
	ActorID  string   `json:"actor_id"`
	FundID   string   `json:"fund_id,omitempty"`
}

// AutoRequest settles up to MaxCount orders from the head of a share's queue.
type AutoRequest struct {
	BatchID  string `json:"batch_id,omitempty"`
	ShareID  string `json:"share_id"`
	MaxCount int    `json:"max_count"`
	ActorID  string `json:"actor_id,omitempty"`
	FundID   string `json:"fund_id,omitempty"`
}

// Processor runs settlement batches.
type Processor struct {
	store       store.Store
	guard       *guard.Guard
	locks       lock.Locker
	notifier    notify.Notifier
	defaultFund string
	now         func() time.Time
}

// NewProcessor wires a processor. A nil notifier disables events.
func NewProcessor(st store.Store, g *guard.Guard, locks lock.Locker, n notify.Notifier, defaultFundID string) *Processor {
	if n == nil {
		n = notify.Nop{}
	}
	return &Processor{
		store:       st,
		guard:       g,
		locks:       locks,
		notifier:    n,
		defaultFund: defaultFundID,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for batch and fill stamps.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// plan controls how the per-order step sizes and reacts to shortfalls.
type plan struct {
	typ          model.ProcessingType
	strictFIFO   bool  // auto: never move past an unfundable or contended order
	allOrNothing bool  // full-order shortcut
	maxShares    int64 // payment shortcut; 0 means the whole remainder
}

// result is the per-order outcome before it becomes a BatchItem.
type result struct {
	item model.BatchItem
	err  error // expected condition that prevented or shortened the fill
	stop bool  // end the batch after this order
}

// ProcessSelected settles an explicit list of orders.
func (p *Processor) ProcessSelected(ctx context.Context, req SelectedRequest) (*model.SettlementBatch, error) {
	if len(req.OrderIDs) == 0 {
		return nil, &model.ValidationError{Message: "order_ids is required"}
	}
	if req.ActorID == "" {
		return nil, &model.ValidationError{Message: "actor_id is required"}
	}
	unlockBatch, err := p.lockBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	defer unlockBatch()
	if b, ok, err := p.replay(ctx, req.BatchID); err != nil || ok {
		return b, err
	}

	b := p.newBatch(req.BatchID, req.ActorID, p.fund(req.FundID), model.ProcessingManual)
	b.OrderIDs = dedupe(req.OrderIDs)
	if len(b.OrderIDs) == 0 {
		return nil, &model.ValidationError{Message: "order_ids is required"}
	}
	start := time.Now()

	pl := plan{typ: model.ProcessingManual}
	for _, id := range b.OrderIDs {
		o, err := p.store.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrOrderNotFound) {
				p.addResult(b, result{item: model.BatchItem{OrderID: id}, err: err})
				continue
			}
			return nil, p.abort(ctx, b, err)
		}
		if b.ShareID == "" {
			b.ShareID = o.ShareID
		}
		if b.Currency == "" {
			b.Currency = o.Currency
		}
		if o.Currency != b.Currency {
			p.addResult(b, result{
				item: model.BatchItem{OrderID: o.ID, QueuePosition: o.QueuePosition},
				err:  fmt.Errorf("order %s in %s, batch in %s: %w", o.ID, o.Currency, b.Currency, model.ErrCurrencyMismatch),
			})
			continue
		}
		res, err := p.settleOrder(ctx, b, o, pl)
		if err != nil {
			return nil, p.abort(ctx, b, err)
		}
		p.addResult(b, res)
		if res.stop {
			b.Reason = model.Reason(res.err)
			break
		}
	}

	return p.finish(ctx, b, start)
}

// ProcessAuto settles the head of a share's queue in strict FIFO order.
// Runs for the same share are serialized; a concurrent call fails with
// model.ErrAutoRunInProgress instead of waiting.
func (p *Processor) ProcessAuto(ctx context.Context, req AutoRequest) (*model.SettlementBatch, error) {
	if req.ShareID == "" {
		return nil, &model.ValidationError{Message: "share_id is required"}
	}
	if req.MaxCount <= 0 {
		return nil, &model.ValidationError{Message: "max_count must be positive"}
	}

	unlock, err := p.locks.TryLock(ctx, "auto:"+req.ShareID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, fmt.Errorf("share %s: %w", req.ShareID, model.ErrAutoRunInProgress)
		}
		return nil, fmt.Errorf("acquire share lock: %w", err)
	}
	defer unlock()

	unlockBatch, err := p.lockBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	defer unlockBatch()
	if b, ok, err := p.replay(ctx, req.BatchID); err != nil || ok {
		return b, err
	}

	actor := req.ActorID
	if actor == "" {
		actor = autoActor
	}
	b := p.newBatch(req.BatchID, actor, p.fund(req.FundID), model.ProcessingAuto)
	b.ShareID = req.ShareID
	start := time.Now()

	halted, err := p.guard.Halted(ctx, req.ShareID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if halted {
		b.Reason = model.Reason(model.ErrEmergencyHalt)
		metrics.GuardDenials.WithLabelValues(b.Reason).Inc()
		return p.finish(ctx, b, start)
	}

	pending, err := p.store.ListPending(ctx, req.ShareID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) > req.MaxCount {
		pending = pending[:req.MaxCount]
	}
	if len(pending) == 0 {
		b.Reason = model.Reason(model.ErrNoCandidates)
		return p.finish(ctx, b, start)
	}
	b.Currency = pending[0].Currency
	for _, o := range pending {
		b.OrderIDs = append(b.OrderIDs, o.ID)
	}

	policy, err := p.guard.Policy(ctx, req.ShareID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if policy.AutoProcessingFundThreshold.IsPositive() {
		balance, err := p.store.GetBalance(ctx, b.FundID, b.Currency)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		if balance.LessThan(policy.AutoProcessingFundThreshold) {
			b.Reason = model.Reason(model.ErrFundBelowAutoThreshold)
			return p.finish(ctx, b, start)
		}
	}

	pl := plan{typ: model.ProcessingAuto, strictFIFO: true}
	for i := range pending {
		if o := &pending[i]; o.Currency != b.Currency {
			err := fmt.Errorf("order %s in %s, batch in %s: %w", o.ID, o.Currency, b.Currency, model.ErrCurrencyMismatch)
			p.addResult(b, result{item: model.BatchItem{OrderID: o.ID, QueuePosition: o.QueuePosition}, err: err})
			b.Reason = model.Reason(err)
			break
		}
		res, err := p.settleOrder(ctx, b, &pending[i], pl)
		if err != nil {
			return nil, p.abort(ctx, b, err)
		}
		p.addResult(b, res)
		if res.stop {
			b.Reason = model.Reason(res.err)
			break
		}
	}

	return p.finish(ctx, b, start)
}

// ProcessFullOrder settles one order's entire remainder or nothing. It
// fails with model.ErrInsufficientFundsForFullSettlement when the fund
// cannot cover it.
func (p *Processor) ProcessFullOrder(ctx context.Context, orderID, actorID, fundID string) (*model.SettlementBatch, error) {
	return p.processSingle(ctx, orderID, actorID, fundID, plan{typ: model.ProcessingManual, allOrNothing: true})
}

// ProcessPayment settles as many whole shares of one order as amount buys.
func (p *Processor) ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal, actorID, fundID string) (*model.SettlementBatch, error) {
	if !amount.IsPositive() {
		return nil, &model.ValidationError{Message: "amount must be positive"}
	}
	o, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	shares := amount.Div(o.PricePerShare).Floor().IntPart()
	if shares == 0 {
		return nil, &model.ValidationError{Message: fmt.Sprintf("amount %s buys no shares at %s", amount, o.PricePerShare)}
	}
	return p.processSingle(ctx, orderID, actorID, fundID, plan{typ: model.ProcessingManual, maxShares: shares})
}

func (p *Processor) processSingle(ctx context.Context, orderID, actorID, fundID string, pl plan) (*model.SettlementBatch, error) {
	if actorID == "" {
		return nil, &model.ValidationError{Message: "actor_id is required"}
	}
	o, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	b := p.newBatch("", actorID, p.fund(fundID), pl.typ)
	b.ShareID = o.ShareID
	b.Currency = o.Currency
	b.OrderIDs = []string{o.ID}
	start := time.Now()

	res, err := p.settleOrder(ctx, b, o, pl)
	if err != nil {
		return nil, err
	}
	p.addResult(b, res)
	if res.item.QuantityFilled == 0 {
		// The refused attempt stays in the audit trail; the caller gets the reason.
		b.Reason = model.Reason(res.err)
		if _, err := p.finish(ctx, b, start); err != nil {
			return nil, err
		}
		return nil, res.err
	}
	return p.finish(ctx, b, start)
}

// settleOrder runs the per-order step. A non-nil error is a storage
// failure; expected conditions are reported through result.err.
func (p *Processor) settleOrder(ctx context.Context, b *model.SettlementBatch, o *model.SellOrder, pl plan) (result, error) {
	res := result{item: model.BatchItem{OrderID: o.ID, QueuePosition: o.QueuePosition}}

	// Terminal states are final, so a possibly cached read is enough to rule
	// the order out. Anything else is decided by the Claim compare-and-set.
	if lifecycle.Terminal(o.Status) {
		res.err = fmt.Errorf("order %s status %s: %w", o.ID, o.Status, model.ErrOrderNotSettleable)
		return res, nil
	}

	target := o.RemainingQuantity()
	if pl.maxShares > 0 && pl.maxShares < target {
		target = pl.maxShares
	}

	err := p.guard.Evaluate(ctx, guard.Proposal{
		ShareID:  o.ShareID,
		Volume:   target,
		Value:    o.PricePerShare.Mul(decimal.NewFromInt(target)),
		Currency: o.Currency,
		Type:     pl.typ,
	})
	if err != nil {
		if !guard.IsDenial(err) {
			return res, err
		}
		metrics.GuardDenials.WithLabelValues(model.Reason(err)).Inc()
		slog.Info("settlement denied by market protection",
			"batch_id", b.ID, "order_id", o.ID, "reason", model.Reason(err), "detail", err.Error())
		res.err, res.stop = err, true
		return res, nil
	}

	claimed, err := p.store.Claim(ctx, o.ID, b.ID)
	if err != nil {
		if isSkippable(err) {
			if errors.Is(err, model.ErrClaimConflict) {
				metrics.ClaimConflicts.Inc()
				res.stop = pl.strictFIFO
			}
			res.err = err
			return res, nil
		}
		return res, fmt.Errorf("claim %s: %w", o.ID, err)
	}
	if rem := claimed.RemainingQuantity(); rem < target {
		target = rem
	}

	for attempt := 0; attempt < 2; attempt++ {
		balance, err := p.store.GetBalance(ctx, b.FundID, claimed.Currency)
		if err != nil {
			p.release(ctx, claimed.ID, b.ID)
			return res, fmt.Errorf("read balance: %w", err)
		}

		shares := fillableShares(target, claimed.PricePerShare, balance)
		if pl.allOrNothing && shares < target {
			p.release(ctx, claimed.ID, b.ID)
			res.err = fmt.Errorf("order %s needs %s, fund has %s: %w",
				claimed.ID, claimed.RemainingValue(), balance, model.ErrInsufficientFundsForFullSettlement)
			return res, nil
		}
		if shares == 0 {
			p.release(ctx, claimed.ID, b.ID)
			res.err = fmt.Errorf("order %s: %w", claimed.ID, model.ErrInsufficientFunds)
			res.stop = pl.strictFIFO
			return res, nil
		}

		amount := claimed.PricePerShare.Mul(decimal.NewFromInt(shares))
		updated, err := p.store.CommitFill(ctx, &model.SettlementFill{
			BatchID:        b.ID,
			OrderID:        claimed.ID,
			ShareID:        claimed.ShareID,
			AccountID:      claimed.AccountID,
			FundID:         b.FundID,
			Quantity:       shares,
			Price:          claimed.PricePerShare,
			Amount:         amount,
			Currency:       claimed.Currency,
			ProcessingType: pl.typ,
			CreatedAt:      p.now(),
		})
		if errors.Is(err, model.ErrInsufficientFunds) {
			// Lost a race with another debit; size again against the fresh balance.
			continue
		}
		if err != nil {
			p.release(ctx, claimed.ID, b.ID)
			return res, fmt.Errorf("commit fill %s: %w", claimed.ID, err)
		}

		res.item.QuantityFilled = shares
		res.item.AmountPaid = amount
		res.item.Settled = updated.Status == model.StatusCompleted
		if !res.item.Settled && shares < claimed.RemainingQuantity() && pl.maxShares == 0 {
			// Funds ran out inside this order.
			res.err = fmt.Errorf("order %s: %w", claimed.ID, model.ErrInsufficientFunds)
			res.stop = pl.strictFIFO
		}
		metrics.SharesSettled.WithLabelValues(claimed.ShareID, string(pl.typ)).Add(float64(shares))
		metrics.ValueSettled.WithLabelValues(claimed.Currency, string(pl.typ)).Add(amount.InexactFloat64())
		return res, nil
	}

	p.release(ctx, claimed.ID, b.ID)
	res.err = fmt.Errorf("order %s: %w", claimed.ID, model.ErrInsufficientFunds)
	if pl.allOrNothing {
		res.err = fmt.Errorf("order %s: %w", claimed.ID, model.ErrInsufficientFundsForFullSettlement)
	}
	res.stop = pl.strictFIFO
	return res, nil
}

// fillableShares is floor(min(want*price, balance) / price).
func fillableShares(want int64, price, balance decimal.Decimal) int64 {
	if want <= 0 || !price.IsPositive() || !balance.IsPositive() {
		return 0
	}
	fillAmount := decimal.Min(price.Mul(decimal.NewFromInt(want)), balance)
	return fillAmount.Div(price).Floor().IntPart()
}

func isSkippable(err error) bool {
	return errors.Is(err, model.ErrClaimConflict) ||
		errors.Is(err, model.ErrOrderNotSettleable) ||
		errors.Is(err, model.ErrOrderNotFound)
}

func (p *Processor) release(ctx context.Context, orderID, batchID string) {
	if err := p.store.ReleaseClaim(ctx, orderID, batchID); err != nil {
		slog.Error("release claim failed", "order_id", orderID, "batch_id", batchID, "err", err)
	}
}

func (p *Processor) addResult(b *model.SettlementBatch, res result) {
	res.item.Reason = model.Reason(res.err)
	b.Items = append(b.Items, res.item)
	b.TotalQuantity += res.item.QuantityFilled
	b.TotalValue = b.TotalValue.Add(res.item.AmountPaid)

	switch {
	case res.item.Settled:
		metrics.OrderResults.WithLabelValues("completed").Inc()
	case res.item.QuantityFilled > 0:
		metrics.OrderResults.WithLabelValues("partial").Inc()
	default:
		metrics.OrderResults.WithLabelValues(res.item.Reason).Inc()
	}
}

// finish derives the outcome, records the batch and broadcasts it.
func (p *Processor) finish(ctx context.Context, b *model.SettlementBatch, start time.Time) (*model.SettlementBatch, error) {
	b.Outcome = outcome(b)
	if b.Outcome == model.OutcomeRejected && b.Reason == "" && len(b.Items) > 0 {
		b.Reason = b.Items[0].Reason
	}

	if err := p.store.RecordBatch(ctx, b); err != nil {
		if errors.Is(err, model.ErrDuplicateBatch) && b.TotalQuantity == 0 {
			return p.storedReplay(ctx, b.ID)
		}
		if errors.Is(err, model.ErrDuplicateBatch) {
			// Money moved under an id someone else recorded first.
			slog.Error("settled batch lost its id to another run",
				"batch_id", b.ID, "quantity", b.TotalQuantity, "value", b.TotalValue.String())
		}
		return nil, fmt.Errorf("record batch %s: %w", b.ID, err)
	}

	metrics.BatchesTotal.WithLabelValues(string(b.ProcessingType), string(b.Outcome)).Inc()
	metrics.BatchLatency.WithLabelValues(string(b.ProcessingType)).Observe(time.Since(start).Seconds())
	slog.Info("settlement batch recorded",
		"batch_id", b.ID,
		"type", b.ProcessingType,
		"share_id", b.ShareID,
		"outcome", b.Outcome,
		"orders", len(b.Items),
		"quantity", b.TotalQuantity,
		"value", b.TotalValue.String(),
		"reason", b.Reason,
	)

	p.notifier.Publish(ctx, notify.Event{
		Type:     notify.EventBatchSettled,
		ShareID:  b.ShareID,
		BatchID:  b.ID,
		FundID:   b.FundID,
		Currency: b.Currency,
		Outcome:  string(b.Outcome),
		Payload:  b,
	})
	if b.TotalQuantity > 0 {
		if balance, err := p.store.GetBalance(ctx, b.FundID, b.Currency); err == nil {
			p.notifier.Publish(ctx, notify.Event{
				Type:     notify.EventFundUpdated,
				FundID:   b.FundID,
				Currency: b.Currency,
				Payload:  model.FundBalance{FundID: b.FundID, Currency: b.Currency, Balance: balance, UpdatedAt: p.now()},
			})
		}
	}
	return b, nil
}

// abort handles a storage failure mid-batch. Fills already committed stay
// audited in the fill log; the partial batch is logged for operators.
func (p *Processor) abort(ctx context.Context, b *model.SettlementBatch, err error) error {
	slog.Error("settlement batch aborted",
		"batch_id", b.ID, "type", b.ProcessingType, "share_id", b.ShareID,
		"settled_orders", len(b.Items), "quantity", b.TotalQuantity, "err", err)
	metrics.BatchesTotal.WithLabelValues(string(b.ProcessingType), "aborted").Inc()
	return fmt.Errorf("batch %s: %w", b.ID, err)
}

func outcome(b *model.SettlementBatch) model.BatchOutcome {
	if b.TotalQuantity == 0 {
		return model.OutcomeRejected
	}
	if b.Reason != "" {
		return model.OutcomePartiallyCompleted
	}
	for _, it := range b.Items {
		if !it.Settled {
			return model.OutcomePartiallyCompleted
		}
	}
	return model.OutcomeCompleted
}

// lockBatch holds a caller-supplied batch id for the length of the run so a
// retry cannot record the id while the original is still settling.
func (p *Processor) lockBatch(ctx context.Context, batchID string) (func(), error) {
	if batchID == "" {
		return func() {}, nil
	}
	unlock, err := p.locks.TryLock(ctx, "batch:"+batchID)
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("batch %s: %w", batchID, model.ErrBatchInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire batch lock: %w", err)
	}
	return unlock, nil
}

// replay returns the stored batch when batchID was already recorded.
func (p *Processor) replay(ctx context.Context, batchID string) (*model.SettlementBatch, bool, error) {
	if batchID == "" {
		return nil, false, nil
	}
	b, err := p.storedReplay(ctx, batchID)
	if errors.Is(err, model.ErrBatchNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Processor) storedReplay(ctx context.Context, batchID string) (*model.SettlementBatch, error) {
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	b.Replayed = true
	return b, nil
}

func (p *Processor) newBatch(id, actorID, fundID string, typ model.ProcessingType) *model.SettlementBatch {
	if id == "" {
		id = uuid.New().String()
	}
	return &model.SettlementBatch{
		ID:             id,
		FundID:         fundID,
		ActorID:        actorID,
		OrderIDs:       []string{},
		Items:          []model.BatchItem{},
		ProcessingType: typ,
		TotalValue:     decimal.Zero,
		CreatedAt:      p.now(),
	}
}

func (p *Processor) fund(fundID string) string {
	if fundID != "" {
		return fundID
	}
	return p.defaultFund
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
