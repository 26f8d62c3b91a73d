// Package guard implements the market protection rules every settlement
// attempt must pass before any fund movement.
//
// Checks run in a fixed order and short-circuit on the first failure:
//  1. emergency halt
//  2. daily settled volume
//  3. weekly settled volume
//  4. daily auto-processing value (auto runs only)
//  5. price drop relative to the last recorded share price
//
// Volume and value aggregates are derived from the fill audit log on every
// call, so they survive restarts and include fills committed earlier in the
// same batch.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minvest/buyback-engine/internal/model"
)

// Source is the read-only view of the store the guard needs.
type Source interface {
	GetPolicy(ctx context.Context, shareID string) (*model.MarketProtectionPolicy, error)
	GetSharePrice(ctx context.Context, shareID string) (*model.SharePrice, error)
	SettledVolumeSince(ctx context.Context, shareID string, since time.Time) (int64, error)
	AutoValueSince(ctx context.Context, currency string, since time.Time) (decimal.Decimal, error)
}

// Proposal describes the settlement about to happen.
type Proposal struct {
	ShareID  string
	Volume   int64
	Value    decimal.Decimal
	Currency string
	Type     model.ProcessingType
}

var denials = []error{
	model.ErrEmergencyHalt,
	model.ErrDailyVolumeExceeded,
	model.ErrWeeklyVolumeExceeded,
	model.ErrAutoProcessingCapExceeded,
	model.ErrPriceProtectionTriggered,
}

// IsDenial reports whether err is a market protection denial rather than
// an infrastructure failure.
func IsDenial(err error) bool {
	for _, d := range denials {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

var hundred = decimal.NewFromInt(100)

// Guard evaluates proposals against the stored policy.
type Guard struct {
	src Source
	now func() time.Time
}

// New creates a guard reading policy and aggregates from src.
func New(src Source) *Guard {
	return &Guard{src: src, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source used for day and week boundaries.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Policy returns the effective policy for a share.
func (g *Guard) Policy(ctx context.Context, shareID string) (*model.MarketProtectionPolicy, error) {
	return g.src.GetPolicy(ctx, shareID)
}

// Halted reports whether settlement of shareID is stopped by its own
// emergency halt or by the global one. Callers use it to refuse a run
// before claiming anything.
func (g *Guard) Halted(ctx context.Context, shareID string) (bool, error) {
	p, err := g.src.GetPolicy(ctx, shareID)
	if err != nil {
		return false, err
	}
	return g.halted(ctx, p)
}

// halted applies the global kill-switch on top of a share policy. A share
// row never overrides a global halt.
func (g *Guard) halted(ctx context.Context, p *model.MarketProtectionPolicy) (bool, error) {
	if p.EmergencyHalt || p.ShareID == "" {
		return p.EmergencyHalt, nil
	}
	global, err := g.src.GetPolicy(ctx, "")
	if err != nil {
		return false, err
	}
	return global.EmergencyHalt, nil
}

// Evaluate returns nil when the proposal is allowed. A denial wraps one of
// the model.Err*Exceeded / halt / price sentinels; any other error is a
// storage failure.
func (g *Guard) Evaluate(ctx context.Context, p Proposal) error {
	policy, err := g.src.GetPolicy(ctx, p.ShareID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	// 1. Kill-switch, share or global.
	halted, err := g.halted(ctx, policy)
	if err != nil {
		return fmt.Errorf("load global policy: %w", err)
	}
	if halted {
		return model.ErrEmergencyHalt
	}

	now := g.now()

	// 2. Daily volume.
	if policy.DailyVolumeLimit > 0 {
		settled, err := g.src.SettledVolumeSince(ctx, p.ShareID, StartOfDay(now))
		if err != nil {
			return fmt.Errorf("daily volume: %w", err)
		}
		if settled+p.Volume > policy.DailyVolumeLimit {
			return fmt.Errorf("%w: %d settled + %d proposed > %d",
				model.ErrDailyVolumeExceeded, settled, p.Volume, policy.DailyVolumeLimit)
		}
	}

	// 3. Weekly volume.
	if policy.WeeklyVolumeLimit > 0 {
		settled, err := g.src.SettledVolumeSince(ctx, p.ShareID, StartOfWeek(now))
		if err != nil {
			return fmt.Errorf("weekly volume: %w", err)
		}
		if settled+p.Volume > policy.WeeklyVolumeLimit {
			return fmt.Errorf("%w: %d settled + %d proposed > %d",
				model.ErrWeeklyVolumeExceeded, settled, p.Volume, policy.WeeklyVolumeLimit)
		}
	}

	// 4. Auto-processing cap.
	if p.Type == model.ProcessingAuto && policy.MaxDailyAutoProcessingAmount.IsPositive() {
		processed, err := g.src.AutoValueSince(ctx, p.Currency, StartOfDay(now))
		if err != nil {
			return fmt.Errorf("auto value: %w", err)
		}
		if processed.Add(p.Value).GreaterThan(policy.MaxDailyAutoProcessingAmount) {
			return fmt.Errorf("%w: %s processed + %s proposed > %s",
				model.ErrAutoProcessingCapExceeded, processed, p.Value, policy.MaxDailyAutoProcessingAmount)
		}
	}

	// 5. Price protection.
	if policy.MaxPriceDropPercentage.IsPositive() && p.Volume > 0 {
		last, err := g.src.GetSharePrice(ctx, p.ShareID)
		if err != nil {
			return fmt.Errorf("share price: %w", err)
		}
		if last != nil && last.Price.IsPositive() {
			implied := p.Value.Div(decimal.NewFromInt(p.Volume))
			drop := last.Price.Sub(implied).Div(last.Price).Mul(hundred)
			if drop.GreaterThan(policy.MaxPriceDropPercentage) {
				return fmt.Errorf("%w: implied price %s is %s%% below %s",
					model.ErrPriceProtectionTriggered, implied, drop.Round(2), last.Price)
			}
		}
	}

	return nil
}

// StartOfDay truncates t to 00:00 UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StartOfWeek returns Monday 00:00 UTC of t's ISO week.
func StartOfWeek(t time.Time) time.Time {
	day := StartOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}
