// Package scheduler re-invokes automatic settlement on a fixed interval and
// recovers claims abandoned by a crashed batch.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/minvest/buyback-engine/internal/metrics"
	"github.com/minvest/buyback-engine/internal/model"
	"github.com/minvest/buyback-engine/internal/settlement"
)

// AutoProcessor is the part of settlement.Processor the scheduler drives.
type AutoProcessor interface {
	ProcessAuto(ctx context.Context, req settlement.AutoRequest) (*model.SettlementBatch, error)
}

// ClaimReaper releases claims older than a cutoff.
type ClaimReaper interface {
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
}

// AutoRunner ticks through the configured shares.
type AutoRunner struct {
	proc         AutoProcessor
	reaper       ClaimReaper
	shares       []string
	batchSize    int
	interval     time.Duration
	claimTimeout time.Duration
	now          func() time.Time
}

// NewAutoRunner creates a runner for shares.
func NewAutoRunner(proc AutoProcessor, reaper ClaimReaper, shares []string, batchSize int, interval, claimTimeout time.Duration) *AutoRunner {
	return &AutoRunner{
		proc:         proc,
		reaper:       reaper,
		shares:       shares,
		batchSize:    batchSize,
		interval:     interval,
		claimTimeout: claimTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start launches a background goroutine that ticks at the configured
// interval. It stops when ctx is cancelled.
func (a *AutoRunner) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Tick(ctx)
			}
		}
	}()
}

// Tick reaps stale claims, then runs one auto batch per share. Failures
// are logged and retried on the next tick.
func (a *AutoRunner) Tick(ctx context.Context) {
	if a.reaper != nil {
		released, err := a.reaper.ReleaseStaleClaims(ctx, a.now().Add(-a.claimTimeout))
		if err != nil {
			slog.Error("release stale claims failed", "err", err)
		} else if released > 0 {
			metrics.StaleClaimsReleased.Add(float64(released))
			slog.Warn("released stale claims", "count", released)
		}
	}

	for _, share := range a.shares {
		if ctx.Err() != nil {
			return
		}
		b, err := a.proc.ProcessAuto(ctx, settlement.AutoRequest{ShareID: share, MaxCount: a.batchSize})
		switch {
		case errors.Is(err, model.ErrAutoRunInProgress):
			slog.Debug("auto run skipped, previous run still active", "share_id", share)
		case err != nil:
			slog.Error("auto run failed", "share_id", share, "err", err)
		case b.TotalQuantity > 0:
			slog.Info("auto run settled", "share_id", share, "batch_id", b.ID, "outcome", b.Outcome, "quantity", b.TotalQuantity)
		}
	}
}
