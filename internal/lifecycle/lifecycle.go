// Package lifecycle governs the legal status transitions of a sell order.
//
//	pending    → partial | completed | cancelled | processing
//	partial    → partial | completed | cancelled | processing
//	processing → pending | partial | completed   (fill or claim release)
//	completed, cancelled: terminal
//
// Stores call into this package before every status write so the rules
// live in one place regardless of backend.
package lifecycle

import (
	"fmt"

	"github.com/minvest/buyback-engine/internal/model"
)

var transitions = map[model.OrderStatus]map[model.OrderStatus]bool{
	model.StatusPending: {
		model.StatusPartial:    true,
		model.StatusCompleted:  true,
		model.StatusCancelled:  true,
		model.StatusProcessing: true,
	},
	model.StatusPartial: {
		model.StatusPartial:    true,
		model.StatusCompleted:  true,
		model.StatusCancelled:  true,
		model.StatusProcessing: true,
	},
	model.StatusProcessing: {
		model.StatusPending:   true,
		model.StatusPartial:   true,
		model.StatusCompleted: true,
	},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to model.OrderStatus) bool {
	return transitions[from][to]
}

// Terminal reports whether no transition out of s exists.
func Terminal(s model.OrderStatus) bool {
	return s == model.StatusCompleted || s == model.StatusCancelled
}

// Claimable reports whether an order in s may be claimed by a batch.
func Claimable(s model.OrderStatus) bool {
	return s == model.StatusPending || s == model.StatusPartial
}

// Transition validates from → to and returns the matching taxonomy error.
func Transition(from, to model.OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	if to == model.StatusCancelled {
		return fmt.Errorf("%w: status %s", model.ErrOrderNotCancellable, from)
	}
	return fmt.Errorf("%w: %s -> %s", model.ErrOrderNotSettleable, from, to)
}

// StatusAfterFill is the resting status once processed shares are applied.
func StatusAfterFill(requested, processed int64) model.OrderStatus {
	if processed >= requested {
		return model.StatusCompleted
	}
	return model.StatusPartial
}

// StatusAfterRelease is the status restored when a claim is dropped
// without a fill.
func StatusAfterRelease(processed int64) model.OrderStatus {
	if processed == 0 {
		return model.StatusPending
	}
	return model.StatusPartial
}

// ValidateFill checks that qty shares may be applied to the order.
// The order is not modified.
func ValidateFill(o *model.SellOrder, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: fill quantity %d must be positive", model.ErrOrderNotSettleable, qty)
	}
	if qty > o.RemainingQuantity() {
		return fmt.Errorf("%w: fill quantity %d exceeds remaining %d",
			model.ErrOrderNotSettleable, qty, o.RemainingQuantity())
	}
	return Transition(o.Status, StatusAfterFill(o.RequestedQuantity, o.ProcessedQuantity+qty))
}
