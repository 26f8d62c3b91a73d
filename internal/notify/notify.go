// Package notify pushes engine events to dashboards and downstream
// consumers. Publishing never blocks settlement: every sink drops or queues
// rather than wait.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventBatchSettled   = "batch_settled"
	EventOrderCreated   = "order_created"
	EventOrderCancelled = "order_cancelled"
	EventFundUpdated    = "fund_updated"
	EventPolicyUpdated  = "policy_updated"
)

// Event is one outbound notification.
type Event struct {
	Type      string    `json:"type"`
	ShareID   string    `json:"share_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	FundID    string    `json:"fund_id,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier accepts events for delivery.
type Notifier interface {
	Publish(ctx context.Context, evt Event)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	for _, n := range m {
		if n != nil {
			n.Publish(ctx, evt)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
