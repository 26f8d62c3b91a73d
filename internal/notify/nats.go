package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName    = "BUYBACK_EVENTS"
	subjectPrefix = "buyback.events"
)

// NATSPublisher publishes events to JetStream subjects
// buyback.events.{type}[.{share_id}] from a background loop.
type NATSPublisher struct {
	js    jetstream.JetStream
	queue chan Event
}

// NewNATSPublisher creates a publisher with a bounded in-memory queue.
func NewNATSPublisher(js jetstream.JetStream, buffer int) *NATSPublisher {
	return &NATSPublisher{js: js, queue: make(chan Event, buffer)}
}

// Publish enqueues the event; it is dropped if the queue is full.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	select {
	case p.queue <- evt:
	default:
		slog.Warn("nats publish queue full, dropping event", "type", evt.Type, "batch_id", evt.BatchID)
	}
}

// Run drains the queue until ctx is cancelled. Publish failures are logged;
// consumers can always rebuild state from the batch audit trail.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				slog.Warn("nats publish failed", "type", evt.Type, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(evt), data)
	return err
}

// Subject builds the JetStream subject for an event.
func Subject(evt Event) string {
	subject := fmt.Sprintf("%s.%s", subjectPrefix, evt.Type)
	if evt.ShareID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.ShareID)
	}
	return subject
}

// ConnectNATS establishes a NATS connection, a JetStream context, and makes
// sure the events stream exists.
func ConnectNATS(ctx context.Context, url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nc, js, nil
}
