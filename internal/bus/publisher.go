// Package bus publishes changed-item events to NATS JetStream. The stream is
// the hand-off point between the sync engine and the downstream
// classification pipeline; broker-side message-ID deduplication keeps the
// at-least-once executor idempotent.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Sink is the executor's change-event output. Publish must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
	Close()
}

// Stream retention and dedup tuning.
const (
	dedupWindow = 10 * time.Minute
	maxAge      = 30 * 24 * time.Hour
)

// Publisher is a JetStream-backed Sink.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewPublisher connects to NATS and ensures the change-event stream exists.
// The stream subscribes to "<prefix>.>" subjects.
func NewPublisher(url, stream, subjectPrefix string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("bus: connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: getting JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, stream: stream}

	if err := p.ensureStream(subjectPrefix); err != nil {
		nc.Close()
		return nil, err
	}

	return p, nil
}

// ensureStream creates the stream if it does not already exist.
func (p *Publisher) ensureStream(subjectPrefix string) error {
	if info, err := p.js.StreamInfo(p.stream); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: dedupWindow,
		MaxAge:     maxAge,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}

		return fmt.Errorf("bus: creating stream %s: %w", p.stream, err)
	}

	return nil
}

// Publish sends one event with broker-side deduplication on msgID.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("bus: publishing to %s: %w", subject, err)
	}

	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// NopSink discards events. Used when no NATS URL is configured and in tests.
type NopSink struct{}

// Publish discards the event.
func (NopSink) Publish(context.Context, string, []byte, string) error { return nil }

// Close is a no-op.
func (NopSink) Close() {}
