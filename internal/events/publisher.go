// Package events publishes entry lifecycle changes to interested parties.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/kafka"
)

// DefaultTopic receives every entry lifecycle event.
const DefaultTopic = "scheduler.entries.events"

// Publisher receives entry lifecycle events. Implementations must be safe for
// concurrent use; a failing publisher never affects scheduling.
type Publisher interface {
	Publish(ctx context.Context, ev domain.EntryEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, domain.EntryEvent) error { return nil }

// Log writes every event to a logger at debug level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Publish(ctx context.Context, ev domain.EntryEvent) error {
	l.Logger.DebugContext(ctx, "entry event",
		slog.String("kind", string(ev.Kind)),
		slog.String("entry_id", ev.EntryID),
		slog.String("action", ev.ActionID),
		slog.String("from", string(ev.From)),
		slog.String("to", string(ev.To)),
	)
	return nil
}

// KafkaPublisher writes events as JSON, keyed by entry ID.
type KafkaPublisher struct {
	producer kafka.Producer
	topic    string
}

// NewKafkaPublisher returns a publisher writing to topic (DefaultTopic if empty).
func NewKafkaPublisher(producer kafka.Producer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.EntryEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal entry event: %w", err)
	}
	return p.producer.Publish(ctx, p.topic, ev.EntryID, raw)
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev domain.EntryEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
