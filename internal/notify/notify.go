// Package notify tells the front end that a digest is ready. Delivery is
// retried on its own; it never triggers regeneration.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Notifier delivers a result reference to the requester's callback.
type Notifier interface {
	Notify(ctx context.Context, requesterReference, resultReference string) error
}

// Event is the message published on the results topic.
type Event struct {
	RequesterReference string    `json:"requester_reference"`
	ResultReference    string    `json:"result_reference"`
	ReadyAt            time.Time `json:"ready_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes delivery events, retrying with exponential backoff.
type Kafka struct {
	writer   messageWriter
	closer   func() error
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

var _ Notifier = (*Kafka)(nil)

// NewKafka creates a notifier writing to topic.
func NewKafka(brokers []string, topic string, log *slog.Logger) *Kafka {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     brokers,
		Topic:       topic,
		Balancer:    &kafka.Hash{},
		MaxAttempts: 3,
	})
	return &Kafka{writer: w, closer: w.Close, attempts: 4, backoff: 500 * time.Millisecond, log: log}
}

func (k *Kafka) Close() error {
	if k.closer == nil {
		return nil
	}
	return k.closer()
}

func (k *Kafka) Notify(ctx context.Context, requesterReference, resultReference string) error {
	payload, err := json.Marshal(Event{
		RequesterReference: requesterReference,
		ResultReference:    resultReference,
		ReadyAt:            time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal delivery event: %w", err)
	}
	msg := kafka.Message{Key: []byte(resultReference), Value: payload}

	var lastErr error
	for attempt := range k.attempts {
		if lastErr = k.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt == k.attempts-1 {
			break
		}
		wait := k.backoff * time.Duration(1<<uint(attempt))
		k.log.Warn("delivery event write failed, retrying",
			slog.String("result_reference", resultReference),
			slog.Any("err", lastErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish delivery event: %w", lastErr)
}
