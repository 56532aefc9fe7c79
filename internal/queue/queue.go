// Package queue carries DigestRequest messages between the API and the workers
// with at-least-once delivery, per-message locks and a dead-letter sink.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/talent-digest/internal/models"
)

var (
	// ErrNoMessage is returned by Receive when the poll timeout elapses with nothing to deliver.
	ErrNoMessage = errors.New("no message available")
	// ErrLockLost means the token is unknown, already settled or its lock expired.
	ErrLockLost = errors.New("lock token is no longer valid")
	// ErrNotDeadLettered is returned by Replay for ids absent from the dead-letter sink.
	ErrNotDeadLettered = errors.New("request is not dead-lettered")
)

// Delivery is one locked delivery attempt of a request.
type Delivery struct {
	Request       models.DigestRequest
	Token         string
	DeliveryCount int
	LockedUntil   time.Time
}

// DeadLetter is an entry of the dead-letter sink.
type DeadLetter struct {
	Request        models.DigestRequest `json:"request"`
	Reason         string               `json:"reason"`
	DeliveryCount  int                  `json:"delivery_count"`
	DeadLetteredAt time.Time            `json:"dead_lettered_at"`
}

// Producer accepts new requests.
type Producer interface {
	Enqueue(ctx context.Context, req models.DigestRequest) (string, error)
}

// Consumer is the worker-side contract. Every Delivery must be settled with
// exactly one of Ack, Nack or DeadLetter.
type Consumer interface {
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, token string) error
	Nack(ctx context.Context, token string) error
	DeadLetter(ctx context.Context, token, reason string) error
}

// Inspector exposes depth for autoscaling and the operator view of the dead-letter sink.
type Inspector interface {
	Depth(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Replay(ctx context.Context, requestID string) error
}

// ReasonMaxDeliveries is recorded when a message exhausts its delivery budget.
const ReasonMaxDeliveries = "max delivery count exceeded"

// prepare fills the server-side defaults of a request before it is published.
func prepare(req models.DigestRequest, now time.Time) models.DigestRequest {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now.UTC()
	}
	return req
}
