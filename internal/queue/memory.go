package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/talent-digest/internal/models"
)

// recheckInterval bounds how long Receive sleeps before looking for expired locks.
const recheckInterval = 20 * time.Millisecond

type memMessage struct {
	req         models.DigestRequest
	deliveries  int
	token       string
	lockedUntil time.Time
}

func (m *memMessage) locked(now time.Time) bool {
	return m.token != "" && now.Before(m.lockedUntil)
}

// MemoryConfig tunes the in-process queue.
type MemoryConfig struct {
	MaxDeliveryCount int
	LockDuration     time.Duration
	PollTimeout      time.Duration
}

// Memory is an in-process queue implementing the full lock/visibility state
// machine. It backs tests and single-process deployments.
type Memory struct {
	mu       sync.Mutex
	cfg      MemoryConfig
	messages []*memMessage
	dead     []DeadLetter
	wake     chan struct{}
	now      func() time.Time
}

var (
	_ Producer  = (*Memory)(nil)
	_ Consumer  = (*Memory)(nil)
	_ Inspector = (*Memory)(nil)
)

// NewMemory creates an empty queue. Non-positive settings fall back to
// 3 deliveries, a 5 minute lock and a 1 second poll.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = 3
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 5 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Memory{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Enqueue adds req unless a message with the same id is still pending.
func (q *Memory) Enqueue(_ context.Context, req models.DigestRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req = prepare(req, q.now())
	for _, m := range q.messages {
		if m.req.RequestID == req.RequestID {
			return req.RequestID, nil
		}
	}
	q.messages = append(q.messages, &memMessage{req: req})
	q.signal()
	return req.RequestID, nil
}

// Receive locks the oldest visible message. It blocks until one is available,
// the poll timeout elapses (ErrNoMessage) or ctx is done.
func (q *Memory) Receive(ctx context.Context) (Delivery, error) {
	deadline := time.Now().Add(q.cfg.PollTimeout)
	for {
		if d, ok := q.tryReceive(); ok {
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Delivery{}, ErrNoMessage
		}
		timer := time.NewTimer(min(remaining, recheckInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Memory) tryReceive() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaim(now)
	for _, m := range q.messages {
		if m.token != "" {
			continue
		}
		m.deliveries++
		m.token = uuid.NewString()
		m.lockedUntil = now.Add(q.cfg.LockDuration)
		return Delivery{
			Request:       m.req,
			Token:         m.token,
			DeliveryCount: m.deliveries,
			LockedUntil:   m.lockedUntil,
		}, true
	}
	return Delivery{}, false
}

// reclaim releases expired locks; an expired lock counts like a Nack.
func (q *Memory) reclaim(now time.Time) {
	kept := q.messages[:0]
	for _, m := range q.messages {
		if m.token != "" && !m.locked(now) {
			m.token = ""
			if m.deliveries >= q.cfg.MaxDeliveryCount {
				q.bury(m, ReasonMaxDeliveries+" (lock expired)", now)
				continue
			}
		}
		kept = append(kept, m)
	}
	q.messages = kept
}

// Ack removes the locked message permanently.
func (q *Memory) Ack(_ context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.holder(token)
	if err != nil {
		return err
	}
	q.remove(i)
	return nil
}

// Nack makes the message visible again, or dead-letters it once the delivery
// budget is spent.
func (q *Memory) Nack(_ context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.holder(token)
	if err != nil {
		return err
	}
	m := q.messages[i]
	m.token = ""
	m.lockedUntil = time.Time{}
	if m.deliveries >= q.cfg.MaxDeliveryCount {
		q.remove(i)
		q.bury(m, ReasonMaxDeliveries, q.now())
		return nil
	}
	q.signal()
	return nil
}

// DeadLetter moves the locked message to the dead-letter sink.
func (q *Memory) DeadLetter(_ context.Context, token, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.holder(token)
	if err != nil {
		return err
	}
	m := q.messages[i]
	q.remove(i)
	q.bury(m, reason, q.now())
	return nil
}

// Depth counts messages not yet acked or dead-lettered, locked ones included.
func (q *Memory) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.messages)), nil
}

// DeadLetters lists the most recent dead-lettered entries, oldest first.
func (q *Memory) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := 0
	if limit > 0 && len(q.dead) > limit {
		start = len(q.dead) - limit
	}
	return append([]DeadLetter(nil), q.dead[start:]...), nil
}

// Replay moves a dead-lettered request back to the live queue with a fresh
// delivery budget.
func (q *Memory) Replay(_ context.Context, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.dead) - 1; i >= 0; i-- {
		if q.dead[i].Request.RequestID != requestID {
			continue
		}
		req := q.dead[i].Request
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		q.messages = append(q.messages, &memMessage{req: req})
		q.signal()
		return nil
	}
	return ErrNotDeadLettered
}

func (q *Memory) holder(token string) (int, error) {
	now := q.now()
	for i, m := range q.messages {
		if m.token == token && token != "" {
			if !m.locked(now) {
				return -1, ErrLockLost
			}
			return i, nil
		}
	}
	return -1, ErrLockLost
}

func (q *Memory) remove(i int) {
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
}

func (q *Memory) bury(m *memMessage, reason string, now time.Time) {
	q.dead = append(q.dead, DeadLetter{
		Request:        m.req,
		Reason:         reason,
		DeliveryCount:  m.deliveries,
		DeadLetteredAt: now.UTC(),
	})
}

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
