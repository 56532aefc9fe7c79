package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/talent-digest/internal/models"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestQueue(maxDeliveries int) (*Memory, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	q := NewMemory(MemoryConfig{
		MaxDeliveryCount: maxDeliveries,
		LockDuration:     time.Minute,
		PollTimeout:      30 * time.Millisecond,
	})
	q.now = clock.now
	return q, clock
}

func request(id string) models.DigestRequest {
	return models.DigestRequest{
		RequestID:          id,
		Audience:           models.AudienceAdvisor,
		RequesterReference: "chat:1",
		Filters:            models.Filters{MaxCount: 3},
	}
}

func TestEnqueueGeneratesIDAndTimestamp(t *testing.T) {
	q, clock := newTestQueue(3)
	id, err := q.Enqueue(context.Background(), models.DigestRequest{Audience: models.AudienceAll})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, d.Request.RequestID)
	require.Equal(t, clock.t, d.Request.EnqueuedAt)
}

func TestEnqueueCollapsesPendingDuplicates(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(3)

	_, err := q.Enqueue(ctx, request("dup"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("dup"))
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestReceiveTimesOutWhenEmpty(t *testing.T) {
	q, _ := newTestQueue(3)
	_, err := q.Receive(context.Background())
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestReceiveHonoursContext(t *testing.T) {
	q, _ := newTestQueue(3)
	q.cfg.PollTimeout = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLockedMessageIsInvisible(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(3)
	_, _ = q.Enqueue(ctx, request("a"))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, d.DeliveryCount)

	_, err = q.Receive(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, q.Ack(ctx, d.Token))
	depth, _ := q.Depth(ctx)
	require.Zero(t, depth)
	require.ErrorIs(t, q.Ack(ctx, d.Token), ErrLockLost)
}

func TestNackRedeliversWithIncrementedCount(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(3)
	_, _ = q.Enqueue(ctx, request("a"))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, first.Token))

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, second.DeliveryCount)
	require.NotEqual(t, first.Token, second.Token)
}

func TestNackDeadLettersAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(3)
	_, _ = q.Enqueue(ctx, request("a"))

	for i := 1; i <= 3; i++ {
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, i, d.DeliveryCount)
		require.NoError(t, q.Nack(ctx, d.Token))
	}

	_, err := q.Receive(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "a", dead[0].Request.RequestID)
	require.Equal(t, 3, dead[0].DeliveryCount)
	require.Equal(t, ReasonMaxDeliveries, dead[0].Reason)
}

func TestLockExpiryMakesMessageVisibleAgain(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(3)
	_, _ = q.Enqueue(ctx, request("a"))

	stale, err := q.Receive(ctx)
	require.NoError(t, err)
	clock.advance(time.Minute + time.Second)

	require.ErrorIs(t, q.Ack(ctx, stale.Token), ErrLockLost)

	fresh, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, fresh.DeliveryCount)
	require.ErrorIs(t, q.Ack(ctx, stale.Token), ErrLockLost)
	require.NoError(t, q.Ack(ctx, fresh.Token))
}

func TestLockExpiryOnLastDeliveryDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(1)
	_, _ = q.Enqueue(ctx, request("a"))

	_, err := q.Receive(ctx)
	require.NoError(t, err)
	clock.advance(2 * time.Minute)

	_, err = q.Receive(ctx)
	require.ErrorIs(t, err, ErrNoMessage)
	dead, _ := q.DeadLetters(ctx, 0)
	require.Len(t, dead, 1)
}

func TestExplicitDeadLetterAndReplay(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(3)
	_, _ = q.Enqueue(ctx, request("a"))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, d.Token, "quality gate: identity leak"))

	dead, _ := q.DeadLetters(ctx, 10)
	require.Len(t, dead, 1)
	require.Equal(t, "quality gate: identity leak", dead[0].Reason)
	require.Equal(t, 1, dead[0].DeliveryCount)

	require.NoError(t, q.Replay(ctx, "a"))
	dead, _ = q.DeadLetters(ctx, 10)
	require.Empty(t, dead)

	again, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, again.DeliveryCount)

	err = q.Replay(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotDeadLettered))
}

func TestDeadLettersLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(1)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = q.Enqueue(ctx, request(id))
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, d.Token))
	}

	dead, err := q.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	require.Equal(t, "b", dead[0].Request.RequestID)
	require.Equal(t, "c", dead[1].Request.RequestID)
}

func TestHeaderInt(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{
		{Key: headerDeliveryCount, Value: []byte("2")},
		{Key: "error", Value: []byte("boom")},
	}}
	require.Equal(t, 2, headerInt(msg, headerDeliveryCount))
	require.Equal(t, "boom", headerString(msg, "error"))
	require.Zero(t, headerInt(msg, "missing"))
	require.Zero(t, headerInt(kafka.Message{Headers: []kafka.Header{{Key: headerDeliveryCount, Value: []byte("-4")}}}, headerDeliveryCount))
}

func TestNewKafkaValidatesConfig(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Topic: "t"})
	require.Error(t, err)
	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Consume: true})
	require.Error(t, err)

	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	require.Equal(t, "t_dlq", k.dlqTopic)
	require.ErrorIs(t, k.Ack(context.Background(), "nope"), ErrLockLost)
	require.NoError(t, k.Close())
}
