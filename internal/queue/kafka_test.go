package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/talent-digest/internal/logger"
	"github.com/DeafMist/talent-digest/internal/models"
)

// events records publish and commit calls in the order they reach the broker.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

type fakeReader struct {
	events    *events
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
		r.events.add("commit " + strconv.FormatInt(m.Offset, 10))
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	name     string
	events   *events
	failures int
	written  []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	for _, m := range msgs {
		m.Offset = int64(len(w.written))
		m.Time = time.Now()
		w.written = append(w.written, m)
		w.events.add(w.name + " " + string(m.Key))
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakePartition struct {
	msgs []kafka.Message
	next int64
}

func (p *fakePartition) SetOffset(offset int64) error {
	p.next = offset
	return nil
}

func (p *fakePartition) ReadMessage(_ context.Context) (kafka.Message, error) {
	for _, m := range p.msgs {
		if m.Offset >= p.next {
			p.next = m.Offset + 1
			return m, nil
		}
	}
	return kafka.Message{}, io.EOF
}

func (p *fakePartition) Close() error { return nil }

type fakeCluster struct {
	dlq       *fakeWriter
	meta      *kafka.MetadataResponse
	offsets   []kafka.PartitionOffsets
	committed *kafka.OffsetFetchResponse
}

func (c *fakeCluster) Metadata(context.Context, *kafka.MetadataRequest) (*kafka.MetadataResponse, error) {
	return c.meta, nil
}

func (c *fakeCluster) ListOffsets(_ context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error) {
	resp := &kafka.ListOffsetsResponse{Topics: map[string][]kafka.PartitionOffsets{}}
	for topic := range req.Topics {
		if topic == "digests_dlq" {
			resp.Topics[topic] = []kafka.PartitionOffsets{{Partition: 0, FirstOffset: 0, LastOffset: int64(len(c.dlq.written))}}
			continue
		}
		resp.Topics[topic] = c.offsets
	}
	return resp, nil
}

func (c *fakeCluster) OffsetFetch(context.Context, *kafka.OffsetFetchRequest) (*kafka.OffsetFetchResponse, error) {
	return c.committed, nil
}

type kafkaFixture struct {
	queue   *Kafka
	events  *events
	reader  *fakeReader
	writer  *fakeWriter
	dlq     *fakeWriter
	cluster *fakeCluster
}

func newKafkaFixture(maxDeliveries int, msgs ...kafka.Message) *kafkaFixture {
	ev := &events{}
	f := &kafkaFixture{
		events: ev,
		reader: &fakeReader{events: ev, msgs: msgs},
		writer: &fakeWriter{name: "publish", events: ev},
		dlq:    &fakeWriter{name: "dlq", events: ev},
	}
	f.cluster = &fakeCluster{dlq: f.dlq}
	f.queue = &Kafka{
		cfg: KafkaConfig{
			Topic:            "digests",
			GroupID:          "digest-worker",
			MaxDeliveryCount: maxDeliveries,
			LockDuration:     time.Minute,
			PollTimeout:      20 * time.Millisecond,
		},
		dlqTopic:   "digests_dlq",
		log:        logger.Discard(),
		reader:     f.reader,
		writer:     f.writer,
		dlqWriter:  f.dlq,
		client:     f.cluster,
		openDLQ:    func() partitionReader { return &fakePartition{msgs: f.dlq.written} },
		dlqBackoff: time.Millisecond,
		inflight:   make(map[string]inflight),
	}
	return f
}

func record(t *testing.T, offset int64, id string, deliveries int) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(request(id))
	require.NoError(t, err)
	return kafka.Message{
		Topic:     "digests",
		Partition: 0,
		Offset:    offset,
		Key:       []byte(id),
		Value:     payload,
		Headers:   []kafka.Header{{Key: headerDeliveryCount, Value: []byte(strconv.Itoa(deliveries))}},
	}
}

func TestKafkaReceiveCountsFromHeader(t *testing.T) {
	f := newKafkaFixture(3, record(t, 4, "r1", 1))

	d, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "r1", d.Request.RequestID)
	require.Equal(t, 2, d.DeliveryCount)
	require.NotEmpty(t, d.Token)
	require.True(t, d.LockedUntil.After(time.Now()))
}

func TestKafkaReceiveTimesOutWhenEmpty(t *testing.T) {
	f := newKafkaFixture(3)

	_, err := f.queue.Receive(context.Background())
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestKafkaAckCommits(t *testing.T) {
	f := newKafkaFixture(3, record(t, 9, "r1", 0))
	ctx := context.Background()

	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Ack(ctx, d.Token))
	require.Equal(t, []int64{9}, f.reader.committed)
	require.ErrorIs(t, f.queue.Ack(ctx, d.Token), ErrLockLost)
}

func TestKafkaNackRepublishesThenCommits(t *testing.T) {
	f := newKafkaFixture(3, record(t, 4, "r1", 0))
	ctx := context.Background()

	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Nack(ctx, d.Token))

	require.Len(t, f.writer.written, 1)
	again := f.writer.written[0]
	require.Equal(t, "r1", string(again.Key))
	require.Equal(t, 1, headerInt(again, headerDeliveryCount))
	require.Equal(t, "r1", headerString(again, headerRequestID))
	require.Equal(t, []string{"publish r1", "commit 4"}, f.events.log)
	require.Empty(t, f.dlq.written)
}

func TestKafkaNackPublishFailureLeavesRecordUncommitted(t *testing.T) {
	f := newKafkaFixture(3, record(t, 4, "r1", 0))
	f.writer.failures = 1
	ctx := context.Background()

	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.Error(t, f.queue.Nack(ctx, d.Token))
	require.Empty(t, f.reader.committed)
}

func TestKafkaNackOnLastDeliveryDeadLetters(t *testing.T) {
	f := newKafkaFixture(3, record(t, 12, "r1", 2))
	ctx := context.Background()

	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, d.DeliveryCount)
	require.NoError(t, f.queue.Nack(ctx, d.Token))

	require.Empty(t, f.writer.written)
	require.Len(t, f.dlq.written, 1)
	buried := f.dlq.written[0]
	require.Equal(t, ReasonMaxDeliveries, headerString(buried, "error"))
	require.Equal(t, 3, headerInt(buried, headerDeliveryCount))
	require.Equal(t, []string{"dlq r1", "commit 12"}, f.events.log)
}

func TestKafkaDeadLetterSetsHeaders(t *testing.T) {
	f := newKafkaFixture(3, record(t, 7, "r1", 0))
	ctx := context.Background()

	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.DeadLetter(ctx, d.Token, "quality gate: identity_leak"))

	require.Len(t, f.dlq.written, 1)
	buried := f.dlq.written[0]
	require.Equal(t, "r1", string(buried.Key))
	require.Equal(t, "r1", headerString(buried, headerRequestID))
	require.Equal(t, 1, headerInt(buried, headerDeliveryCount))
	require.Equal(t, "0", headerString(buried, "original_partition"))
	require.Equal(t, "7", headerString(buried, "original_offset"))
	require.Equal(t, "quality gate: identity_leak", headerString(buried, "error"))
	_, err = time.Parse(time.RFC3339, headerString(buried, "timestamp"))
	require.NoError(t, err)
	require.Equal(t, []int64{7}, f.reader.committed)
}

func TestKafkaDeadLetterRetriesWrite(t *testing.T) {
	f := newKafkaFixture(3, record(t, 7, "r1", 0))
	f.dlq.failures = 2
	ctx := context.Background()

	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.DeadLetter(ctx, d.Token, "boom"))
	require.Len(t, f.dlq.written, 1)
	require.Equal(t, []int64{7}, f.reader.committed)
}

func TestKafkaDeadLetterWriteFailureLeavesRecordUncommitted(t *testing.T) {
	f := newKafkaFixture(3, record(t, 7, "r1", 0))
	f.dlq.failures = dlqWriteAttempts
	ctx := context.Background()

	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	err = f.queue.DeadLetter(ctx, d.Token, "boom")
	require.ErrorContains(t, err, "write DLQ")
	require.Empty(t, f.reader.committed)
}

func TestKafkaReceiveBuriesPoisonMessage(t *testing.T) {
	poison := kafka.Message{Topic: "digests", Offset: 3, Key: []byte("bad"), Value: []byte("{not json")}
	f := newKafkaFixture(3, poison, record(t, 4, "r1", 0))

	d, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "r1", d.Request.RequestID)

	require.Len(t, f.dlq.written, 1)
	require.Contains(t, headerString(f.dlq.written[0], "error"), "decode request")
	require.Equal(t, []int64{3}, f.reader.committed)
}

func TestKafkaDepthSumsGroupLag(t *testing.T) {
	f := newKafkaFixture(3)
	f.cluster.meta = &kafka.MetadataResponse{Topics: []kafka.Topic{{
		Name:       "digests",
		Partitions: []kafka.Partition{{ID: 0}, {ID: 1}},
	}}}
	f.cluster.offsets = []kafka.PartitionOffsets{
		{Partition: 0, FirstOffset: 0, LastOffset: 10},
		{Partition: 1, FirstOffset: 5, LastOffset: 8},
	}
	f.cluster.committed = &kafka.OffsetFetchResponse{Topics: map[string][]kafka.OffsetFetchPartition{
		"digests": {{Partition: 0, CommittedOffset: 4}, {Partition: 1, CommittedOffset: -1}},
	}}

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(6+3), depth)
}

func TestKafkaDeadLettersAndReplay(t *testing.T) {
	f := newKafkaFixture(3, record(t, 1, "a", 0), record(t, 2, "b", 0))
	ctx := context.Background()

	for _, reason := range []string{"first", "second"} {
		d, err := f.queue.Receive(ctx)
		require.NoError(t, err)
		require.NoError(t, f.queue.DeadLetter(ctx, d.Token, reason))
	}

	dead, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	require.Equal(t, "a", dead[0].Request.RequestID)
	require.Equal(t, "second", dead[1].Reason)

	newest, err := f.queue.DeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	require.Equal(t, "b", newest[0].Request.RequestID)

	require.NoError(t, f.queue.Replay(ctx, "a"))
	require.Len(t, f.writer.written, 1)
	replayed := f.writer.written[0]
	require.Equal(t, "a", string(replayed.Key))
	require.Zero(t, headerInt(replayed, headerDeliveryCount))

	var req models.DigestRequest
	require.NoError(t, json.Unmarshal(replayed.Value, &req))
	require.Equal(t, models.AudienceAdvisor, req.Audience)

	require.ErrorIs(t, f.queue.Replay(ctx, "missing"), ErrNotDeadLettered)
}
