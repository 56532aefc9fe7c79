package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/talent-digest/internal/models"
)

const (
	headerDeliveryCount = "delivery_count"
	headerRequestID     = "request_id"
	dlqWriteAttempts    = 5
)

// KafkaConfig configures the Kafka-backed queue.
type KafkaConfig struct {
	Brokers          []string
	Topic            string
	GroupID          string
	MaxDeliveryCount int
	// LockDuration is the processing deadline of a delivery. A consumer group
	// cannot hide a single record, so the lock is enforced by the worker's context.
	LockDuration time.Duration
	PollTimeout  time.Duration
	// Consume enables the group reader; producers and inspectors leave it off.
	Consume bool
	Logger  *slog.Logger
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type partitionReader interface {
	SetOffset(offset int64) error
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type clusterClient interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	ListOffsets(ctx context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error)
	OffsetFetch(ctx context.Context, req *kafka.OffsetFetchRequest) (*kafka.OffsetFetchResponse, error)
}

type inflight struct {
	msg   kafka.Message
	req   models.DigestRequest
	count int
}

// Kafka implements the queue on a topic consumed by a single consumer group.
// Retries are re-published with an incremented delivery_count header and the
// original record is committed; dead letters go to <topic>_dlq.
type Kafka struct {
	cfg      KafkaConfig
	dlqTopic string
	log      *slog.Logger

	reader    messageReader
	writer    messageWriter
	dlqWriter messageWriter
	client    clusterClient

	// openDLQ returns a reader on partition 0 of the DLQ topic.
	openDLQ    func() partitionReader
	dlqBackoff time.Duration

	mu       sync.Mutex
	inflight map[string]inflight
}

var (
	_ Producer  = (*Kafka)(nil)
	_ Consumer  = (*Kafka)(nil)
	_ Inspector = (*Kafka)(nil)
)

// NewKafka builds the writers and, when cfg.Consume is set, the group reader.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	if cfg.Consume && cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group is required to consume")
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = 3
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	k := &Kafka{
		cfg:      cfg,
		dlqTopic: cfg.Topic + "_dlq",
		log:      cfg.Logger,
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			Balancer:    &kafka.Hash{},
			MaxAttempts: 3,
		}),
		dlqWriter: kafka.NewWriter(kafka.WriterConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic + "_dlq",
			MaxAttempts: 3,
		}),
		client:     &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: 10 * time.Second},
		dlqBackoff: time.Second,
		inflight:   make(map[string]inflight),
	}
	k.openDLQ = func() partitionReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     k.dlqTopic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
	}
	if cfg.Consume {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // manual commit only
		})
	}
	return k, nil
}

// Close releases the reader and writers.
func (k *Kafka) Close() error {
	var errs []error
	if k.reader != nil {
		errs = append(errs, k.reader.Close())
	}
	errs = append(errs, k.writer.Close(), k.dlqWriter.Close())
	return errors.Join(errs...)
}

// Enqueue publishes req keyed by its request id. Duplicates are collapsed by
// the worker's audit check, not here.
func (k *Kafka) Enqueue(ctx context.Context, req models.DigestRequest) (string, error) {
	req = prepare(req, time.Now())
	if err := k.publish(ctx, req, 0); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

func (k *Kafka) publish(ctx context.Context, req models.DigestRequest, deliveries int) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(req.RequestID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerRequestID, Value: []byte(req.RequestID)},
			{Key: headerDeliveryCount, Value: []byte(strconv.Itoa(deliveries))},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish request %s: %w", req.RequestID, err)
	}
	return nil
}

// Receive fetches the next record for this group. Undecodable records are
// dead-lettered on the spot and skipped.
func (k *Kafka) Receive(ctx context.Context) (Delivery, error) {
	if k.reader == nil {
		return Delivery{}, errors.New("kafka queue opened without a consumer")
	}
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, k.cfg.PollTimeout)
		msg, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return Delivery{}, ErrNoMessage
			}
			return Delivery{}, fmt.Errorf("fetch message: %w", err)
		}

		var req models.DigestRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil || req.RequestID == "" {
			reason := "undecodable request"
			if err != nil {
				reason = fmt.Sprintf("decode request: %v", err)
			}
			k.log.Warn("poison message", slog.Int("partition", msg.Partition), slog.Int64("offset", msg.Offset), slog.String("reason", reason))
			if err := k.bury(ctx, msg, reason, headerInt(msg, headerDeliveryCount)+1); err != nil {
				return Delivery{}, err
			}
			continue
		}

		count := headerInt(msg, headerDeliveryCount) + 1
		token := uuid.NewString()
		k.mu.Lock()
		k.inflight[token] = inflight{msg: msg, req: req, count: count}
		k.mu.Unlock()

		return Delivery{
			Request:       req,
			Token:         token,
			DeliveryCount: count,
			LockedUntil:   time.Now().Add(k.cfg.LockDuration),
		}, nil
	}
}

func (k *Kafka) take(token string) (inflight, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, ok := k.inflight[token]
	if !ok {
		return inflight{}, ErrLockLost
	}
	delete(k.inflight, token)
	return f, nil
}

// Ack commits the record.
func (k *Kafka) Ack(ctx context.Context, token string) error {
	f, err := k.take(token)
	if err != nil {
		return err
	}
	return k.commit(ctx, f.msg)
}

// Nack re-publishes the request with the next delivery count and commits the
// original, or dead-letters it once the budget is spent.
func (k *Kafka) Nack(ctx context.Context, token string) error {
	f, err := k.take(token)
	if err != nil {
		return err
	}
	if f.count >= k.cfg.MaxDeliveryCount {
		return k.bury(ctx, f.msg, ReasonMaxDeliveries, f.count)
	}
	if err := k.publish(ctx, f.req, f.count); err != nil {
		return err
	}
	return k.commit(ctx, f.msg)
}

// DeadLetter writes the record to the DLQ topic and commits it.
func (k *Kafka) DeadLetter(ctx context.Context, token, reason string) error {
	f, err := k.take(token)
	if err != nil {
		return err
	}
	return k.bury(ctx, f.msg, reason, f.count)
}

// bury writes to the DLQ with exponential backoff and commits only after the
// write succeeded; otherwise the record is redelivered after a restart.
func (k *Kafka) bury(ctx context.Context, msg kafka.Message, reason string, count int) error {
	dlqMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: headerRequestID, Value: msg.Key},
			{Key: headerDeliveryCount, Value: []byte(strconv.Itoa(count))},
			{Key: "original_partition", Value: []byte(strconv.Itoa(msg.Partition))},
			{Key: "original_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			{Key: "error", Value: []byte(reason)},
			{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	var lastErr error
	for attempt := range dlqWriteAttempts {
		lastErr = k.dlqWriter.WriteMessages(ctx, dlqMsg)
		if lastErr == nil {
			k.log.Info("message sent to DLQ",
				slog.String("request_id", string(msg.Key)),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return k.commit(ctx, msg)
		}
		backoff := time.Duration(1<<uint(attempt)) * k.dlqBackoff
		k.log.Warn("DLQ write failed, retrying",
			slog.Any("err", lastErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("write DLQ: %w", lastErr)
}

func (k *Kafka) commit(ctx context.Context, msg kafka.Message) error {
	if k.reader == nil {
		return nil
	}
	if err := k.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Depth is the consumer group lag summed over all partitions of the topic.
func (k *Kafka) Depth(ctx context.Context) (int64, error) {
	meta, err := k.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{k.cfg.Topic}})
	if err != nil {
		return 0, fmt.Errorf("topic metadata: %w", err)
	}
	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != k.cfg.Topic {
			continue
		}
		if t.Error != nil {
			return 0, fmt.Errorf("topic metadata: %w", t.Error)
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return 0, nil
	}

	requests := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, p := range partitions {
		requests = append(requests, kafka.LastOffsetOf(p), kafka.FirstOffsetOf(p))
	}
	offsets, err := k.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{k.cfg.Topic: requests},
	})
	if err != nil {
		return 0, fmt.Errorf("list offsets: %w", err)
	}

	committed, err := k.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: k.cfg.GroupID,
		Topics:  map[string][]int{k.cfg.Topic: partitions},
	})
	if err != nil {
		return 0, fmt.Errorf("fetch group offsets: %w", err)
	}
	if committed.Error != nil {
		return 0, fmt.Errorf("fetch group offsets: %w", committed.Error)
	}
	groupOffsets := make(map[int]int64, len(partitions))
	for _, p := range committed.Topics[k.cfg.Topic] {
		groupOffsets[p.Partition] = p.CommittedOffset
	}

	var lag int64
	for _, p := range offsets.Topics[k.cfg.Topic] {
		if p.Error != nil {
			return 0, fmt.Errorf("list offsets partition %d: %w", p.Partition, p.Error)
		}
		pos, ok := groupOffsets[p.Partition]
		if !ok || pos < p.FirstOffset {
			pos = p.FirstOffset
		}
		if p.LastOffset > pos {
			lag += p.LastOffset - pos
		}
	}
	return lag, nil
}

// DeadLetters reads the newest entries of the DLQ topic. The DLQ is expected
// to have a single partition.
func (k *Kafka) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	msgs, err := k.scanDLQ(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		var req models.DigestRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			req.RequestID = string(msg.Key)
		}
		out = append(out, DeadLetter{
			Request:        req,
			Reason:         headerString(msg, "error"),
			DeliveryCount:  headerInt(msg, headerDeliveryCount),
			DeadLetteredAt: msg.Time.UTC(),
		})
	}
	return out, nil
}

// Replay re-publishes the newest dead-lettered copy of requestID with a fresh
// delivery budget. The DLQ is append-only, so the entry stays listed.
func (k *Kafka) Replay(ctx context.Context, requestID string) error {
	msgs, err := k.scanDLQ(ctx, 0)
	if err != nil {
		return err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if string(msgs[i].Key) != requestID {
			continue
		}
		var req models.DigestRequest
		if err := json.Unmarshal(msgs[i].Value, &req); err != nil {
			return fmt.Errorf("decode dead letter %s: %w", requestID, err)
		}
		return k.publish(ctx, req, 0)
	}
	return ErrNotDeadLettered
}

// scanDLQ returns up to limit of the newest DLQ records; limit <= 0 reads all.
func (k *Kafka) scanDLQ(ctx context.Context, limit int) ([]kafka.Message, error) {
	offsets, err := k.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{
			k.dlqTopic: {kafka.FirstOffsetOf(0), kafka.LastOffsetOf(0)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list DLQ offsets: %w", err)
	}
	parts := offsets.Topics[k.dlqTopic]
	if len(parts) == 0 {
		return nil, nil
	}
	if parts[0].Error != nil {
		return nil, fmt.Errorf("list DLQ offsets: %w", parts[0].Error)
	}
	first, last := parts[0].FirstOffset, parts[0].LastOffset
	start := first
	if limit > 0 && last-int64(limit) > start {
		start = last - int64(limit)
	}
	if start >= last {
		return nil, nil
	}

	reader := k.openDLQ()
	defer reader.Close()
	if err := reader.SetOffset(start); err != nil {
		return nil, fmt.Errorf("seek DLQ: %w", err)
	}

	msgs := make([]kafka.Message, 0, last-start)
	for offset := start; offset < last; {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("read DLQ: %w", err)
		}
		msgs = append(msgs, msg)
		offset = msg.Offset + 1
	}
	return msgs, nil
}

func headerString(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func headerInt(msg kafka.Message, key string) int {
	n, err := strconv.Atoi(headerString(msg, key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
