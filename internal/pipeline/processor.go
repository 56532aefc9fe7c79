package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeafMist/talent-digest/internal/audit"
	"github.com/DeafMist/talent-digest/internal/metrics"
	"github.com/DeafMist/talent-digest/internal/models"
	"github.com/DeafMist/talent-digest/internal/notify"
	"github.com/DeafMist/talent-digest/internal/queue"
)

const failWriteTimeout = 5 * time.Second

// DocumentGenerator produces a gated document or a classified error.
type DocumentGenerator interface {
	Generate(ctx context.Context, req models.DigestRequest) (models.DigestDocument, error)
}

// DocumentStore persists finished documents; the returned id is the result reference.
type DocumentStore interface {
	IndexDigest(ctx context.Context, doc models.DigestDocument) (string, error)
}

// Processor owns one delivery from the idempotency check to the final Action.
type Processor struct {
	cfg      Config
	gen      DocumentGenerator
	docs     DocumentStore
	audit    audit.Store
	notifier notify.Notifier
	log      *slog.Logger
}

func NewProcessor(cfg Config, gen DocumentGenerator, docs DocumentStore, store audit.Store, notifier notify.Notifier, log *slog.Logger) *Processor {
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = 3
	}
	return &Processor{cfg: cfg, gen: gen, docs: docs, audit: store, notifier: notifier, log: log}
}

// Process runs the pipeline for d. It never panics on pipeline errors; every
// failure is folded into the returned Outcome.
func (p *Processor) Process(ctx context.Context, d queue.Delivery) Outcome {
	start := time.Now()
	out := p.process(ctx, d)
	metrics.PipelineDuration.WithLabelValues(out.Action.String()).Observe(time.Since(start).Seconds())

	attrs := []any{
		slog.String("request_id", d.Request.RequestID),
		slog.Int("delivery", d.DeliveryCount),
		slog.String("action", out.Action.String()),
		slog.Duration("took", time.Since(start)),
	}
	if out.Err != nil {
		attrs = append(attrs, slog.Any("err", out.Err))
		p.log.Warn("request settled with error", attrs...)
	} else {
		p.log.Info("request settled", attrs...)
	}
	return out
}

func (p *Processor) process(ctx context.Context, d queue.Delivery) Outcome {
	req := d.Request

	rec, err := p.audit.Get(ctx, req.RequestID)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		if _, err := p.audit.Upsert(ctx, req.RequestID, models.StatusQueued, audit.Detail{}); err != nil && !errors.Is(err, audit.ErrInvalidTransition) {
			return p.retry(ctx, d, retryable(StageAudit, err))
		}
	case err != nil:
		return p.retry(ctx, d, retryable(StageAudit, err))
	default:
		if out, done := p.shortCircuit(ctx, d, rec); done {
			return out
		}
	}

	rec, err = p.audit.Upsert(ctx, req.RequestID, models.StatusProcessing, audit.Detail{})
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTransition) {
			// Another delivery finished the request while we were starting.
			if rec, getErr := p.audit.Get(ctx, req.RequestID); getErr == nil {
				if out, done := p.shortCircuit(ctx, d, rec); done {
					return out
				}
			}
		}
		return p.retry(ctx, d, retryable(StageAudit, err))
	}

	// A replica that dies mid-pipeline leaves the message uncommitted and its
	// delivery count unchanged; the audit attempt count still moved.
	if attempts := rec.BudgetAttempts(); attempts > d.DeliveryCount {
		d.DeliveryCount = attempts
	}
	if d.DeliveryCount > p.cfg.MaxDeliveryCount {
		return p.fail(ctx, d, fmt.Errorf("retry budget of %d exhausted: %w", p.cfg.MaxDeliveryCount, ErrUnsettled))
	}

	doc, err := p.gen.Generate(ctx, req)
	if err != nil {
		if Classify(err) == Terminal {
			return p.fail(ctx, d, err)
		}
		return p.retry(ctx, d, err)
	}

	ref, err := p.docs.IndexDigest(ctx, doc)
	if err != nil {
		return p.retry(ctx, d, retryable(StagePersist, err))
	}
	metrics.DocumentEntities.Observe(float64(doc.EntityCount))

	rec, err = p.audit.Upsert(ctx, req.RequestID, models.StatusCompleted, audit.Detail{ResultReference: ref})
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTransition) {
			if rec, getErr := p.audit.Get(ctx, req.RequestID); getErr == nil {
				if out, done := p.shortCircuit(ctx, d, rec); done {
					return out
				}
			}
		}
		return p.retry(ctx, d, retryable(StageAudit, err))
	}
	p.log.Info("digest completed",
		slog.String("request_id", req.RequestID),
		slog.Int("entity_count", doc.EntityCount),
		slog.Int("attempt", rec.AttemptCount),
	)

	return p.deliver(ctx, d, rec)
}

// shortCircuit handles records that need no generation. done is false when
// the pipeline should run.
func (p *Processor) shortCircuit(ctx context.Context, d queue.Delivery, rec models.AuditRecord) (Outcome, bool) {
	switch rec.Status {
	case models.StatusCompleted:
		p.log.Info("request already completed, skipping generation",
			slog.String("request_id", rec.RequestID),
			slog.String("result_reference", rec.ResultReference),
		)
		return p.deliver(ctx, d, rec), true
	case models.StatusFailed:
		p.log.Info("request already failed, dropping delivery", slog.String("request_id", rec.RequestID))
		return Outcome{Action: ActionAck, Reason: "already failed"}, true
	default:
		return Outcome{}, false
	}
}

// deliver notifies the requester unless another delivery already did.
func (p *Processor) deliver(ctx context.Context, d queue.Delivery, rec models.AuditRecord) Outcome {
	claimed, err := p.audit.ClaimDelivery(ctx, rec.RequestID)
	if err != nil {
		return p.redeliver(d, rec, retryable(StageAudit, err))
	}
	if !claimed {
		return Outcome{Action: ActionAck, ResultReference: rec.ResultReference, Reason: "already delivered"}
	}

	if err := p.notifier.Notify(ctx, d.Request.RequesterReference, rec.ResultReference); err != nil {
		if relErr := p.audit.ReleaseDelivery(ctx, rec.RequestID); relErr != nil {
			p.log.Error("release delivery claim", slog.String("request_id", rec.RequestID), slog.Any("err", relErr))
		}
		return p.redeliver(d, rec, retryable(StageDeliver, err))
	}
	return Outcome{Action: ActionAck, ResultReference: rec.ResultReference}
}

// redeliver retries a notification through the queue. The record stays
// completed, so the next delivery goes straight back to deliver.
func (p *Processor) redeliver(d queue.Delivery, rec models.AuditRecord, err error) Outcome {
	if d.DeliveryCount >= p.cfg.MaxDeliveryCount {
		return Outcome{Action: ActionDeadLetter, Reason: "delivery failed: " + err.Error(), ResultReference: rec.ResultReference, Err: err}
	}
	return Outcome{Action: ActionNack, ResultReference: rec.ResultReference, Err: err}
}

// retry nacks a transient failure, or fails the request on its last permitted delivery.
func (p *Processor) retry(ctx context.Context, d queue.Delivery, err error) Outcome {
	if d.DeliveryCount < p.cfg.MaxDeliveryCount {
		return Outcome{Action: ActionNack, Err: err}
	}
	return p.fail(ctx, d, fmt.Errorf("retry budget of %d exhausted: %w", p.cfg.MaxDeliveryCount, err))
}

// fail records the failure and routes the message to the dead-letter sink.
func (p *Processor) fail(ctx context.Context, d queue.Delivery, err error) Outcome {
	detail := err.Error()
	// The lock deadline may already have cancelled ctx; the failure still has to be written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if _, auditErr := p.audit.Upsert(writeCtx, d.Request.RequestID, models.StatusFailed, audit.Detail{ErrorDetail: detail}); auditErr != nil {
		if !errors.Is(auditErr, audit.ErrInvalidTransition) && d.DeliveryCount < p.cfg.MaxDeliveryCount {
			// The failure must be recorded before the message leaves the queue.
			return Outcome{Action: ActionNack, Err: errors.Join(err, auditErr)}
		}
		p.log.Error("record failure", slog.String("request_id", d.Request.RequestID), slog.Any("err", auditErr))
	}
	return Outcome{Action: ActionDeadLetter, Reason: detail, Err: err}
}
