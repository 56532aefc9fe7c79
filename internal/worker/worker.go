// Package worker is the receive-process-settle loop run by each worker replica.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeafMist/talent-digest/internal/metrics"
	"github.com/DeafMist/talent-digest/internal/pipeline"
	"github.com/DeafMist/talent-digest/internal/queue"
)

// Handler decides what happens to one delivery.
type Handler interface {
	Process(ctx context.Context, d queue.Delivery) pipeline.Outcome
}

type Worker struct {
	consumer queue.Consumer
	handler  Handler
	log      *slog.Logger
}

func New(consumer queue.Consumer, handler Handler, log *slog.Logger) *Worker {
	return &Worker{consumer: consumer, handler: handler, log: log}
}

// Run processes deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				w.log.Info("context canceled, stopping")
				return nil
			}
			w.log.Error("receive", slog.Any("err", err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// RunOnce receives and settles at most one delivery. It reports false when the
// poll timed out with nothing to do.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	d, err := w.consumer.Receive(ctx)
	if errors.Is(err, queue.ErrNoMessage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	out := w.handle(ctx, d)
	w.settle(ctx, d, out)
	return true, nil
}

// handle runs the pipeline within the message lock. A panic is treated as a
// retryable failure so the message comes back instead of disappearing.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) (out pipeline.Outcome) {
	procCtx := ctx
	if !d.LockedUntil.IsZero() {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithDeadline(ctx, d.LockedUntil)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.Messages.WithLabelValues(metrics.OutcomePanic).Inc()
			w.log.Error("pipeline panic",
				slog.String("request_id", d.Request.RequestID),
				slog.Any("panic", r),
			)
			out = pipeline.Outcome{Action: pipeline.ActionNack, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return w.handler.Process(procCtx, d)
}

func (w *Worker) settle(ctx context.Context, d queue.Delivery, out pipeline.Outcome) {
	var (
		err   error
		label string
	)
	switch out.Action {
	case pipeline.ActionAck:
		err, label = w.consumer.Ack(ctx, d.Token), metrics.OutcomeAck
	case pipeline.ActionDeadLetter:
		err, label = w.consumer.DeadLetter(ctx, d.Token, out.Reason), metrics.OutcomeDeadLetter
	default:
		err, label = w.consumer.Nack(ctx, d.Token), metrics.OutcomeNack
	}

	if err != nil {
		if errors.Is(err, queue.ErrLockLost) {
			// The queue already redelivered or buried it; the audit store keeps the retry idempotent.
			w.log.Warn("lock lost before settle",
				slog.String("request_id", d.Request.RequestID),
				slog.String("action", out.Action.String()),
			)
			return
		}
		w.log.Error("settle delivery",
			slog.String("request_id", d.Request.RequestID),
			slog.String("action", out.Action.String()),
			slog.Any("err", err),
		)
		return
	}
	metrics.Messages.WithLabelValues(label).Inc()
}
