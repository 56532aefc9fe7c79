// Package audit keeps one lifecycle record per request id. It is the source of
// truth for idempotency: a completed request is never generated twice and its
// requester is notified at most once.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DeafMist/talent-digest/internal/models"
)

var (
	ErrNotFound          = errors.New("audit record not found")
	ErrInvalidTransition = errors.New("invalid audit status transition")
)

// Detail carries the optional fields written with a status change.
type Detail struct {
	ResultReference string
	ErrorDetail     string
}

// Store is safe for concurrent use across processes; every method is a
// compare-and-set on a single request id.
type Store interface {
	Get(ctx context.Context, requestID string) (models.AuditRecord, error)
	// Upsert creates the record (status queued) or moves it along a legal transition.
	Upsert(ctx context.Context, requestID string, status models.AuditStatus, detail Detail) (models.AuditRecord, error)
	// ClaimDelivery marks a completed record as delivered. It returns false when
	// another caller already claimed it.
	ClaimDelivery(ctx context.Context, requestID string) (bool, error)
	// ReleaseDelivery undoes a claim after a failed notification.
	ReleaseDelivery(ctx context.Context, requestID string) error
	// Reopen moves a failed record back to queued for an operator replay.
	Reopen(ctx context.Context, requestID string) error
}

// apply mutates rec for the transition to status. rec.Status == "" means the
// record does not exist yet.
func apply(rec *models.AuditRecord, status models.AuditStatus, detail Detail, now time.Time) error {
	if !models.CanTransition(rec.Status, status) {
		from := rec.Status
		if from == "" {
			from = "absent"
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	if rec.Status == "" {
		rec.CreatedAt = now
	}
	switch status {
	case models.StatusProcessing:
		rec.AttemptCount++
	case models.StatusCompleted:
		rec.ResultReference = detail.ResultReference
		rec.ErrorDetail = ""
	case models.StatusFailed:
		rec.ErrorDetail = detail.ErrorDetail
	}
	rec.Status = status
	rec.UpdatedAt = now
	return nil
}

func reopen(rec *models.AuditRecord, now time.Time) error {
	if rec.Status != models.StatusFailed {
		return fmt.Errorf("%w: %s -> %s (replay)", ErrInvalidTransition, rec.Status, models.StatusQueued)
	}
	rec.Status = models.StatusQueued
	rec.AttemptBase = rec.AttemptCount
	rec.ErrorDetail = ""
	rec.UpdatedAt = now
	return nil
}
