package models

import "time"

// AuditStatus is the lifecycle state of a request.
type AuditStatus string

const (
	StatusQueued     AuditStatus = "queued"
	StatusProcessing AuditStatus = "processing"
	StatusCompleted  AuditStatus = "completed"
	StatusFailed     AuditStatus = "failed"
)

// AuditRecord is the single durable row kept per request_id.
type AuditRecord struct {
	RequestID       string      `json:"request_id"`
	Status          AuditStatus `json:"status"`
	AttemptCount    int         `json:"attempt_count"`
	ResultReference string      `json:"result_reference,omitempty"`
	ErrorDetail     string      `json:"error_detail,omitempty"`
	DeliveredAt     *time.Time  `json:"delivered_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	// AttemptBase is AttemptCount at the last operator replay; attempts past it
	// count against the current retry budget.
	AttemptBase int `json:"-"`
}

// CanTransition reports whether from -> to is a legal move during processing.
// An empty from means the record does not exist yet.
// failed -> queued is deliberately absent; only an operator replay reopens a request.
func CanTransition(from, to AuditStatus) bool {
	switch from {
	case "":
		return to == StatusQueued
	case StatusQueued:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// BudgetAttempts is the number of processing attempts since the last replay.
func (r AuditRecord) BudgetAttempts() int {
	return r.AttemptCount - r.AttemptBase
}

// Terminal reports whether no further processing transitions are allowed.
func (s AuditStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
