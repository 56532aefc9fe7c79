package pipeline

import (
	"errors"
	"fmt"
)

// Class says whether a failure may succeed on another delivery.
type Class int

const (
	Retryable Class = iota + 1
	Terminal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Stage names used in errors and logs.
const (
	StageValidate = "validate"
	StageRetrieve = "retrieve"
	StageEnrich   = "enrich"
	StageRender   = "render"
	StageGate     = "quality_gate"
	StagePersist  = "persist"
	StageAudit    = "audit"
	StageDeliver  = "deliver"
)

// ErrAllEntitiesFailed is returned when retrieval found entities but none
// could be enriched.
var ErrAllEntitiesFailed = errors.New("every entity failed enrichment")

// ErrUnsettled marks a request whose earlier deliveries ended without an
// ack or nack, such as a worker killed mid-pipeline.
var ErrUnsettled = errors.New("earlier deliveries were never settled")

// StageError is the classified result of a failed stage.
type StageError struct {
	Stage string
	Class Class
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Class, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func retryable(stage string, err error) error {
	return &StageError{Stage: stage, Class: Retryable, Err: err}
}

func terminal(stage string, err error) error {
	return &StageError{Stage: stage, Class: Terminal, Err: err}
}

// Classify maps any error to a Class. Unclassified errors are retryable:
// only failures known to be deterministic skip the retry budget.
func Classify(err error) Class {
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	return Retryable
}

// Action is what the worker loop must do with the delivery.
type Action int

const (
	ActionAck Action = iota + 1
	ActionNack
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionNack:
		return "nack"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Outcome is the processor's verdict for one delivery.
type Outcome struct {
	Action          Action
	Reason          string
	ResultReference string
	Err             error
}
