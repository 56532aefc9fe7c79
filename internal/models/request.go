package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest marks requests that can never be processed successfully.
var ErrInvalidRequest = errors.New("invalid digest request")

var validate = validator.New()

// Audience selects which reader segment a digest is written for.
type Audience string

const (
	AudienceAdvisor   Audience = "advisor"
	AudienceExecutive Audience = "executive"
	AudienceAll       Audience = "all"
)

// ParseAudience maps user input onto the closed set of audiences.
func ParseAudience(raw string) (Audience, error) {
	switch a := Audience(strings.ToLower(strings.TrimSpace(raw))); a {
	case AudienceAdvisor, AudienceExecutive, AudienceAll:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown audience %q", ErrInvalidRequest, raw)
	}
}

// Filters narrows the candidate set a digest is built from.
type Filters struct {
	UpdatedAfter    *time.Time `json:"updated_after,omitempty"`
	UpdatedBefore   *time.Time `json:"updated_before,omitempty"`
	Locations       []string   `json:"locations,omitempty" validate:"omitempty,max=50,dive,required,max=120"`
	CompensationMin *int64     `json:"compensation_min,omitempty" validate:"omitempty,gte=0"`
	CompensationMax *int64     `json:"compensation_max,omitempty" validate:"omitempty,gte=0"`
	MaxCount        int        `json:"max_count" validate:"required,min=1,max=100"`
}

// DigestRequest is the queue message. It is never mutated after enqueue.
type DigestRequest struct {
	RequestID          string    `json:"request_id" validate:"required,max=128"`
	Audience           Audience  `json:"audience" validate:"required,oneof=advisor executive all"`
	RequesterReference string    `json:"requester_reference" validate:"required,max=512"`
	Filters            Filters   `json:"filters"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

// Validate checks tag constraints and the cross-field rules validator tags cannot express.
func (r *DigestRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	f := r.Filters
	if f.UpdatedAfter != nil && f.UpdatedBefore != nil && f.UpdatedAfter.After(*f.UpdatedBefore) {
		return fmt.Errorf("%w: updated_after is later than updated_before", ErrInvalidRequest)
	}
	if f.CompensationMin != nil && f.CompensationMax != nil && *f.CompensationMin > *f.CompensationMax {
		return fmt.Errorf("%w: compensation_min exceeds compensation_max", ErrInvalidRequest)
	}
	return nil
}
