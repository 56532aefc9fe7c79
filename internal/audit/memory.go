package audit

import (
	"context"
	"sync"
	"time"

	"github.com/DeafMist/talent-digest/internal/models"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	records map[string]models.AuditRecord
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.AuditRecord), now: time.Now}
}

func (m *Memory) Get(_ context.Context, requestID string) (models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return models.AuditRecord{}, ErrNotFound
	}
	return clone(rec), nil
}

func (m *Memory) Upsert(_ context.Context, requestID string, status models.AuditStatus, detail Detail) (models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		rec = models.AuditRecord{RequestID: requestID}
	}
	if err := apply(&rec, status, detail, m.now().UTC()); err != nil {
		return clone(rec), err
	}
	m.records[requestID] = rec
	return clone(rec), nil
}

func (m *Memory) ClaimDelivery(_ context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != models.StatusCompleted || rec.DeliveredAt != nil {
		return false, nil
	}
	now := m.now().UTC()
	rec.DeliveredAt = &now
	rec.UpdatedAt = now
	m.records[requestID] = rec
	return true, nil
}

func (m *Memory) ReleaseDelivery(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return ErrNotFound
	}
	rec.DeliveredAt = nil
	rec.UpdatedAt = m.now().UTC()
	m.records[requestID] = rec
	return nil
}

func (m *Memory) Reopen(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return ErrNotFound
	}
	if err := reopen(&rec, m.now().UTC()); err != nil {
		return err
	}
	m.records[requestID] = rec
	return nil
}

func clone(rec models.AuditRecord) models.AuditRecord {
	if rec.DeliveredAt != nil {
		t := *rec.DeliveredAt
		rec.DeliveredAt = &t
	}
	return rec
}
