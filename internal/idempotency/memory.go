package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"clip-publisher/internal/models"
)

// MemoryRecords is an in-memory RecordStore for tests and local development.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[string]models.IdempotencyRecord
	now     func() time.Time
}

// NewMemoryRecords creates an empty in-memory record store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		records: make(map[string]models.IdempotencyRecord),
		now:     time.Now,
	}
}

// SetClock overrides the time source for expiry tests.
func (m *MemoryRecords) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRecords) GetRecord(_ context.Context, key string) (models.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || !rec.ExpiresAt.After(m.now().UTC()) {
		return models.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (m *MemoryRecords) InsertPending(_ context.Context, rec models.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if existing, ok := m.records[rec.Key]; ok {
		live := existing.ExpiresAt.After(now) && existing.Status != models.IdemStatusFailed
		if live {
			return false, nil
		}
	}
	rec.Status = models.IdemStatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.Key] = rec
	return true, nil
}

func (m *MemoryRecords) CompleteRecord(_ context.Context, key string, response json.RawMessage) error {
	return m.setStatus(key, models.IdemStatusCompleted, response)
}

func (m *MemoryRecords) FailRecord(_ context.Context, key string) error {
	return m.setStatus(key, models.IdemStatusFailed, nil)
}

func (m *MemoryRecords) setStatus(key, status string, response json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.Response = response
	rec.UpdatedAt = m.now().UTC()
	m.records[key] = rec
	return nil
}

func (m *MemoryRecords) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	purged := 0
	for key, rec := range m.records {
		if !rec.ExpiresAt.After(now) {
			delete(m.records, key)
			purged++
		}
	}
	return purged, nil
}
