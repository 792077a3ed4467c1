package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/authgate/internal/models"
)

// MemoryRateLimitStore keeps rate-limit records in process memory.
// State is lost on restart and not shared between instances.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	records map[string]*models.RateLimitRecord
}

func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{records: make(map[string]*models.RateLimitRecord)}
}

// Get returns a copy of the record, or nil when none exists
func (s *MemoryRateLimitStore) Get(_ context.Context, identifier string) (*models.RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[identifier]
	if !ok {
		return nil, nil
	}
	return copyRecord(record), nil
}

func (s *MemoryRateLimitStore) Increment(_ context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.records[identifier].NextFailure(identifier, now, policy)
	s.records[identifier] = next
	return copyRecord(next), nil
}

func (s *MemoryRateLimitStore) Reset(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, identifier)
	return nil
}

// ResetExpired deletes the record only if it is still expired under the lock
func (s *MemoryRateLimitStore) ResetExpired(_ context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[identifier]
	if !ok || !record.Expired(now, policy) {
		return false, nil
	}
	delete(s.records, identifier)
	return true, nil
}

func (s *MemoryRateLimitStore) DeleteExpired(_ context.Context, now time.Time, policy models.RateLimitPolicy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, record := range s.records {
		if record.Expired(now, policy) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports how many identifiers are tracked
func (s *MemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func copyRecord(r *models.RateLimitRecord) *models.RateLimitRecord {
	c := *r
	if r.BlockedUntil != nil {
		until := *r.BlockedUntil
		c.BlockedUntil = &until
	}
	return &c
}
