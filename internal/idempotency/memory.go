package idempotency

import (
	"context"
	"sync"
	"time"
)

const pruneEvery = 256

type memoryRecord struct {
	response  []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store. It does not deduplicate across instances.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]memoryRecord
	saves   int
}

// NewMemoryStore builds a store with the given retention. A nil clock uses time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Lookup(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(rec.expiresAt) {
		delete(s.records, key)
		return nil, false, nil
	}
	return append([]byte(nil), rec.response...), true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.expiresAt) {
		return ErrDuplicateKey
	}
	s.records[key] = memoryRecord{
		response:  append([]byte(nil), response...),
		expiresAt: now.Add(s.ttl),
	}
	s.saves++
	if s.saves%pruneEvery == 0 {
		s.pruneLocked(now)
	}
	return nil
}

// Len reports the number of records currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, key)
		}
	}
}
