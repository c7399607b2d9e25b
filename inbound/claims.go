package inbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type claimStatus string

const (
	claimProcessing claimStatus = "processing"
	claimRetryReady claimStatus = "retry_ready"
	claimComplete   claimStatus = "complete"
)

type claimEntry struct {
	status    claimStatus
	claimID   string
	attempts  int
	ttl       time.Duration
	expiresAt time.Time
	retryAt   time.Time
}

// MemoryClaimStore keeps delivery claims in process memory. Completed keys
// are remembered for their TTL; failed keys become claimable again at retryAt.
type MemoryClaimStore struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]claimEntry
	claims  map[string]string
	nextID  int
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{
		entries: map[string]claimEntry{},
		claims:  map[string]string{},
	}
}

func (s *MemoryClaimStore) Claim(_ context.Context, key string, lease time.Duration) (string, bool, error) {
	if s == nil {
		return "", false, inboundInternal("inbound: claim store is nil", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, inboundBadInput("inbound: idempotency key is required", nil)
	}
	if lease <= 0 {
		lease = defaultClaimTTL
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(now)

	entry, exists := s.entries[key]
	if exists {
		switch entry.status {
		case claimComplete, claimProcessing:
			if now.Before(entry.expiresAt) {
				return "", false, nil
			}
		case claimRetryReady:
			if now.Before(entry.retryAt) {
				return "", false, nil
			}
		}
		delete(s.claims, entry.claimID)
	}

	s.nextID++
	claimID := fmt.Sprintf("claim_%d", s.nextID)
	entry.status = claimProcessing
	entry.claimID = claimID
	entry.attempts++
	entry.ttl = lease
	entry.expiresAt = now.Add(lease)
	entry.retryAt = time.Time{}
	s.entries[key] = entry
	s.claims[claimID] = key
	return claimID, true, nil
}

func (s *MemoryClaimStore) Complete(_ context.Context, claimID string) error {
	return s.settle(claimID, func(entry *claimEntry, now time.Time) {
		entry.status = claimComplete
		entry.expiresAt = now.Add(entry.ttl)
	})
}

func (s *MemoryClaimStore) Fail(_ context.Context, claimID string, _ error, retryAt time.Time) error {
	return s.settle(claimID, func(entry *claimEntry, now time.Time) {
		if retryAt.IsZero() {
			retryAt = now
		}
		entry.status = claimRetryReady
		entry.retryAt = retryAt.UTC()
		entry.expiresAt = time.Time{}
	})
}

// Attempts reports how many times key was claimed.
func (s *MemoryClaimStore) Attempts(key string) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key].attempts
}

func (s *MemoryClaimStore) settle(claimID string, apply func(entry *claimEntry, now time.Time)) error {
	if s == nil {
		return inboundInternal("inbound: claim store is nil", nil)
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return inboundBadInput("inbound: claim id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.claims[claimID]
	if !ok {
		return nil
	}
	delete(s.claims, claimID)
	entry, exists := s.entries[key]
	if !exists || entry.claimID != claimID || entry.status != claimProcessing {
		return nil
	}
	apply(&entry, s.now())
	s.entries[key] = entry
	return nil
}

func (s *MemoryClaimStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *MemoryClaimStore) evictExpiredLocked(now time.Time) {
	for key, entry := range s.entries {
		if entry.status == claimComplete && !now.Before(entry.expiresAt) {
			delete(s.claims, entry.claimID)
			delete(s.entries, key)
		}
	}
}

var _ ClaimStore = (*MemoryClaimStore)(nil)
