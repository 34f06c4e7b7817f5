// Package outbox provides durable backings for the pending-swipe outbox.
// The cache remains the in-process source of truth; these stores only make
// queued decisions survive a process kill so they can be replayed on the
// next startup.
package outbox

import (
	"context"
	"sort"
	"sync"

	"swipefeed-engine/domain/swipe"
)

// MemoryStore is a non-durable OutboxStore for tests and for hosts that
// explicitly accept best-effort delivery.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]swipe.Pending
	sessionKey string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]swipe.Pending)}
}

// Save upserts the pending decision keyed by swipee id.
func (s *MemoryStore) Save(_ context.Context, pending swipe.Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pending.SwipeeID] = pending
	return nil
}

// Delete removes the pending decision for a swipee id.
func (s *MemoryStore) Delete(_ context.Context, swipeeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, swipeeID)
	return nil
}

// List returns all pending decisions ordered by enqueue time.
func (s *MemoryStore) List(_ context.Context) ([]swipe.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]swipe.Pending, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAtMs < out[j].EnqueuedAtMs
	})
	return out, nil
}

// Clear drops every pending decision.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]swipe.Pending)
	return nil
}

// SessionKey returns the recorded session key.
func (s *MemoryStore) SessionKey(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey, nil
}

// SetSessionKey records the session key the queued decisions belong to.
func (s *MemoryStore) SetSessionKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = key
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
