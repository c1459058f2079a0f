package quota

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often expired sessions are dropped from memory.
const sweepInterval = 10 * time.Minute

type memoryEntry struct {
	state  State
	expiry time.Time
}

// MemoryStore keeps usage in process memory. Each device's session starts at
// its first committed action and ends ttl later, after which the counter
// starts over.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore and starts its background sweep.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := newMemoryStore(ttl, time.Now)
	go s.sweepLoop()
	return s
}

func newMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Load returns the device's state. It never opens a session.
func (s *MemoryStore) Load(_ context.Context, device string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(device)
	if !ok {
		return State{}, nil
	}
	return entry.state, nil
}

// Increment commits one action for the device unless it already reached limit.
func (s *MemoryStore) Increment(_ context.Context, device string, limit int) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(device)
	if !ok {
		entry = memoryEntry{expiry: s.now().Add(s.ttl)}
	}
	if entry.state.UsageCount >= limit {
		return entry.state, ErrLimitReached
	}
	entry.state = Commit(entry.state)
	s.entries[device] = entry
	return entry.state, nil
}

// live returns the unexpired entry for device. Callers must hold s.mu.
func (s *MemoryStore) live(device string) (memoryEntry, bool) {
	entry, ok := s.entries[device]
	if !ok || !s.now().Before(entry.expiry) {
		return memoryEntry{}, false
	}
	return entry, true
}

// Len returns the number of tracked sessions, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for device, entry := range s.entries {
		if !now.Before(entry.expiry) {
			delete(s.entries, device)
		}
	}
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
