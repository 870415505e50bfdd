package budget

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// state is the adaptive budget of a single endpoint. Every field below mu
// is guarded by it.
type state struct {
	id       string
	original int

	mu                   sync.Mutex
	current              int
	consecutiveSuccesses int
	totalCalls           int64
	successfulCalls      int64
	budgetExceededErrors int64
	otherErrors          int64
	lastAdjustedAt       time.Time
}

// store maps endpoint identifiers to their state. The map lock is held only
// to find or create an entry; per-endpoint work takes the entry's own lock.
type store struct {
	mu      sync.RWMutex
	entries map[string]*state
}

func newStore() *store {
	return &store{entries: make(map[string]*state)}
}

// get returns the state for id, creating it with original as its limit.
// The second result reports whether the entry was created by this call.
func (s *store) get(id string, original int) (*state, bool) {
	s.mu.RLock()
	st, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return st, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.entries[id]; ok {
		return st, false
	}
	st = &state{id: id, original: original, current: original}
	s.entries[id] = st
	return st, true
}

// lookup returns the state for id without creating it.
func (s *store) lookup(id string) (*state, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entries[id]
	return st, ok
}

// all returns every entry sorted by identifier.
func (s *store) all() []*state {
	s.mu.RLock()
	out := make([]*state, 0, len(s.entries))
	for _, st := range s.entries {
		out = append(out, st)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *state) int {
		return strings.Compare(a.id, b.id)
	})
	return out
}
