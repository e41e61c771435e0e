// Package dedup suppresses duplicate events replayed across reconnects.
package dedup

import "sync"

// defaultWindowSize bounds the seen-set when no size is configured.
const defaultWindowSize = 8192

// Set is a bounded set of recently observed event keys. When the window
// fills it is cleared wholesale, trading a short vulnerability to repeats
// for constant memory and O(1) inserts.
type Set struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	clears   uint64
}

// NewSet builds a seen-set holding up to capacity keys. A negative capacity
// falls back to the default; zero disables deduplication entirely.
func NewSet(capacity int) *Set {
	if capacity < 0 {
		capacity = defaultWindowSize
	}
	return &Set{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Observe records the key and reports whether it was already present.
func (s *Set) Observe(key string) bool {
	if s.capacity == 0 || key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return true
	}
	if len(s.seen) >= s.capacity {
		s.seen = make(map[string]struct{}, s.capacity)
		s.clears++
	}
	s.seen[key] = struct{}{}
	return false
}

// Len reports the number of keys currently held.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Clears reports how many wholesale window resets have occurred.
func (s *Set) Clears() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}
