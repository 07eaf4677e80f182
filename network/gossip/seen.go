package gossip

import "sync"

// seenSet remembers every message digest accepted or published during the
// process lifetime. There is no expiry.
type seenSet struct {
	mu      sync.Mutex
	entries map[[32]byte]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{entries: make(map[[32]byte]struct{})}
}

func (s *seenSet) Has(d [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[d]
	return ok
}

// Add records d and reports whether it was new.
func (s *seenSet) Add(d [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[d]; ok {
		return false
	}
	s.entries[d] = struct{}{}
	return true
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
