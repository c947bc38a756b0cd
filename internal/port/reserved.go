package port

import (
	"sort"
	"sync"

	"github.com/shinji-kodama/ssrport/internal/model"
)

// ReservedSet holds ports the Prober must treat as taken without binding.
//
// A bind probe only sees sockets that exist right now. A stopped container
// that publishes 13714 holds no socket, yet it will claim the port again the
// moment it starts. Ports gathered from configuration and from Docker are
// collected here so the search steps over them.
//
// A nil *ReservedSet is valid and empty.
type ReservedSet struct {
	mu    sync.RWMutex
	ports map[int]string
}

// NewReservedSet creates a set holding the given ports, attributed to source.
func NewReservedSet(source string, ports ...int) *ReservedSet {
	s := &ReservedSet{ports: make(map[int]string)}
	s.Add(source, ports...)
	return s
}

// Add reserves ports, remembering where each came from. Out-of-range values
// are dropped; a port already reserved keeps its first source.
func (s *ReservedSet) Add(source string, ports ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ports == nil {
		s.ports = make(map[int]string)
	}
	for _, p := range ports {
		if !model.IsValidPort(p) {
			continue
		}
		if _, exists := s.ports[p]; !exists {
			s.ports[p] = source
		}
	}
}

// Contains reports whether port is reserved.
func (s *ReservedSet) Contains(port int) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ports[port]
	return ok
}

// Source returns who reserved port, or "" when it is not reserved.
func (s *ReservedSet) Source(port int) string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports[port]
}

// Ports returns the reserved ports in ascending order.
func (s *ReservedSet) Ports() []int {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.ports))
	for p := range s.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of reserved ports.
func (s *ReservedSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ports)
}
