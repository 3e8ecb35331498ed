package demod

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BusKey identifies one chip: the bus it hangs off and its address on that bus.
type BusKey struct {
	Bus  string
	Addr uint16
}

func (k BusKey) String() string {
	return fmt.Sprintf("%s@%#02x", k.Bus, k.Addr)
}

// Shared is the per-chip state the two demodulator paths have in common.
type Shared struct {
	Key BusKey

	// gate serialises the tuner repeater and every tuner call behind it.
	gate  sync.Mutex
	users int

	initDone bool
	asleep   map[int]bool
	revision atomic.Uint32
}

// Revision is the chip cut, 0 until a path has read or pinned it.
func (s *Shared) Revision() byte {
	return byte(s.revision.Load())
}

// pinRevision records rev unless a revision is already known.
func (s *Shared) pinRevision(rev byte) {
	if rev != 0 {
		s.revision.CompareAndSwap(0, uint32(rev))
	}
}

// Registry maps chips to their shared state. The zero value is not usable, use NewRegistry.
type Registry struct {
	mu     sync.Mutex
	shared map[BusKey]*Shared
}

func NewRegistry() *Registry {
	return &Registry{shared: make(map[BusKey]*Shared)}
}

// Attach returns the record for key, creating it for the first user.
func (r *Registry) Attach(key BusKey) *Shared {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.shared[key]
	if !ok {
		s = &Shared{Key: key, asleep: make(map[int]bool)}
		r.shared[key] = s
	}
	s.users++
	return s
}

// Detach drops one user of key. The record goes away with its last user.
func (r *Registry) Detach(key BusKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.shared[key]
	if !ok {
		return
	}
	s.users--
	if s.users <= 0 {
		delete(r.shared, key)
	}
}

func (r *Registry) Lookup(key BusKey) (*Shared, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shared[key]
	return s, ok
}

// Users reports how many demodulator paths are attached to key.
func (r *Registry) Users(key BusKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shared[key]; ok {
		return s.users
	}
	return 0
}
