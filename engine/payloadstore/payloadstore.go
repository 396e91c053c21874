// Package payloadstore provides a concrete, thread-safe, reference-
// counted implementation of signal.PayloadStore: an LRU-bounded map
// from opaque handle to payload bytes, evicting only entries that are
// not currently held by any history buffer or snapshot.
package payloadstore

import (
	"container/list"
	"sync"

	"github.com/fleetwire/inspector/engine/signal"
)

// Config bounds the store's memory footprint.
type Config struct {
	// MaxEntries caps the total number of entries: once Put takes the
	// store above it, the least recently used zero-refcount entries
	// are evicted. Entries with a positive refcount are never evicted,
	// so the store can stay above this limit while they are held.
	// Zero disables eviction.
	MaxEntries int
}

type entry struct {
	handle   uint32
	signalID signal.ID
	data     []byte
	refcount int
	byStage  [2]int // indexed by signal.PayloadStage
}

// Store implements signal.PayloadStore.
type Store struct {
	cfg Config

	mu         sync.Mutex
	lru        *list.List
	entries    map[uint32]*list.Element
	nextHandle uint32
}

// New constructs an empty store.
func New(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		lru:     list.New(),
		entries: make(map[uint32]*list.Element),
	}
}

// Put registers a new payload and returns its handle, with a zero
// refcount until the caller Increfs it into a history buffer or
// snapshot. This is the store's ingestion-side API; it is not part of
// the signal.PayloadStore contract the evaluator consumes.
func (s *Store) Put(signalID signal.ID, data []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHandle++
	handle := s.nextHandle
	cp := make([]byte, len(data))
	copy(cp, data)
	el := s.lru.PushFront(&entry{handle: handle, signalID: signalID, data: cp})
	s.entries[handle] = el

	if s.cfg.MaxEntries > 0 {
		s.evictUnreferenced()
	}
	return handle
}

// Incref increments handle's reference count for the given usage
// stage, moving it to the front of the LRU list so a live handle is
// never the eviction candidate.
func (s *Store) Incref(id signal.ID, handle uint32, stage signal.PayloadStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[handle]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	e.refcount++
	if int(stage) < len(e.byStage) {
		e.byStage[stage]++
	}
	s.lru.MoveToFront(el)
}

// Decref decrements handle's reference count for the given stage. A
// handle whose count reaches zero becomes eligible for eviction but is
// not removed immediately; it is reclaimed lazily the next time the
// store is over capacity.
func (s *Store) Decref(id signal.ID, handle uint32, stage signal.PayloadStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[handle]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	if int(stage) < len(e.byStage) && e.byStage[stage] > 0 {
		e.byStage[stage]--
	}
	if e.refcount > 0 {
		e.refcount--
	}
}

// Borrow returns a copy of handle's payload bytes, or ok=false if the
// handle is unknown (evicted or never registered).
func (s *Store) Borrow(id signal.ID, handle uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[handle]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

// Refcount reports handle's current reference count, for tests and
// diagnostics.
func (s *Store) Refcount(handle uint32) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[handle]
	if !ok {
		return 0, false
	}
	return el.Value.(*entry).refcount, true
}

// Len reports the number of live entries, for tests and metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictUnreferenced walks the LRU list from the back, removing
// zero-refcount entries until the store is back within MaxEntries or
// no more evictable entries remain. Must be called with mu held.
func (s *Store) evictUnreferenced() {
	for len(s.entries) > s.cfg.MaxEntries {
		el := s.lru.Back()
		for el != nil && el.Value.(*entry).refcount > 0 {
			el = el.Prev()
		}
		if el == nil {
			return
		}
		e := el.Value.(*entry)
		delete(s.entries, e.handle)
		s.lru.Remove(el)
	}
}

var _ signal.PayloadStore = (*Store)(nil)
