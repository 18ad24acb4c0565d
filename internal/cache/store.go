// Package cache holds decoded account values for downstream consumers.
//
// Writes come from three independent sources (optimistic mutations, the
// subscription debouncer and the finality reconciler) that race. The only
// ordering arbiter is a logical write counter: a write is applied iff its
// version is strictly greater than the stored one. Wall-clock arrival order
// is never consulted.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
)

// Store is the local key -> entry cache. It is safe for concurrent use and is
// passed explicitly to every component that reads or writes it.
type Store struct {
	mu      sync.RWMutex
	entries map[string]domain.CacheEntry
	counter atomic.Uint64

	// Each applied write takes a ticket under mu; listeners run one ticket at
	// a time, in ticket order, without holding mu.
	ticket     uint64
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	serving    uint64

	listenersMu sync.RWMutex
	listeners   map[uint64]func(domain.CacheEntry)
	nextID      uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{
		entries:   make(map[string]domain.CacheEntry),
		listeners: make(map[uint64]func(domain.CacheEntry)),
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	return s
}

// NextVersion issues a fresh write counter. Counters are unique and
// strictly increasing across the whole store. Writers that observe data
// asynchronously take a version when the data is observed and write it later
// with Put, so the counter orders writes by observation, not by arrival.
func (s *Store) NextVersion() uint64 {
	return s.counter.Add(1)
}

// Get returns the entry for key.
func (s *Store) Get(key string) (domain.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Put replaces the entry for e.Key when e.Version is greater than the stored
// version. It returns false for stale writes, which are dropped.
func (s *Store) Put(e domain.CacheEntry) bool {
	s.mu.Lock()
	if cur, ok := s.entries[e.Key]; ok && e.Version <= cur.Version {
		s.reject(e)
		return false
	}
	s.observe(e.Version)
	s.commit(e)
	return true
}

// PutIf replaces the entry for e.Key only while the stored entry is still the
// one at version base (0 for an absent key) and e.Version is greater than
// base. It is the conditional write behind compare-and-patch.
func (s *Store) PutIf(e domain.CacheEntry, base uint64) bool {
	s.mu.Lock()
	var stored uint64
	if cur, ok := s.entries[e.Key]; ok {
		stored = cur.Version
	}
	if stored != base || e.Version <= base {
		s.reject(e)
		return false
	}
	s.observe(e.Version)
	s.commit(e)
	return true
}

// WriteOptimistic stores an optimistic value under a freshly issued version.
// A version issued now is greater than every version already stored, so the
// write always applies.
func (s *Store) WriteOptimistic(key string, value any, raw []byte) domain.CacheEntry {
	return s.writeNow(key, value, raw, domain.CommitmentOptimistic)
}

// Finalize stores a finalized value under a version issued inside the store
// lock, so it supersedes every write already applied.
func (s *Store) Finalize(key string, value any, raw []byte) domain.CacheEntry {
	return s.writeNow(key, value, raw, domain.CommitmentFinalized)
}

func (s *Store) writeNow(key string, value any, raw []byte, c domain.Commitment) domain.CacheEntry {
	s.mu.Lock()
	e := domain.CacheEntry{
		Key:        key,
		Value:      value,
		Commitment: c,
		Raw:        raw,
		Version:    s.NextVersion(),
	}
	return s.commit(e)
}

// commit stores e and delivers it to listeners. Caller holds s.mu, which
// commit releases.
func (s *Store) commit(e domain.CacheEntry) domain.CacheEntry {
	e.Raw = cloneBytes(e.Raw)
	e.Removed = false
	s.entries[e.Key] = e
	n := len(s.entries)
	t := s.nextTicket()
	s.mu.Unlock()

	observability.RecordCacheWrite(e.Commitment.String(), true, n)
	s.deliver(t, e)
	return e
}

// remove deletes key and tells listeners it left the cache. Caller holds
// s.mu, which remove releases.
func (s *Store) remove(cur domain.CacheEntry) {
	delete(s.entries, cur.Key)
	gone := domain.CacheEntry{
		Key:        cur.Key,
		Commitment: cur.Commitment,
		Version:    s.NextVersion(),
		Removed:    true,
	}
	t := s.nextTicket()
	s.mu.Unlock()

	s.deliver(t, gone)
}

// nextTicket reserves the next delivery slot. Caller holds s.mu.
func (s *Store) nextTicket() uint64 {
	t := s.ticket
	s.ticket++
	return t
}

// deliver waits for ticket t's turn and runs the listeners.
func (s *Store) deliver(t uint64, e domain.CacheEntry) {
	s.notifyMu.Lock()
	for s.serving != t {
		s.notifyCond.Wait()
	}
	s.notifyMu.Unlock()

	defer func() {
		s.notifyMu.Lock()
		s.serving++
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()
	s.notify(e)
}

// reject records a dropped stale write. Caller holds s.mu, which reject
// releases.
func (s *Store) reject(e domain.CacheEntry) {
	n := len(s.entries)
	s.mu.Unlock()
	observability.RecordCacheWrite(e.Commitment.String(), false, n)
}

// observe moves the counter past v so versions issued later stay greater
// than any explicitly supplied version. Caller holds s.mu.
func (s *Store) observe(v uint64) {
	for {
		cur := s.counter.Load()
		if cur >= v || s.counter.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Delete removes key and notifies listeners with a Removed entry.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	cur, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.remove(cur)
}

// Revert undoes the write that produced written, restoring prev (or removing
// the key when prev is nil). It is a no-op returning false when any other
// write has landed on the key since.
func (s *Store) Revert(written domain.CacheEntry, prev *domain.CacheEntry) bool {
	s.mu.Lock()
	cur, ok := s.entries[written.Key]
	if !ok || cur.Version != written.Version {
		s.mu.Unlock()
		return false
	}
	if prev == nil {
		s.remove(cur)
		return true
	}
	e := *prev
	e.Version = s.NextVersion()
	s.commit(e)
	return true
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// OnChange registers fn to be called after every applied write and every
// removal. Calls are serialized in apply order. fn runs on the writer's
// goroutine, must not block and must not write to the store.
func (s *Store) OnChange(fn func(domain.CacheEntry)) (remove func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Store) notify(e domain.CacheEntry) {
	s.listenersMu.RLock()
	fns := make([]func(domain.CacheEntry), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// FinalizeFunc adapts the store to the reconciler's onFinalized callback:
// the patch is stored as finalized only while the entry it was compared
// against is still current.
func FinalizeFunc(s *Store) func(e domain.CacheEntry, base uint64) bool {
	return func(e domain.CacheEntry, base uint64) bool {
		e.Commitment = domain.CommitmentFinalized
		return s.PutIf(e, base)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
