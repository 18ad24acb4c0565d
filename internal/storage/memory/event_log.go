package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/storage"
)

// EventLog is an in-memory implementation of storage.EventLogSource.
// Insert and InsertBulk load fixtures; the interface itself is read-only.
type EventLog struct {
	mu   sync.RWMutex
	data map[string]*domain.VaultEvent // keyed by vault|seq
}

// NewEventLog creates a new in-memory event log.
func NewEventLog() *EventLog {
	return &EventLog{
		data: make(map[string]*domain.VaultEvent),
	}
}

func eventKey(vault string, seq int64) string {
	return fmt.Sprintf("%s|%d", vault, seq)
}

// Insert adds an event. Returns ErrDuplicateKey if (vault, seq) exists.
func (s *EventLog) Insert(_ context.Context, e *domain.VaultEvent) error {
	if e == nil || e.Vault == "" {
		return storage.ErrInvalidInput
	}

	key := eventKey(e.Vault, e.Seq)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[key] = copyEvent(e)
	return nil
}

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *EventLog) InsertBulk(_ context.Context, events []*domain.VaultEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.Vault == "" {
			return storage.ErrInvalidInput
		}
		key := eventKey(e.Vault, e.Seq)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batch[key]; exists {
			return storage.ErrDuplicateKey
		}
		batch[key] = struct{}{}
	}

	for _, e := range events {
		s.data[eventKey(e.Vault, e.Seq)] = copyEvent(e)
	}
	return nil
}

// ListByVault returns all events for a vault, ordered by seq.
func (s *EventLog) ListByVault(_ context.Context, vault string) ([]*domain.VaultEvent, error) {
	return s.collect(func(e *domain.VaultEvent) bool { return e.Vault == vault }), nil
}

// ListByTimeRange returns events for a vault within [start, end] (inclusive).
func (s *EventLog) ListByTimeRange(_ context.Context, vault string, start, end int64) ([]*domain.VaultEvent, error) {
	return s.collect(func(e *domain.VaultEvent) bool {
		return e.Vault == vault && e.Timestamp >= start && e.Timestamp <= end
	}), nil
}

// ListVaults returns the distinct vaults, sorted.
func (s *EventLog) ListVaults(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range s.data {
		seen[e.Vault] = struct{}{}
	}
	vaults := make([]string, 0, len(seen))
	for v := range seen {
		vaults = append(vaults, v)
	}
	sort.Strings(vaults)
	return vaults, nil
}

func (s *EventLog) collect(match func(*domain.VaultEvent) bool) []*domain.VaultEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.VaultEvent
	for _, e := range s.data {
		if match(e) {
			result = append(result, copyEvent(e))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})
	return result
}

func copyEvent(e *domain.VaultEvent) *domain.VaultEvent {
	c := *e
	if e.Amount != nil {
		v := *e.Amount
		c.Amount = &v
	}
	if e.Shares != nil {
		v := *e.Shares
		c.Shares = &v
	}
	return &c
}

var _ storage.EventLogSource = (*EventLog)(nil)
