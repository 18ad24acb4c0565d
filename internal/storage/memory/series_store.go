package memory

import (
	"context"
	"sort"
	"sync"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/storage"
)

// SeriesStore is an in-memory implementation of storage.SeriesStore.
type SeriesStore struct {
	mu   sync.RWMutex
	data map[string][]domain.SeriesPoint
}

// NewSeriesStore creates a new in-memory series store.
func NewSeriesStore() *SeriesStore {
	return &SeriesStore{
		data: make(map[string][]domain.SeriesPoint),
	}
}

// Replace swaps the series for vault.
func (s *SeriesStore) Replace(_ context.Context, vault string, points []*domain.SeriesPoint) error {
	if vault == "" {
		return storage.ErrInvalidInput
	}

	next := make([]domain.SeriesPoint, 0, len(points))
	for _, p := range points {
		if p == nil || p.Vault != vault {
			return storage.ErrInvalidInput
		}
		next = append(next, *p)
	}
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].Timestamp != next[j].Timestamp {
			return next[i].Timestamp < next[j].Timestamp
		}
		return next[i].Seq < next[j].Seq
	})

	s.mu.Lock()
	s.data[vault] = next
	s.mu.Unlock()
	return nil
}

// GetByVault returns the current series for vault.
func (s *SeriesStore) GetByVault(_ context.Context, vault string) ([]*domain.SeriesPoint, error) {
	return s.filter(vault, func(domain.SeriesPoint) bool { return true }), nil
}

// GetByTimeRange returns points within [start, end] (inclusive).
func (s *SeriesStore) GetByTimeRange(_ context.Context, vault string, start, end int64) ([]*domain.SeriesPoint, error) {
	return s.filter(vault, func(p domain.SeriesPoint) bool {
		return p.Timestamp >= start && p.Timestamp <= end
	}), nil
}

func (s *SeriesStore) filter(vault string, keep func(domain.SeriesPoint) bool) []*domain.SeriesPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SeriesPoint
	for _, p := range s.data[vault] {
		if keep(p) {
			pointCopy := p
			result = append(result, &pointCopy)
		}
	}
	return result
}

var _ storage.SeriesStore = (*SeriesStore)(nil)
