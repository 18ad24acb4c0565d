package storage

import (
	"context"

	"vault-state-engine/internal/domain"
)

// EventLogSource reads the vault event log. The log is written by an
// external indexer; this side never mutates it.
type EventLogSource interface {
	// ListByVault returns every event for a vault. Callers must not rely on
	// the order; derivation sorts by (timestamp, seq) itself.
	ListByVault(ctx context.Context, vault string) ([]*domain.VaultEvent, error)

	// ListByTimeRange returns events for a vault within [start, end] (inclusive, unix seconds).
	ListByTimeRange(ctx context.Context, vault string, start, end int64) ([]*domain.VaultEvent, error)

	// ListVaults returns the distinct vaults present in the log, sorted.
	ListVaults(ctx context.Context) ([]string, error)
}

// SeriesStore holds the chart-ready derived series per vault.
type SeriesStore interface {
	// Replace swaps the stored series for a vault with points as one unit.
	// Readers see either the old or the new series, never a mix.
	Replace(ctx context.Context, vault string, points []*domain.SeriesPoint) error

	// GetByVault returns the current series for a vault ordered by (timestamp, seq).
	GetByVault(ctx context.Context, vault string) ([]*domain.SeriesPoint, error)

	// GetByTimeRange returns current points within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, vault string, start, end int64) ([]*domain.SeriesPoint, error)
}
