package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/storage"
)

// EventLog implements storage.EventLogSource over the vault_events table.
// It never writes; the table is owned by the indexer.
type EventLog struct {
	pool *Pool
}

// NewEventLog creates a new EventLog.
func NewEventLog(pool *Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Compile-time interface check.
var _ storage.EventLogSource = (*EventLog)(nil)

const selectEvents = `
	SELECT vault, seq, tag, timestamp, amount, shares, tx_signature
	FROM vault_events
`

// ListByVault returns all events for a vault, ordered by seq.
func (s *EventLog) ListByVault(ctx context.Context, vault string) (events []*domain.VaultEvent, err error) {
	began := time.Now()
	defer func() { observe("list_events_by_vault", began, err) }()

	query := selectEvents + `
		WHERE vault = $1
		ORDER BY seq ASC
	`

	rows, err := s.pool.Query(ctx, query, vault)
	if err != nil {
		return nil, fmt.Errorf("list vault events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListByTimeRange returns events for a vault within [start, end] (inclusive).
func (s *EventLog) ListByTimeRange(ctx context.Context, vault string, start, end int64) (events []*domain.VaultEvent, err error) {
	began := time.Now()
	defer func() { observe("list_events_by_time_range", began, err) }()

	query := selectEvents + `
		WHERE vault = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY seq ASC
	`

	rows, err := s.pool.Query(ctx, query, vault, start, end)
	if err != nil {
		return nil, fmt.Errorf("list vault events by time range: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListVaults returns the distinct vaults in the log, sorted.
func (s *EventLog) ListVaults(ctx context.Context) (vaults []string, err error) {
	began := time.Now()
	defer func() { observe("list_vaults", began, err) }()

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT vault FROM vault_events ORDER BY vault`)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	vaults, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan vault row: %w", err)
	}
	return vaults, nil
}

// scanEvents scans multiple rows into a slice of VaultEvent.
func scanEvents(rows pgx.Rows) ([]*domain.VaultEvent, error) {
	var events []*domain.VaultEvent

	for rows.Next() {
		var e domain.VaultEvent
		var tag string

		err := rows.Scan(
			&e.Vault,
			&e.Seq,
			&tag,
			&e.Timestamp,
			&e.Amount,
			&e.Shares,
			&e.TxSignature,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vault event row: %w", err)
		}

		e.Tag = domain.EventTag(tag)
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault event rows: %w", err)
	}

	return events, nil
}
