package clickhouse

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/storage"
)

// SeriesStore implements storage.SeriesStore using ClickHouse.
//
// Every Replace writes a complete run under a fresh run_version and then
// records it in vault_series_runs. Reads resolve the newest recorded run,
// so a replace becomes visible all at once.
type SeriesStore struct {
	conn    *Conn
	lastRun atomic.Uint64
}

// NewSeriesStore creates a new SeriesStore.
func NewSeriesStore(conn *Conn) *SeriesStore {
	return &SeriesStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SeriesStore = (*SeriesStore)(nil)

// nextRun returns a nanosecond timestamp that is strictly greater than any
// run issued earlier by this store.
func (s *SeriesStore) nextRun() uint64 {
	for {
		now := uint64(time.Now().UnixNano())
		last := s.lastRun.Load()
		if now <= last {
			now = last + 1
		}
		if s.lastRun.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Replace swaps the stored series for vault.
func (s *SeriesStore) Replace(ctx context.Context, vault string, points []*domain.SeriesPoint) (err error) {
	if vault == "" {
		return storage.ErrInvalidInput
	}
	for _, p := range points {
		if p == nil || p.Vault != vault {
			return storage.ErrInvalidInput
		}
	}

	began := time.Now()
	defer func() { observe("replace_series", began, err) }()

	run := s.nextRun()

	if len(points) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, `
			INSERT INTO vault_series (
				vault, run_version, timestamp, seq, price_per_share, annualized_yield_pct
			)
		`)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}

		for _, p := range points {
			if err := batch.Append(vault, run, p.Timestamp, p.Seq, p.PricePerShare, p.AnnualizedYieldPct); err != nil {
				return fmt.Errorf("append to batch: %w", err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
	}

	if err := s.conn.Exec(ctx, `
		INSERT INTO vault_series_runs (vault, run_version, points) VALUES (?, ?, ?)
	`, vault, run, uint32(len(points))); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	return nil
}

// GetByVault returns the newest run for vault ordered by (timestamp, seq).
func (s *SeriesStore) GetByVault(ctx context.Context, vault string) (points []*domain.SeriesPoint, err error) {
	began := time.Now()
	defer func() { observe("get_series", began, err) }()

	rows, err := s.conn.Query(ctx, `
		SELECT vault, timestamp, seq, price_per_share, annualized_yield_pct
		FROM vault_series
		WHERE vault = ? AND run_version = (
			SELECT max(run_version) FROM vault_series_runs WHERE vault = ?
		)
		ORDER BY timestamp ASC, seq ASC
	`, vault, vault)
	if err != nil {
		return nil, fmt.Errorf("query series by vault: %w", err)
	}
	defer rows.Close()

	return scanSeries(rows)
}

// GetByTimeRange returns points of the newest run within [start, end] (inclusive).
func (s *SeriesStore) GetByTimeRange(ctx context.Context, vault string, start, end int64) (points []*domain.SeriesPoint, err error) {
	began := time.Now()
	defer func() { observe("get_series_by_time_range", began, err) }()

	rows, err := s.conn.Query(ctx, `
		SELECT vault, timestamp, seq, price_per_share, annualized_yield_pct
		FROM vault_series
		WHERE vault = ? AND timestamp >= ? AND timestamp <= ? AND run_version = (
			SELECT max(run_version) FROM vault_series_runs WHERE vault = ?
		)
		ORDER BY timestamp ASC, seq ASC
	`, vault, start, end, vault)
	if err != nil {
		return nil, fmt.Errorf("query series by time range: %w", err)
	}
	defer rows.Close()

	return scanSeries(rows)
}

func scanSeries(rows chRows) ([]*domain.SeriesPoint, error) {
	var points []*domain.SeriesPoint

	for rows.Next() {
		var p domain.SeriesPoint
		if err := rows.Scan(&p.Vault, &p.Timestamp, &p.Seq, &p.PricePerShare, &p.AnnualizedYieldPct); err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		points = append(points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series rows: %w", err)
	}

	return points, nil
}
