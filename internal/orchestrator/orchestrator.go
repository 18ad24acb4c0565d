// Package orchestrator runs periodic series derivation.
// Flow per vault: event log -> accrual -> series store
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vault-state-engine/internal/accrual"
	"vault-state-engine/internal/storage"
)

// Orchestrator derives and persists the series of a set of vaults.
type Orchestrator struct {
	events storage.EventLogSource
	series storage.SeriesStore
	vaults []string
	cfg    accrual.Config
	logger zerolog.Logger
}

// Options for creating Orchestrator.
type Options struct {
	// Required stores
	EventLog    storage.EventLogSource
	SeriesStore storage.SeriesStore

	// Vaults restricts the run. Empty means every vault in the event log.
	Vaults []string

	Accrual accrual.Config
	Logger  zerolog.Logger
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		events: opts.EventLog,
		series: opts.SeriesStore,
		vaults: opts.Vaults,
		cfg:    opts.Accrual,
		logger: opts.Logger,
	}
}

// RunResult contains results from one run.
type RunResult struct {
	VaultsProcessed int
	PointsWritten   int
	EventsSkipped   int
	Errors          []string
}

// Run derives every vault once. A failure on one vault is recorded in
// RunResult.Errors and does not stop the others; only a failure to list
// vaults or a canceled context fails the run.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}

	vaults, err := o.loadVaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("load vaults: %w", err)
	}

	for _, vault := range vaults {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		points, skipped, err := o.deriveVault(ctx, vault)
		if err != nil {
			o.logger.Error().Err(err).Str("vault", vault).Msg("derivation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", vault, err))
			continue
		}
		result.VaultsProcessed++
		result.PointsWritten += points
		result.EventsSkipped += skipped
	}

	o.logger.Info().
		Int("vaults", result.VaultsProcessed).
		Int("points", result.PointsWritten).
		Int("skipped", result.EventsSkipped).
		Int("errors", len(result.Errors)).
		Dur("took", time.Since(start)).
		Msg("derivation run completed")

	return result, nil
}

// DeriveVault derives and stores one vault.
func (o *Orchestrator) DeriveVault(ctx context.Context, vault string) (*RunResult, error) {
	points, skipped, err := o.deriveVault(ctx, vault)
	if err != nil {
		return nil, err
	}
	return &RunResult{VaultsProcessed: 1, PointsWritten: points, EventsSkipped: skipped}, nil
}

func (o *Orchestrator) loadVaults(ctx context.Context) ([]string, error) {
	if len(o.vaults) > 0 {
		return o.vaults, nil
	}
	return o.events.ListVaults(ctx)
}

func (o *Orchestrator) deriveVault(ctx context.Context, vault string) (int, int, error) {
	events, err := o.events.ListByVault(ctx, vault)
	if err != nil {
		return 0, 0, fmt.Errorf("list events: %w", err)
	}

	cfg := o.cfg
	cfg.Logger = o.logger.With().Str("vault", vault).Logger()

	points, res, err := accrual.DeriveSeries(vault, events, cfg)
	if err != nil {
		return 0, 0, fmt.Errorf("derive: %w", err)
	}

	if err := o.series.Replace(ctx, vault, points); err != nil {
		return 0, 0, fmt.Errorf("replace series: %w", err)
	}

	return len(points), len(res.Skipped), nil
}
