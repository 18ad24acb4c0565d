package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"vault-state-engine/internal/accrual"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
	"vault-state-engine/internal/storage"
	chstore "vault-state-engine/internal/storage/clickhouse"
	pgstore "vault-state-engine/internal/storage/postgres"
)

type deriveCmd struct {
	events     string
	postgres   string
	clickhouse string
	vault      string
	window     int
	windowDays float64
	elapsed    bool
	malformed  string
}

func (*deriveCmd) Name() string     { return "derive" }
func (*deriveCmd) Synopsis() string { return "derive the price-per-share and yield series of a vault" }
func (*deriveCmd) Usage() string {
	return `vaultctl derive -vault <address> [-events <file.json> | -postgres <dsn>] [-clickhouse <dsn>]

  Replays the vault event log and prints the derived series as JSON.
  Events come from a JSON file ("-" for stdin) or the vault_events table.
  With -clickhouse the series also replaces the stored one.
`
}

func (c *deriveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.events, "events", "", "JSON file with an array of events, - for stdin")
	f.StringVar(&c.postgres, "postgres", os.Getenv("POSTGRES_DSN"), "PostgreSQL DSN to read vault_events from")
	f.StringVar(&c.clickhouse, "clickhouse", "", "ClickHouse DSN to write the series to")
	f.StringVar(&c.vault, "vault", "", "vault address")
	f.IntVar(&c.window, "window", accrual.DefaultWindow, "yield lookback in points")
	f.Float64Var(&c.windowDays, "window-days", 0, "annualization days for the lookback (0 = window)")
	f.BoolVar(&c.elapsed, "elapsed", false, "annualize over elapsed time between points")
	f.StringVar(&c.malformed, "malformed", "skip", "malformed event policy (skip, abort)")
}

// eventJSON is the file form of a vault event.
type eventJSON struct {
	Vault       string   `json:"vault"`
	Seq         *int64   `json:"seq"`
	Tag         string   `json:"tag"`
	Timestamp   int64    `json:"timestamp"`
	Amount      *float64 `json:"amount"`
	Shares      *float64 `json:"shares"`
	TxSignature string   `json:"tx_signature"`
}

type pointJSON struct {
	Timestamp          int64   `json:"timestamp"`
	Seq                int64   `json:"seq"`
	PricePerShare      float64 `json:"price_per_share"`
	AnnualizedYieldPct float64 `json:"annualized_yield_pct"`
}

type deriveOutput struct {
	Vault     string                 `json:"vault"`
	Points    []pointJSON            `json:"points"`
	Skipped   []accrual.SkippedEvent `json:"skipped,omitempty"`
	Anomalies int                    `json:"anomalies,omitempty"`
}

func (c *deriveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.vault == "" {
		fmt.Fprintln(os.Stderr, "-vault is required")
		return subcommands.ExitUsageError
	}

	policy, err := accrual.ParseMalformedPolicy(c.malformed)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	cfg := accrual.DefaultConfig()
	cfg.Window = c.window
	cfg.WindowDays = c.windowDays
	cfg.Malformed = policy
	cfg.Logger = observability.NewLogger("derive")
	if c.elapsed {
		cfg.Mode = accrual.ElapsedTime
	}

	events, err := c.loadEvents(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	points, res, err := accrual.DeriveSeries(c.vault, events, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive: %v\n", err)
		return subcommands.ExitFailure
	}

	if c.clickhouse != "" {
		if err := writeSeries(ctx, c.clickhouse, c.vault, points); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
	}

	out := deriveOutput{Vault: c.vault, Skipped: res.Skipped, Anomalies: res.Anomalies}
	for _, p := range points {
		out.Points = append(out.Points, pointJSON{
			Timestamp:          p.Timestamp,
			Seq:                p.Seq,
			PricePerShare:      p.PricePerShare,
			AnnualizedYieldPct: p.AnnualizedYieldPct,
		})
	}
	if err := printJSON(os.Stdout, out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *deriveCmd) loadEvents(ctx context.Context) ([]*domain.VaultEvent, error) {
	if c.events != "" {
		var r io.Reader = os.Stdin
		if c.events != "-" {
			f, err := os.Open(c.events)
			if err != nil {
				return nil, fmt.Errorf("open events: %w", err)
			}
			defer f.Close()
			r = f
		}
		return decodeEvents(r, c.vault)
	}

	if c.postgres == "" {
		return nil, fmt.Errorf("one of -events or -postgres is required")
	}
	pool, err := pgstore.NewPool(ctx, c.postgres)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	var src storage.EventLogSource = pgstore.NewEventLog(pool)
	return src.ListByVault(ctx, c.vault)
}

// decodeEvents reads a JSON array of events and keeps those of vault.
// Events without a vault field are taken to belong to it. An event without a
// seq gets its position in the array.
func decodeEvents(r io.Reader, vault string) ([]*domain.VaultEvent, error) {
	var raw []eventJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	events := make([]*domain.VaultEvent, 0, len(raw))
	for i, e := range raw {
		if e.Vault != "" && e.Vault != vault {
			continue
		}
		seq := int64(i)
		if e.Seq != nil {
			seq = *e.Seq
		}
		events = append(events, &domain.VaultEvent{
			Vault:       vault,
			Seq:         seq,
			Tag:         domain.EventTag(e.Tag),
			Timestamp:   e.Timestamp,
			Amount:      e.Amount,
			Shares:      e.Shares,
			TxSignature: e.TxSignature,
		})
	}
	return events, nil
}

func writeSeries(ctx context.Context, dsn, vault string, points []*domain.SeriesPoint) error {
	conn, err := chstore.NewConn(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := chstore.NewSeriesStore(conn).Replace(ctx, vault, points); err != nil {
		return fmt.Errorf("write series: %w", err)
	}
	return nil
}
