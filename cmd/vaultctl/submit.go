package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"vault-state-engine/internal/accounts"
	"vault-state-engine/internal/cache"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/mutation"
	"vault-state-engine/internal/reconcile"
	"vault-state-engine/internal/retry"
	"vault-state-engine/internal/solana"
)

type submitCmd struct {
	rpc    string
	tx     string
	wait   time.Duration
	expect expectations
}

func (*submitCmd) Name() string     { return "submit" }
func (*submitCmd) Synopsis() string { return "send a signed transaction and reconcile the accounts it touches" }
func (*submitCmd) Usage() string {
	return `vaultctl submit [-rpc <url>] -tx <base64|-> [-expect <address>=<base64>]... [<address>...]

  Writes each -expect value to a local cache optimistically, sends the
  signed transaction, then re-reads every expected and listed address at
  finalized commitment. Prints the signature and the cache afterwards.
`
}

func (c *submitCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.rpc, "rpc", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint")
	f.StringVar(&c.tx, "tx", "", "signed transaction, base64; - reads stdin")
	f.DurationVar(&c.wait, "wait", reconcile.DefaultTimeout, "bound on the finalized reads")
	f.Var(&c.expect, "expect", "expected account bytes after the transaction, as <address>=<base64> (repeatable)")
}

// expectation is one account the transaction is expected to produce.
type expectation struct {
	address string
	raw     []byte
}

// expectations implements flag.Value for repeated -expect flags.
type expectations []expectation

func (e *expectations) String() string {
	parts := make([]string, len(*e))
	for i, x := range *e {
		parts[i] = x.address
	}
	return strings.Join(parts, ",")
}

func (e *expectations) Set(v string) error {
	addr, data, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want <address>=<base64>, got %q", v)
	}
	if !accounts.ValidPubkey(addr) {
		return fmt.Errorf("invalid address %q", addr)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", addr, err)
	}
	*e = append(*e, expectation{address: addr, raw: raw})
	return nil
}

// sender is the RPC surface submit needs.
type sender interface {
	solana.AccountReader
	SendTransaction(ctx context.Context, tx string) (string, error)
}

type submitEntry struct {
	Address    string            `json:"address"`
	Kind       accounts.Kind     `json:"kind,omitempty"`
	Commitment domain.Commitment `json:"commitment"`
	Version    uint64            `json:"version"`
	Value      any               `json:"value"`
}

type submitReport struct {
	ID        string        `json:"id"`
	Signature string        `json:"signature"`
	Accounts  []submitEntry `json:"accounts"`
}

func (c *submitCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.rpc == "" || c.tx == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	tx := c.tx
	if tx == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read transaction: %v\n", err)
			return subcommands.ExitFailure
		}
		tx = strings.TrimSpace(string(b))
	}

	report, err := submit(ctx, solana.NewHTTPClient(c.rpc), tx, c.expect, f.Args(), c.wait)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if err := printJSON(os.Stdout, report); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// submit runs one mutation against a fresh cache and waits for its
// reconciliation pass to finish.
func submit(ctx context.Context, client sender, tx string, expect expectations, extra []string, wait time.Duration) (*submitReport, error) {
	exec := retry.NewExecutor(retry.DefaultPolicy())
	store := cache.NewStore()
	rec := reconcile.New(client, store,
		reconcile.WithExecutor(exec),
		reconcile.WithTimeout(wait),
		reconcile.WithBaseContext(ctx),
	)
	m := mutation.New(store, rec, accounts.DecodeValue, mutation.WithExecutor(exec))

	writes := make([]mutation.Write, 0, len(expect))
	ids := make([]string, 0, len(expect)+len(extra))
	for _, x := range expect {
		value, err := accounts.DecodeValue(x.raw)
		if err != nil {
			return nil, fmt.Errorf("expected value for %s: %w", x.address, err)
		}
		writes = append(writes, mutation.Write{Key: x.address, Value: value, Raw: x.raw})
		ids = append(ids, x.address)
	}
	ids = append(ids, extra...)

	res, err := m.Submit(ctx, mutation.Mutation{
		Name:      "send_transaction",
		Writes:    writes,
		Reconcile: ids,
		Send: func(ctx context.Context) (string, error) {
			return client.SendTransaction(ctx, tx)
		},
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	rec.Wait()

	report := &submitReport{ID: res.ID, Signature: res.Signature}
	for _, key := range store.Keys() {
		e, _ := store.Get(key)
		entry := submitEntry{Address: key, Commitment: e.Commitment, Version: e.Version, Value: e.Value}
		if kind, ok := accounts.KindOf(e.Raw); ok {
			entry.Kind = kind
		}
		report.Accounts = append(report.Accounts, entry)
	}
	return report, nil
}
