package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"vault-state-engine/internal/accounts"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/retry"
	"vault-state-engine/internal/solana"
)

type readCmd struct {
	rpc       string
	finalized bool
}

func (*readCmd) Name() string     { return "read" }
func (*readCmd) Synopsis() string { return "read and decode vault accounts" }
func (*readCmd) Usage() string {
	return `vaultctl read [-rpc <url>] [-finalized] <address>...

  Fetches the accounts in one getMultipleAccounts call and prints each
  decoded value. Closed or missing accounts print as null.
`
}

func (c *readCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.rpc, "rpc", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint")
	f.BoolVar(&c.finalized, "finalized", false, "read at finalized instead of optimistic commitment")
}

type readResult struct {
	Address string           `json:"address"`
	Kind    accounts.Kind    `json:"kind,omitempty"`
	Slot    int64            `json:"slot,omitempty"`
	Value   accounts.Account `json:"value"`
	Error   string           `json:"error,omitempty"`
}

func (c *readCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.rpc == "" || f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	commitment := domain.CommitmentOptimistic
	if c.finalized {
		commitment = domain.CommitmentFinalized
	}

	client := solana.NewHTTPClient(c.rpc)
	exec := retry.NewExecutor(retry.DefaultPolicy())

	addrs := f.Args()
	infos, err := retry.Do(ctx, exec, "getMultipleAccounts", func(ctx context.Context) ([]*solana.AccountInfo, error) {
		return client.GetMultipleAccounts(ctx, addrs, commitment)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "read accounts (%s): %v\n", retry.Reason(err), err)
		return subcommands.ExitFailure
	}

	status := subcommands.ExitSuccess
	results := make([]readResult, len(addrs))
	for i, addr := range addrs {
		results[i].Address = addr
		if i >= len(infos) || infos[i] == nil {
			continue
		}
		results[i].Slot = infos[i].Slot
		acct, err := accounts.Decode(infos[i].Data)
		if err != nil {
			results[i].Error = err.Error()
			status = subcommands.ExitFailure
			continue
		}
		results[i].Kind = acct.Kind()
		results[i].Value = acct
	}

	if err := printJSON(os.Stdout, results); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return status
}
