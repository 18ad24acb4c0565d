package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"vault-state-engine/internal/accounts"
)

type pdaCmd struct {
	program string
}

func (*pdaCmd) Name() string     { return "pda" }
func (*pdaCmd) Synopsis() string { return "derive vault program account addresses" }
func (*pdaCmd) Usage() string {
	return `vaultctl pda [-program <id>] vault <share_mint>
vaultctl pda [-program <id>] position <vault> <owner>

  Prints the program derived address and its bump seed.
`
}

func (c *pdaCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.program, "program", os.Getenv("VAULT_PROGRAM_ID"), "vault program id")
}

func (c *pdaCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.program == "" || f.NArg() < 2 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	var (
		addr string
		bump uint8
		err  error
	)
	switch f.Arg(0) {
	case "vault":
		addr, bump, err = accounts.VaultStateAddress(f.Arg(1), c.program)
	case "position":
		if f.NArg() != 3 {
			fmt.Fprint(os.Stderr, c.Usage())
			return subcommands.ExitUsageError
		}
		addr, bump, err = accounts.UserPositionAddress(f.Arg(1), f.Arg(2), c.program)
	default:
		fmt.Fprintf(os.Stderr, "unknown account kind %q\n", f.Arg(0))
		return subcommands.ExitUsageError
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	fmt.Printf("%s %d\n", addr, bump)
	return subcommands.ExitSuccess
}
