package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"vault-state-engine/internal/accounts"
	"vault-state-engine/internal/debounce"
	"vault-state-engine/internal/feed"
	"vault-state-engine/internal/observability"
	"vault-state-engine/internal/solana"
)

type watchCmd struct {
	ws     string
	nats   string
	prefix string
	quiet  time.Duration
}

func (*watchCmd) Name() string     { return "watch" }
func (*watchCmd) Synopsis() string { return "stream debounced account changes" }
func (*watchCmd) Usage() string {
	return `vaultctl watch [-ws <url> | -nats <url>] [-quiet <duration>] <address>...

  Subscribes to each account and prints one JSON line per settled change
  until interrupted.
`
}

func (c *watchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.ws, "ws", os.Getenv("SOLANA_WS_ENDPOINT"), "Solana WebSocket endpoint")
	f.StringVar(&c.nats, "nats", "", "NATS URL, overrides -ws")
	f.StringVar(&c.prefix, "prefix", feed.DefaultSubjectPrefix, "NATS subject prefix")
	f.DurationVar(&c.quiet, "quiet", debounce.DefaultQuietPeriod, "debounce quiet period")
}

type changeLine struct {
	Time    time.Time        `json:"time"`
	Address string           `json:"address"`
	Seq     uint64           `json:"seq"`
	Closed  bool             `json:"closed,omitempty"`
	Value   accounts.Account `json:"value,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (c *watchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 || (c.ws == "" && c.nats == "") {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	logger := observability.NewLogger("watch")

	var source debounce.Source
	if c.nats != "" {
		nc, err := feed.Connect(c.nats, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer nc.Close()
		source = feed.NewNATSWatcher(nc, c.prefix, logger)
	} else {
		cfg := solana.DefaultWSConfig()
		cfg.Logger = logger
		ws, err := solana.NewWSClient(ctx, c.ws, &cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer ws.Close()
		source = ws
	}

	lines := make(chan changeLine, 64)
	deb := debounce.New(source, debounce.WithQuietPeriod(c.quiet), debounce.WithLogger(logger))

	for _, addr := range f.Args() {
		unsub, err := deb.Subscribe(ctx, addr, func(id string, payload []byte, seq uint64) {
			line := changeLine{Time: time.Now().UTC(), Address: id, Seq: seq, Closed: payload == nil}
			if payload != nil {
				acct, err := accounts.Decode(payload)
				if err != nil {
					line.Error = err.Error()
				} else {
					line.Value = acct
				}
			}
			select {
			case lines <- line:
			default:
				logger.Warn().Str("address", id).Msg("output backlog full, dropping change")
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "subscribe %s: %v\n", addr, err)
			return subcommands.ExitFailure
		}
		defer unsub()
	}

	for {
		select {
		case <-ctx.Done():
			return subcommands.ExitSuccess
		case line := <-lines:
			if err := jsonLine(line); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return subcommands.ExitFailure
			}
		}
	}
}
