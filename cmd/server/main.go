// Package main runs the vault state engine as a long-lived service:
// - Account sync (continuous): watch feed -> debouncer -> cache
// - Finality sweep (scheduled): reconciler over watched accounts
// - Series derivation (scheduled): event log -> accrual -> series store
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"vault-state-engine/internal/accounts"
	"vault-state-engine/internal/accrual"
	"vault-state-engine/internal/cache"
	"vault-state-engine/internal/config"
	"vault-state-engine/internal/debounce"
	"vault-state-engine/internal/feed"
	"vault-state-engine/internal/observability"
	"vault-state-engine/internal/orchestrator"
	"vault-state-engine/internal/reconcile"
	"vault-state-engine/internal/retry"
	"vault-state-engine/internal/solana"
	"vault-state-engine/internal/storage"
	chstore "vault-state-engine/internal/storage/clickhouse"
	"vault-state-engine/internal/storage/memory"
	"vault-state-engine/internal/storage/migrations"
	pgstore "vault-state-engine/internal/storage/postgres"
	"vault-state-engine/internal/syncer"
)

// Server holds all components of the service.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	rpc        *solana.HTTPClient
	store      *cache.Store
	reconciler *reconcile.Reconciler
	orch       *orchestrator.Orchestrator
	syncer     *syncer.Syncer

	// State
	mu             sync.Mutex
	started        time.Time
	lastDeriveRun  time.Time
	lastSweepRun   time.Time
	deriveRunning  bool
	deriveRuns     int
	sweepRuns      int
	lastDeriveErrs int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("server", observability.ParseLogLevel(cfg.LogLevel))

	if cfg.RPCEndpoint == "" {
		logger.Fatal().Msg("SOLANA_RPC_ENDPOINT is required")
	}
	if cfg.WSEndpoint == "" && cfg.NATSURL == "" {
		logger.Fatal().Msg("SOLANA_WS_ENDPOINT or NATS_URL is required")
	}
	if !cfg.UseMemory && (cfg.PostgresDSN == "" || cfg.ClickhouseDSN == "") {
		logger.Fatal().Msg("POSTGRES_DSN and CLICKHOUSE_DSN are required (set USE_MEMORY=true for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())

	events, series, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create stores")
	}
	defer cleanup()

	server, closeFeed, err := newServer(ctx, cfg, logger, events, series)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	defer closeFeed()

	done := make(chan error, 1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()

		select {
		case sig := <-sigCh:
			logger.Warn().Str("signal", sig.String()).Msg("second signal, forcing exit")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error().Msg("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: server.routes()}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	err = server.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	server.syncer.Stop()
	server.reconciler.Wait()

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("server error")
	}

	logger.Info().Msg("shutdown complete")
}

// createStores opens the event log and series store.
func createStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.EventLogSource, storage.SeriesStore, func(), error) {
	if cfg.UseMemory {
		logger.Warn().Msg("using in-memory storage, event log starts empty")
		return memory.NewEventLog(), memory.NewSeriesStore(), func() {}, nil
	}

	logger.Info().Str("postgres", cfg.MaskedPostgresDSN()).Str("clickhouse", cfg.MaskedClickhouseDSN()).Msg("connecting to storage")

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return pgstore.NewEventLog(pool), chstore.NewSeriesStore(chConn), cleanup, nil
}

// newServer wires the sync pipeline. The returned func releases the feed.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, events storage.EventLogSource, series storage.SeriesStore) (*Server, func(), error) {
	policy := retry.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Jitter:       cfg.RetryJitter,
	}
	exec := retry.NewExecutor(policy, retry.WithLogger(logger.With().Str("component", "retry").Logger()))

	rpc := solana.NewHTTPClient(cfg.RPCEndpoint)
	store := cache.NewStore()

	source, closeFeed, err := openFeed(ctx, cfg, logger, store)
	if err != nil {
		return nil, nil, err
	}

	syn := syncer.New(source, store, accounts.DecodeValue,
		syncer.WithQuietPeriod(cfg.QuietPeriod),
		syncer.WithLogger(logger.With().Str("component", "syncer").Logger()),
		syncer.WithSnapshot(rpc, exec),
	)

	rec := reconcile.New(rpc, store,
		reconcile.WithExecutor(exec),
		reconcile.WithLogger(logger.With().Str("component", "reconcile").Logger()),
		reconcile.WithBaseContext(ctx),
	)

	malformed, err := accrual.ParseMalformedPolicy(cfg.MalformedPolicy)
	if err != nil {
		closeFeed()
		return nil, nil, err
	}
	acc := accrual.DefaultConfig()
	acc.Window = cfg.YieldWindow
	acc.WindowDays = cfg.YieldWindowDays
	acc.Malformed = malformed

	orch := orchestrator.New(orchestrator.Options{
		EventLog:    events,
		SeriesStore: series,
		Vaults:      cfg.Vaults,
		Accrual:     acc,
		Logger:      logger.With().Str("component", "derive").Logger(),
	})

	return &Server{
		cfg:        cfg,
		logger:     logger,
		rpc:        rpc,
		store:      store,
		reconciler: rec,
		orch:       orch,
		syncer:     syn,
	}, closeFeed, nil
}

// openFeed picks the push source. With only NATS_URL set the service
// consumes NATS. With both a WebSocket endpoint and NATS_URL it consumes the
// WebSocket and republishes every applied cache write to NATS.
func openFeed(ctx context.Context, cfg *config.Config, logger zerolog.Logger, store *cache.Store) (debounce.Source, func(), error) {
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		nc, err = feed.Connect(cfg.NATSURL, logger.With().Str("component", "nats").Logger())
		if err != nil {
			return nil, nil, err
		}
	}

	if cfg.WSEndpoint == "" {
		logger.Info().Str("prefix", cfg.NATSSubjectPrefix).Msg("watching accounts over NATS")
		watcher := feed.NewNATSWatcher(nc, cfg.NATSSubjectPrefix, logger.With().Str("component", "nats").Logger())
		return watcher, func() { nc.Close() }, nil
	}

	wsCfg := solana.DefaultWSConfig()
	wsCfg.Logger = logger.With().Str("component", "ws").Logger()
	ws, err := solana.NewWSClient(ctx, cfg.WSEndpoint, &wsCfg)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, nil, fmt.Errorf("create websocket client: %w", err)
	}

	if nc == nil {
		return ws, func() { ws.Close() }, nil
	}

	relay := feed.NewPublisher(nc, cfg.NATSSubjectPrefix)
	remove := store.OnChange(relay.Relay(logger.With().Str("component", "relay").Logger()))
	logger.Info().Str("prefix", cfg.NATSSubjectPrefix).Msg("relaying cache writes to NATS")

	return ws, func() {
		remove()
		ws.Close()
		nc.Close()
	}, nil
}

// Run starts account sync and the schedulers, and blocks until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info().Int("accounts", len(s.cfg.Accounts)).Msg("starting account sync")
	if err := s.syncer.Start(ctx, s.cfg.Accounts); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runDeriveScheduler(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runSweepScheduler(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// runDeriveScheduler derives all vault series on DeriveInterval.
func (s *Server) runDeriveScheduler(ctx context.Context) {
	if s.cfg.DeriveInterval <= 0 {
		return
	}
	s.logger.Info().Dur("interval", s.cfg.DeriveInterval).Msg("starting derivation scheduler")

	s.runDerive(ctx)

	ticker := time.NewTicker(s.cfg.DeriveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDerive(ctx)
		}
	}
}

func (s *Server) runDerive(ctx context.Context) {
	s.mu.Lock()
	if s.deriveRunning {
		s.mu.Unlock()
		s.logger.Warn().Msg("derivation already running, skipping")
		return
	}
	s.deriveRunning = true
	s.mu.Unlock()

	result, err := s.orch.Run(ctx)

	s.mu.Lock()
	s.deriveRunning = false
	s.lastDeriveRun = time.Now()
	s.deriveRuns++
	if result != nil {
		s.lastDeriveErrs = len(result.Errors)
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("derivation run failed")
	}
}

// runSweepScheduler reconciles every watched account on ReconcileInterval.
// It catches optimistic values that never got a finalized patch, such as
// writes from a fork that was abandoned.
func (s *Server) runSweepScheduler(ctx context.Context) {
	if s.cfg.ReconcileInterval <= 0 || len(s.cfg.Accounts) == 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcomes := s.reconciler.ReconcileNow(ctx, s.cfg.Accounts, accounts.DecodeValue, cache.FinalizeFunc(s.store))
			patched := 0
			for _, o := range outcomes {
				if o.State == reconcile.Patched {
					patched++
				}
			}
			s.logger.Debug().Int("accounts", len(outcomes)).Int("patched", patched).Msg("finality sweep done")

			s.mu.Lock()
			s.lastSweepRun = time.Now()
			s.sweepRuns++
			s.mu.Unlock()
		}
	}
}
