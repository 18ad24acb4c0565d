// Package reconcile re-reads optimistically written accounts at finalized
// commitment and patches the cache when the finalized bytes differ.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vault-state-engine/internal/cache"
	"vault-state-engine/internal/changedetect"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
	"vault-state-engine/internal/retry"
	"vault-state-engine/internal/solana"
)

// DefaultTimeout bounds one background reconciliation pass.
const DefaultTimeout = 60 * time.Second

// DecodeFunc decodes finalized account bytes into a cache value.
type DecodeFunc func(raw []byte) (any, error)

// FinalizedFunc stores a finalized entry only while the cache still holds the
// entry at version base (0 when the key was absent) and reports whether it
// did. cache.FinalizeFunc is the usual choice.
type FinalizedFunc func(entry domain.CacheEntry, base uint64) bool

// State is the terminal state of one resource's reconciliation.
type State int

const (
	Unchanged State = iota
	Patched
	Failed
	// Superseded means a write observed after the finalized read was issued
	// landed first; the cache is left as is.
	Superseded
)

func (s State) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Patched:
		return "patched"
	case Failed:
		return "failed"
	case Superseded:
		return "superseded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the result for one resource.
type Outcome struct {
	ID    string
	State State
	Err   error
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithExecutor sets the retry executor used for finalized reads.
func WithExecutor(e *retry.Executor) Option {
	return func(r *Reconciler) {
		r.exec = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.log = logger
	}
}

// WithTimeout bounds each background pass started by Reconcile.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBaseContext sets the parent context of background passes, so that
// canceling it stops in-flight reconciliation on shutdown.
func WithBaseContext(ctx context.Context) Option {
	return func(r *Reconciler) {
		r.base = ctx
	}
}

// Reconciler runs best-effort finality reconciliation against a cache.Store.
type Reconciler struct {
	reader  solana.AccountReader
	store   *cache.Store
	exec    *retry.Executor
	log     zerolog.Logger
	timeout time.Duration
	base    context.Context

	wg sync.WaitGroup
}

// New creates a Reconciler reading from reader and comparing against store.
func New(reader solana.AccountReader, store *cache.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		reader:  reader,
		store:   store,
		exec:    retry.NewExecutor(retry.DefaultPolicy()),
		log:     zerolog.Nop(),
		timeout: DefaultTimeout,
		base:    context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile schedules reconciliation of ids in the background and returns
// immediately. Failures are logged and never reported to the caller.
func (r *Reconciler) Reconcile(ids []string, decode DecodeFunc, onFinalized FinalizedFunc) {
	if len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.base, r.timeout)
		defer cancel()
		r.ReconcileNow(ctx, ids, decode, onFinalized)
	}()
}

// Wait blocks until every scheduled background pass has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// ReconcileNow reconciles ids synchronously and reports each outcome.
func (r *Reconciler) ReconcileNow(ctx context.Context, ids []string, decode DecodeFunc, onFinalized FinalizedFunc) []Outcome {
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		start := time.Now()
		out := r.reconcileOne(ctx, id, decode, onFinalized)
		observability.RecordReconcile(out.State.String())
		observability.RecordReconcileDuration(time.Since(start).Seconds())

		if out.State == Failed {
			r.log.Warn().Err(out.Err).Str("resource", id).Str("reason", retry.Reason(out.Err)).Msg("reconciliation failed")
		} else {
			r.log.Debug().Str("resource", id).Str("state", out.State.String()).Msg("reconciled")
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// reconcileOne reads id at finalized commitment and patches the cache. The
// patch version is issued before the read, so any write observed while the
// read is in flight outranks it.
func (r *Reconciler) reconcileOne(ctx context.Context, id string, decode DecodeFunc, onFinalized FinalizedFunc) Outcome {
	version := r.store.NextVersion()
	raw, err := retry.Do(ctx, r.exec, "reconcile_read", func(ctx context.Context) ([]byte, error) {
		return r.reader.GetAccountData(ctx, id, domain.CommitmentFinalized)
	})
	if err != nil {
		return Outcome{ID: id, State: Failed, Err: fmt.Errorf("read finalized: %w", err)}
	}

	var (
		value   any
		decoded bool
	)
	for {
		var (
			base    uint64
			current []byte
		)
		if entry, ok := r.store.Get(id); ok {
			base, current = entry.Version, entry.Raw
		}
		if base > version {
			return Outcome{ID: id, State: Superseded}
		}
		if !changedetect.Changed(current, raw) {
			return Outcome{ID: id, State: Unchanged}
		}

		// A nil read means the account no longer exists.
		if !decoded && raw != nil {
			value, err = decode(raw)
			if err != nil {
				return Outcome{ID: id, State: Failed, Err: fmt.Errorf("decode finalized: %w", err)}
			}
		}
		decoded = true

		patch := domain.CacheEntry{
			Key:        id,
			Value:      value,
			Commitment: domain.CommitmentFinalized,
			Raw:        raw,
			Version:    version,
		}
		if onFinalized(patch, base) {
			return Outcome{ID: id, State: Patched}
		}
		if !r.moved(id, base) {
			// declined with no competing write
			return Outcome{ID: id, State: Superseded}
		}
		// The entry moved between Get and the write; compare again.
	}
}

func (r *Reconciler) moved(id string, base uint64) bool {
	entry, ok := r.store.Get(id)
	if !ok {
		return base != 0
	}
	return entry.Version != base
}
