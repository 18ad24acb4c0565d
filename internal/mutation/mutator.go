// Package mutation drives a state-changing call against the ledger: write the
// expected result to the cache optimistically, perform the remote call, then
// schedule finality reconciliation for the touched accounts.
package mutation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vault-state-engine/internal/cache"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/reconcile"
	"vault-state-engine/internal/retry"
)

// ErrNoSend is returned for a mutation without a remote call.
var ErrNoSend = errors.New("mutation has no send function")

// Write is one optimistic cache entry a mutation expects to produce.
type Write struct {
	Key   string
	Value any
	Raw   []byte
}

// Mutation describes one remote state change.
type Mutation struct {
	// Name labels logs and retry metrics.
	Name string
	// Writes are applied optimistically before Send runs.
	Writes []Write
	// Reconcile lists accounts to re-read at finalized commitment after a
	// successful send. Defaults to the keys of Writes.
	Reconcile []string
	// Send performs the remote call and returns the transaction signature.
	Send func(ctx context.Context) (string, error)
	// Idempotent marks Send as safe to repeat. Only idempotent sends are retried.
	Idempotent bool
	// RevertOnFailure restores the previous cache entries when Send fails,
	// unless another write has already replaced them.
	RevertOnFailure bool
}

// Result reports a successful mutation.
type Result struct {
	ID        string
	Signature string
	Written   []domain.CacheEntry
}

// Error is a failed mutation. Reason is one of the stable retry reasons.
type Error struct {
	ID     string
	Name   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mutation %s (%s): %s: %v", e.Name, e.ID, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Mutator runs mutations against a cache.
type Mutator struct {
	store      *cache.Store
	reconciler *reconcile.Reconciler
	decode     reconcile.DecodeFunc
	exec       *retry.Executor
	single     *retry.Executor
	log        zerolog.Logger
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithExecutor sets the executor used for idempotent sends.
func WithExecutor(e *retry.Executor) Option {
	return func(m *Mutator) {
		m.exec = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Mutator) {
		m.log = logger
	}
}

// New creates a Mutator. decode turns finalized bytes into cache values.
func New(store *cache.Store, reconciler *reconcile.Reconciler, decode reconcile.DecodeFunc, opts ...Option) *Mutator {
	m := &Mutator{
		store:      store,
		reconciler: reconciler,
		decode:     decode,
		exec:       retry.NewExecutor(retry.DefaultPolicy()),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	p := m.exec.Policy()
	p.MaxAttempts = 1
	m.single = retry.NewExecutor(p, retry.WithLogger(m.log))
	return m
}

// Submit applies the optimistic writes, performs the send and, on success,
// schedules reconciliation without waiting for it. The returned error is
// always a *Error carrying a stable reason.
func (m *Mutator) Submit(ctx context.Context, mut Mutation) (*Result, error) {
	id := uuid.NewString()
	log := m.log.With().Str("mutation_id", id).Str("mutation", mut.Name).Logger()

	if mut.Send == nil {
		return nil, &Error{ID: id, Name: mut.Name, Reason: retry.ReasonFailed, Err: ErrNoSend}
	}

	prev := make([]*domain.CacheEntry, len(mut.Writes))
	written := make([]domain.CacheEntry, len(mut.Writes))
	for i, w := range mut.Writes {
		if e, ok := m.store.Get(w.Key); ok {
			prev[i] = &e
		}
		written[i] = m.store.WriteOptimistic(w.Key, w.Value, w.Raw)
	}
	log.Debug().Int("writes", len(written)).Msg("optimistic writes applied")

	exec := m.single
	if mut.Idempotent {
		exec = m.exec
	}

	sig, err := retry.Do(ctx, exec, mut.Name, mut.Send)
	if err != nil {
		reason := retry.Reason(err)
		log.Warn().Err(err).Str("reason", reason).Msg("mutation failed")
		if mut.RevertOnFailure {
			m.revert(log, written, prev)
		}
		return nil, &Error{ID: id, Name: mut.Name, Reason: reason, Err: err}
	}

	log.Info().Str("signature", sig).Msg("mutation sent")

	ids := mut.Reconcile
	if len(ids) == 0 {
		ids = make([]string, 0, len(mut.Writes))
		for _, w := range mut.Writes {
			ids = append(ids, w.Key)
		}
	}
	if m.reconciler != nil {
		m.reconciler.Reconcile(ids, m.decode, cache.FinalizeFunc(m.store))
	}

	return &Result{ID: id, Signature: sig, Written: written}, nil
}

func (m *Mutator) revert(log zerolog.Logger, written []domain.CacheEntry, prev []*domain.CacheEntry) {
	for i := len(written) - 1; i >= 0; i-- {
		if !m.store.Revert(written[i], prev[i]) {
			log.Debug().Str("key", written[i].Key).Msg("revert skipped, entry superseded")
		}
	}
}
