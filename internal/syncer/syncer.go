// Package syncer keeps cache entries for a set of accounts current from
// debounced change notifications.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vault-state-engine/internal/cache"
	"vault-state-engine/internal/debounce"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
	"vault-state-engine/internal/retry"
	"vault-state-engine/internal/solana"
)

// DecodeFunc turns raw account bytes into a cache value.
type DecodeFunc func(raw []byte) (any, error)

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Syncer) {
		s.log = logger
	}
}

// WithQuietPeriod sets the debounce quiet period.
func WithQuietPeriod(d time.Duration) Option {
	return func(s *Syncer) {
		s.quiet = d
	}
}

// WithSnapshot seeds each account from reader before its subscription starts.
func WithSnapshot(reader solana.AccountReader, exec *retry.Executor) Option {
	return func(s *Syncer) {
		s.snapshot = reader
		s.exec = exec
	}
}

// Syncer subscribes accounts through a Debouncer and writes decoded values
// to the cache at optimistic commitment. Every notification is stamped with a
// store version when it is accepted, so a payload that settles after a newer
// write (a finalized patch, say) is rejected by the store instead of
// overwriting it.
type Syncer struct {
	debouncer *debounce.Debouncer
	store     *cache.Store
	decode    DecodeFunc
	log       zerolog.Logger
	quiet     time.Duration

	snapshot solana.AccountReader
	exec     *retry.Executor

	mu     sync.Mutex
	unsubs map[string]func()
}

// New creates a Syncer reading notifications from src.
func New(src debounce.Source, store *cache.Store, decode DecodeFunc, opts ...Option) *Syncer {
	s := &Syncer{
		store:  store,
		decode: decode,
		log:    zerolog.Nop(),
		unsubs: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.debouncer = debounce.New(src,
		debounce.WithQuietPeriod(s.quiet),
		debounce.WithLogger(s.log),
		debounce.WithStamp(store.NextVersion),
	)
	if s.snapshot != nil && s.exec == nil {
		s.exec = retry.NewExecutor(retry.DefaultPolicy())
	}
	return s
}

// Add starts syncing key. Adding a key twice is a no-op.
func (s *Syncer) Add(ctx context.Context, key string) error {
	s.mu.Lock()
	_, exists := s.unsubs[key]
	s.mu.Unlock()
	if exists {
		return nil
	}

	if s.snapshot != nil {
		if err := s.seed(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("snapshot failed, waiting for notifications")
		}
	}

	unsub, err := s.debouncer.Subscribe(ctx, key, s.apply)
	if err != nil {
		return fmt.Errorf("sync %s: %w", key, err)
	}

	s.mu.Lock()
	if _, exists := s.unsubs[key]; exists {
		s.mu.Unlock()
		unsub()
		return nil
	}
	s.unsubs[key] = unsub
	s.mu.Unlock()

	s.log.Info().Str("key", key).Msg("syncing account")
	return nil
}

// Start adds every key, stopping at the first subscription failure.
func (s *Syncer) Start(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := s.Add(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Remove stops syncing key. The cache entry is left in place.
func (s *Syncer) Remove(key string) {
	s.mu.Lock()
	unsub, ok := s.unsubs[key]
	delete(s.unsubs, key)
	s.mu.Unlock()
	if ok {
		unsub()
	}
}

// Stop ends every subscription.
func (s *Syncer) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = make(map[string]func())
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Len returns the number of synced accounts.
func (s *Syncer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsubs)
}

func (s *Syncer) seed(ctx context.Context, key string) error {
	version := s.store.NextVersion()
	raw, err := retry.Do(ctx, s.exec, "snapshot_read", func(ctx context.Context) ([]byte, error) {
		return s.snapshot.GetAccountData(ctx, key, domain.CommitmentOptimistic)
	})
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	s.apply(key, raw, version)
	return nil
}

// apply decodes a settled payload and writes it under the version stamped
// when the payload was observed. A nil payload means the account was closed
// and is stored as a nil value. Decode failures leave the entry untouched.
func (s *Syncer) apply(key string, payload []byte, version uint64) {
	var value any
	if payload != nil {
		v, err := s.decode(payload)
		if err != nil {
			observability.RecordDecodeError("subscription")
			s.log.Error().Err(err).Str("key", key).Int("bytes", len(payload)).Msg("decode failed")
			return
		}
		value = v
	}

	e := domain.CacheEntry{
		Key:        key,
		Value:      value,
		Commitment: domain.CommitmentOptimistic,
		Raw:        payload,
		Version:    version,
	}
	if !s.store.Put(e) {
		s.log.Debug().Str("key", key).Uint64("version", version).Msg("stale payload dropped")
		return
	}
	s.log.Debug().Str("key", key).Uint64("version", version).Msg("cache updated")
}
