// Package debounce coalesces bursts of account change notifications into a
// single trailing update per resource.
package debounce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vault-state-engine/internal/changedetect"
	"vault-state-engine/internal/observability"
)

// DefaultQuietPeriod is the trailing debounce window.
const DefaultQuietPeriod = 50 * time.Millisecond

// Source pushes raw payloads for a resource. solana.AccountWatcher and
// feed.NATSWatcher both satisfy it. The func returned by Watch cancels it.
type Source interface {
	Watch(ctx context.Context, resourceID string, handler func([]byte)) (func(), error)
}

// ChangeFunc receives the settled payload for a resource. stamp was issued
// when the payload's notification was accepted, so it orders the payload
// against writes from other sources by observation rather than by delivery.
type ChangeFunc func(resourceID string, payload []byte, stamp uint64)

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithQuietPeriod sets the quiet period. Non-positive values keep the default.
func WithQuietPeriod(d time.Duration) Option {
	return func(db *Debouncer) {
		if d > 0 {
			db.quiet = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(db *Debouncer) {
		db.log = logger
	}
}

// WithStamp sets the function that issues a stamp for each accepted
// notification. cache.Store.NextVersion is the usual choice. The default is a
// counter private to the Debouncer.
func WithStamp(next func() uint64) Option {
	return func(db *Debouncer) {
		if next != nil {
			db.stamp = next
		}
	}
}

// Debouncer wraps a Source with per-resource trailing debounce and byte-level
// deduplication.
type Debouncer struct {
	src   Source
	quiet time.Duration
	log   zerolog.Logger
	stamp func() uint64
	seq   atomic.Uint64

	mu     sync.Mutex
	active map[*subscription]struct{}
}

// New creates a Debouncer over src.
func New(src Source, opts ...Option) *Debouncer {
	d := &Debouncer{
		src:    src,
		quiet:  DefaultQuietPeriod,
		log:    zerolog.Nop(),
		active: make(map[*subscription]struct{}),
	}
	d.stamp = func() uint64 { return d.seq.Add(1) }
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// subscription is the state for one Subscribe call.
type subscription struct {
	resourceID string
	onChange   ChangeFunc

	mu sync.Mutex
	// last is the most recently emitted payload; seen is false until the first emit.
	last   []byte
	lastFP changedetect.Fingerprint
	seen   bool
	// pending holds the newest payload of the current burst.
	pending      []byte
	pendingStamp uint64
	hasPending   bool
	timer      *time.Timer
	generation uint64
	closed     bool

	release func()

	// emitMu serializes onChange calls so a slow consumer never sees two
	// bursts at once or an older burst after a newer one.
	emitMu sync.Mutex
}

// Subscribe starts watching resourceID. onChange runs once per settled burst
// with the latest payload, never for a payload equal to the last one emitted.
// The returned unsubscribe cancels any pending emit and releases the source
// watch; calling it again is a no-op.
func (d *Debouncer) Subscribe(ctx context.Context, resourceID string, onChange ChangeFunc) (func(), error) {
	s := &subscription{resourceID: resourceID, onChange: onChange}

	release, err := d.src.Watch(ctx, resourceID, func(payload []byte) {
		d.notify(s, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", resourceID, err)
	}

	s.mu.Lock()
	s.release = release
	s.mu.Unlock()

	d.mu.Lock()
	d.active[s] = struct{}{}
	observability.UpdateActiveSubscriptions(len(d.active))
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(s) })
	}, nil
}

// Active returns the number of live subscriptions.
func (d *Debouncer) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Debouncer) unsubscribe(s *subscription) {
	s.mu.Lock()
	s.closed = true
	s.hasPending = false
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	release := s.release
	s.mu.Unlock()

	if release != nil {
		release()
	}

	d.mu.Lock()
	delete(d.active, s)
	observability.UpdateActiveSubscriptions(len(d.active))
	d.mu.Unlock()

	d.log.Debug().Str("resource", s.resourceID).Msg("unsubscribed")
}

// notify handles one raw notification from the source.
func (d *Debouncer) notify(s *subscription, payload []byte) {
	fp := changedetect.FingerprintOf(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.hasPending {
		if !changedetect.Changed(s.pending, payload) {
			observability.RecordNotification(true)
			return
		}
	} else if s.seen && s.lastFP.MayEqual(fp) && changedetect.Equal(s.last, payload) {
		observability.RecordNotification(true)
		return
	}

	observability.RecordNotification(false)

	s.pending = cloneBytes(payload)
	s.pendingStamp = d.stamp()
	s.hasPending = true
	s.generation++
	gen := s.generation

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d.quiet, func() { d.fire(s, gen) })
}

// fire emits the pending payload if no newer notification superseded it.
func (d *Debouncer) fire(s *subscription, gen uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed || !s.hasPending || gen != s.generation {
		s.mu.Unlock()
		return
	}

	payload, stamp := s.pending, s.pendingStamp
	s.pending = nil
	s.hasPending = false
	s.timer = nil

	// A burst that ends where it started is not a change.
	if s.seen && changedetect.Equal(s.last, payload) {
		s.mu.Unlock()
		d.log.Debug().Str("resource", s.resourceID).Msg("burst settled on previous value")
		return
	}

	s.last = payload
	s.lastFP = changedetect.FingerprintOf(payload)
	s.seen = true
	s.mu.Unlock()

	observability.RecordChangeEmitted()
	s.onChange(s.resourceID, payload, stamp)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
