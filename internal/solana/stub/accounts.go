// Package stub provides in-memory Solana account transports for tests.
package stub

import (
	"context"
	"sync"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/solana"
)

// AccountReader implements solana.AccountReader from an in-memory table.
// Errors queued with FailNext are returned before any data is served.
type AccountReader struct {
	mu       sync.Mutex
	accounts map[domain.Commitment]map[string][]byte
	failures map[string][]error
	calls    map[string]int
}

var _ solana.AccountReader = (*AccountReader)(nil)

// NewAccountReader creates an empty stub reader.
func NewAccountReader() *AccountReader {
	return &AccountReader{
		accounts: map[domain.Commitment]map[string][]byte{
			domain.CommitmentOptimistic: {},
			domain.CommitmentFinalized:  {},
		},
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Set stores account data at a commitment level.
func (r *AccountReader) Set(pubkey string, commitment domain.Commitment, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[commitment][pubkey] = append([]byte(nil), data...)
}

// SetBoth stores the same data at both commitment levels.
func (r *AccountReader) SetBoth(pubkey string, data []byte) {
	r.Set(pubkey, domain.CommitmentOptimistic, data)
	r.Set(pubkey, domain.CommitmentFinalized, data)
}

// FailNext queues errors returned by the next reads of pubkey.
func (r *AccountReader) FailNext(pubkey string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[pubkey] = append(r.failures[pubkey], errs...)
}

// Calls returns how many reads were made for pubkey.
func (r *AccountReader) Calls(pubkey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[pubkey]
}

// GetAccountData implements solana.AccountReader.
func (r *AccountReader) GetAccountData(ctx context.Context, pubkey string, commitment domain.Commitment) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[pubkey]++

	if queued := r.failures[pubkey]; len(queued) > 0 {
		r.failures[pubkey] = queued[1:]
		return nil, queued[0]
	}

	data, ok := r.accounts[commitment][pubkey]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Watcher implements solana.AccountWatcher with manual delivery via Push.
type Watcher struct {
	mu       sync.Mutex
	handlers map[string]map[int]func([]byte)
	nextID   int
	watchErr error
}

var _ solana.AccountWatcher = (*Watcher)(nil)

// NewWatcher creates a stub watcher.
func NewWatcher() *Watcher {
	return &Watcher{handlers: make(map[string]map[int]func([]byte))}
}

// FailWatch makes subsequent Watch calls return err.
func (w *Watcher) FailWatch(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchErr = err
}

// Watch implements solana.AccountWatcher.
func (w *Watcher) Watch(_ context.Context, pubkey string, handler func([]byte)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watchErr != nil {
		return nil, w.watchErr
	}

	w.nextID++
	id := w.nextID
	if w.handlers[pubkey] == nil {
		w.handlers[pubkey] = make(map[int]func([]byte))
	}
	w.handlers[pubkey][id] = handler

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers[pubkey], id)
	}, nil
}

// Push delivers data to every active handler for pubkey.
func (w *Watcher) Push(pubkey string, data []byte) {
	w.mu.Lock()
	hs := make([]func([]byte), 0, len(w.handlers[pubkey]))
	for _, h := range w.handlers[pubkey] {
		hs = append(hs, h)
	}
	w.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

// Active returns the number of live watches for pubkey.
func (w *Watcher) Active(pubkey string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handlers[pubkey])
}
