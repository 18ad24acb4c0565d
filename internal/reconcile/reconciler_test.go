package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-state-engine/internal/accounts"
	"vault-state-engine/internal/cache"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/retry"
	"vault-state-engine/internal/solana/stub"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestReconciler(reader *stub.AccountReader, store *cache.Store) *Reconciler {
	exec := retry.NewExecutor(retry.Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}, retry.WithSleep(noSleep))
	return New(reader, store, WithExecutor(exec))
}

func vaultBytes(t *testing.T, assets, shares uint64) []byte {
	t.Helper()
	mint := "11111111111111111111111111111111"
	raw, err := accounts.Encode(&accounts.VaultState{
		Authority:   mint,
		AssetMint:   mint,
		ShareMint:   mint,
		TotalAssets: assets,
		TotalShares: shares,
	})
	require.NoError(t, err)
	return raw
}

func TestReconcileNow_PatchesDivergentValue(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	optimistic := vaultBytes(t, 100, 100)
	finalized := vaultBytes(t, 110, 100)
	reader.Set("vault", domain.CommitmentFinalized, finalized)

	opt := store.WriteOptimistic("vault", "optimistic-value", optimistic)

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	require.Len(t, out, 1)
	assert.Equal(t, Patched, out[0].State)
	assert.NoError(t, out[0].Err)

	entry, ok := store.Get("vault")
	require.True(t, ok)
	assert.Equal(t, domain.CommitmentFinalized, entry.Commitment)
	assert.Greater(t, entry.Version, opt.Version)
	assert.Equal(t, finalized, entry.Raw)

	vs, ok := entry.Value.(*accounts.VaultState)
	require.True(t, ok)
	assert.Equal(t, uint64(110), vs.TotalAssets)
}

func TestReconcileNow_UnchangedWritesNothing(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	raw := vaultBytes(t, 100, 100)
	reader.Set("vault", domain.CommitmentFinalized, raw)
	before := store.WriteOptimistic("vault", "v", raw)

	writes := 0
	onFinalized := func(domain.CacheEntry, uint64) bool {
		writes++
		return true
	}

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, onFinalized)
	require.Len(t, out, 1)
	assert.Equal(t, Unchanged, out[0].State)
	assert.Equal(t, 0, writes)

	after, _ := store.Get("vault")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, domain.CommitmentOptimistic, after.Commitment)
}

func TestReconcileNow_RetriesTransientRead(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	reader.Set("vault", domain.CommitmentFinalized, vaultBytes(t, 5, 5))
	reader.FailNext("vault", retry.MarkTransient(errors.New("timeout")))

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	assert.Equal(t, Patched, out[0].State)
	assert.Equal(t, 2, reader.Calls("vault"))
}

func TestReconcileNow_FailureIsSwallowed(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	opt := store.WriteOptimistic("vault", "v", []byte{1})
	reader.FailNext("vault", retry.Reject("unauthorized", errors.New("denied")))

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	require.Len(t, out, 1)
	assert.Equal(t, Failed, out[0].State)
	assert.Equal(t, "rejected:unauthorized", retry.Reason(out[0].Err))
	assert.Equal(t, 1, reader.Calls("vault"))

	entry, _ := store.Get("vault")
	assert.Equal(t, opt.Version, entry.Version)
}

func TestReconcileNow_DecodeFailure(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	reader.Set("vault", domain.CommitmentFinalized, []byte{1, 2, 3})

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	assert.Equal(t, Failed, out[0].State)
	assert.ErrorIs(t, out[0].Err, accounts.ErrUnknownShape)

	_, ok := store.Get("vault")
	assert.False(t, ok)
}

func TestReconcileNow_ClosedAccount(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	store.WriteOptimistic("vault", "v", []byte{1})

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	assert.Equal(t, Patched, out[0].State)

	entry, ok := store.Get("vault")
	require.True(t, ok)
	assert.Nil(t, entry.Value)
	assert.Nil(t, entry.Raw)
	assert.Equal(t, domain.CommitmentFinalized, entry.Commitment)
}

func TestReconcileNow_IndependentResources(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	reader.Set("good", domain.CommitmentFinalized, vaultBytes(t, 1, 1))
	reader.FailNext("bad", retry.Reject("invalid_request", nil))

	out := r.ReconcileNow(context.Background(), []string{"bad", "good"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	require.Len(t, out, 2)
	assert.Equal(t, "bad", out[0].ID)
	assert.Equal(t, Failed, out[0].State)
	assert.Equal(t, "good", out[1].ID)
	assert.Equal(t, Patched, out[1].State)
}

func TestReconcile_RunsInBackground(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	reader.Set("vault", domain.CommitmentFinalized, vaultBytes(t, 2, 1))
	store.WriteOptimistic("vault", "v", vaultBytes(t, 1, 1))

	r.Reconcile([]string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	r.Wait()

	entry, _ := store.Get("vault")
	assert.Equal(t, domain.CommitmentFinalized, entry.Commitment)
}

func TestReconcile_CanceledBaseContext(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(reader, store, WithBaseContext(ctx))

	reader.Set("vault", domain.CommitmentFinalized, vaultBytes(t, 2, 1))
	r.Reconcile([]string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	r.Wait()

	_, ok := store.Get("vault")
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unchanged", Unchanged.String())
	assert.Equal(t, "patched", Patched.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "superseded", Superseded.String())
}

// hookReader serves data and runs during while the read is in flight.
type hookReader struct {
	data   []byte
	during func()
}

func (r *hookReader) GetAccountData(context.Context, string, domain.Commitment) ([]byte, error) {
	if r.during != nil {
		r.during()
	}
	return r.data, nil
}

func TestReconcileNow_WriteObservedDuringReadWins(t *testing.T) {
	store := cache.NewStore()
	store.WriteOptimistic("vault", "old", vaultBytes(t, 1, 1))

	var during domain.CacheEntry
	reader := &hookReader{
		data: vaultBytes(t, 2, 1),
		during: func() {
			during = store.WriteOptimistic("vault", "newer", vaultBytes(t, 3, 1))
		},
	}
	r := New(reader, store)

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, cache.FinalizeFunc(store))
	require.Len(t, out, 1)
	assert.Equal(t, Superseded, out[0].State)

	entry, _ := store.Get("vault")
	assert.Equal(t, during.Version, entry.Version)
	assert.Equal(t, domain.CommitmentOptimistic, entry.Commitment)
}

func TestReconcileNow_ComparesAgainWhenEntryMoves(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	finalized := vaultBytes(t, 5, 1)
	reader.Set("vault", domain.CommitmentFinalized, finalized)
	store.WriteOptimistic("vault", "opt", vaultBytes(t, 1, 1))

	// observed before the reconciliation started, lands between compare and patch
	early := store.NextVersion()
	calls := 0
	finalize := cache.FinalizeFunc(store)
	onFinalized := func(e domain.CacheEntry, base uint64) bool {
		calls++
		if calls == 1 {
			require.True(t, store.Put(domain.CacheEntry{Key: "vault", Value: "late", Raw: vaultBytes(t, 4, 1), Version: early}))
		}
		return finalize(e, base)
	}

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, onFinalized)
	assert.Equal(t, Patched, out[0].State)
	assert.Equal(t, 2, calls)

	entry, _ := store.Get("vault")
	assert.Equal(t, domain.CommitmentFinalized, entry.Commitment)
	assert.Equal(t, finalized, entry.Raw)
	assert.Greater(t, entry.Version, early)
}

func TestReconcileNow_DeclinedPatchStops(t *testing.T) {
	reader := stub.NewAccountReader()
	store := cache.NewStore()
	r := newTestReconciler(reader, store)

	reader.Set("vault", domain.CommitmentFinalized, vaultBytes(t, 5, 1))
	before := store.WriteOptimistic("vault", "opt", vaultBytes(t, 1, 1))

	out := r.ReconcileNow(context.Background(), []string{"vault"}, accounts.DecodeValue, func(domain.CacheEntry, uint64) bool { return false })
	assert.Equal(t, Superseded, out[0].State)

	entry, _ := store.Get("vault")
	assert.Equal(t, before.Version, entry.Version)
}
