package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-state-engine/internal/domain"
)

func TestStore_PutAndGet(t *testing.T) {
	s := NewStore()

	v := s.NextVersion()
	require.True(t, s.Put(domain.CacheEntry{Key: "a", Value: 1, Commitment: domain.CommitmentOptimistic, Version: v}))

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got.Value)
	assert.Equal(t, v, got.Version)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_StaleWriteRejected(t *testing.T) {
	s := NewStore()
	older := s.NextVersion()
	newer := s.NextVersion()

	require.True(t, s.Put(domain.CacheEntry{Key: "a", Value: "new", Version: newer}))
	assert.False(t, s.Put(domain.CacheEntry{Key: "a", Value: "old", Version: older}))
	assert.False(t, s.Put(domain.CacheEntry{Key: "a", Value: "same", Version: newer}))

	got, _ := s.Get("a")
	assert.Equal(t, "new", got.Value)
}

func TestStore_FinalizedNeverDowngraded(t *testing.T) {
	s := NewStore()

	// optimistic write issued before the finalized one but delivered late
	late := s.NextVersion()
	fin := s.Finalize("acct", "final", []byte{2})

	assert.False(t, s.Put(domain.CacheEntry{Key: "acct", Value: "optimistic", Commitment: domain.CommitmentOptimistic, Version: late}))

	got, _ := s.Get("acct")
	assert.Equal(t, domain.CommitmentFinalized, got.Commitment)
	assert.Equal(t, fin.Version, got.Version)
	assert.Equal(t, "final", got.Value)
}

func TestStore_FinalizeSupersedesOptimistic(t *testing.T) {
	s := NewStore()

	// optimistic write carrying a version issued far in the future
	require.True(t, s.Put(domain.CacheEntry{Key: "acct", Value: "opt", Commitment: domain.CommitmentOptimistic, Version: 100}))

	fin := s.Finalize("acct", "final", nil)
	assert.Greater(t, fin.Version, uint64(100))

	got, _ := s.Get("acct")
	assert.Equal(t, "final", got.Value)
	assert.Equal(t, domain.CommitmentFinalized, got.Commitment)
}

func TestStore_NewerOptimisticReplacesFinalized(t *testing.T) {
	s := NewStore()
	s.Finalize("acct", "final", nil)

	e := s.WriteOptimistic("acct", "next-mutation", nil)

	got, _ := s.Get("acct")
	assert.Equal(t, e.Version, got.Version)
	assert.Equal(t, domain.CommitmentOptimistic, got.Commitment)
}

func TestStore_RawIsCopied(t *testing.T) {
	s := NewStore()
	raw := []byte{1, 2, 3}
	s.WriteOptimistic("a", nil, raw)
	raw[0] = 9

	got, _ := s.Get("a")
	assert.Equal(t, []byte{1, 2, 3}, got.Raw)
}

func TestStore_ConcurrentWritesKeepHighestVersion(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := s.NextVersion()
			s.Put(domain.CacheEntry{Key: "k", Value: v, Version: v})
		}()
	}
	wg.Wait()

	got, _ := s.Get("k")
	assert.Equal(t, uint64(50), got.Version)
	assert.Equal(t, uint64(50), got.Value)
}

func TestStore_OnChange(t *testing.T) {
	s := NewStore()

	var seen []domain.CacheEntry
	remove := s.OnChange(func(e domain.CacheEntry) { seen = append(seen, e) })

	s.WriteOptimistic("a", 1, nil)
	s.Put(domain.CacheEntry{Key: "a", Value: 0, Version: 0})
	remove()
	remove()
	s.WriteOptimistic("a", 2, nil)

	require.Len(t, seen, 1)
	assert.Equal(t, 1, seen[0].Value)
}

func TestStore_KeysAndDelete(t *testing.T) {
	s := NewStore()
	s.WriteOptimistic("b", nil, nil)
	s.WriteOptimistic("a", nil, nil)

	assert.Equal(t, []string{"a", "b"}, s.Keys())
	assert.Equal(t, 2, s.Len())

	s.Delete("a")
	assert.Equal(t, []string{"b"}, s.Keys())
}

func TestFinalizeFunc(t *testing.T) {
	s := NewStore()
	v := s.NextVersion()
	require.True(t, FinalizeFunc(s)(domain.CacheEntry{Key: "acct", Value: 42, Raw: []byte{7}, Version: v}, 0))

	got, ok := s.Get("acct")
	require.True(t, ok)
	assert.Equal(t, domain.CommitmentFinalized, got.Commitment)
	assert.Equal(t, 42, got.Value)
	assert.Equal(t, v, got.Version)
}

func TestStore_PutIf(t *testing.T) {
	s := NewStore()
	patch := s.NextVersion()
	base := s.WriteOptimistic("acct", "opt", []byte{1})

	tests := []struct {
		name  string
		entry domain.CacheEntry
		base  uint64
		want  bool
	}{
		{"base moved on", domain.CacheEntry{Key: "acct", Version: s.NextVersion()}, 0, false},
		{"version not newer than base", domain.CacheEntry{Key: "acct", Version: patch}, base.Version, false},
		{"absent key with wrong base", domain.CacheEntry{Key: "other", Version: s.NextVersion()}, base.Version, false},
		{"absent key", domain.CacheEntry{Key: "other", Version: s.NextVersion()}, 0, true},
		{"current base", domain.CacheEntry{Key: "acct", Value: "fin", Version: s.NextVersion()}, base.Version, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.PutIf(tt.entry, tt.base))
		})
	}

	got, _ := s.Get("acct")
	assert.Equal(t, "fin", got.Value)
}

func TestStore_LateObservationLosesToFinalized(t *testing.T) {
	s := NewStore()

	// observed before the finalized write, delivered after it
	observed := s.NextVersion()
	s.Finalize("acct", "final", []byte{2})

	assert.False(t, s.Put(domain.CacheEntry{Key: "acct", Value: "stale", Commitment: domain.CommitmentOptimistic, Raw: []byte{1}, Version: observed}))

	got, _ := s.Get("acct")
	assert.Equal(t, domain.CommitmentFinalized, got.Commitment)
}

func TestStore_OnChangeInApplyOrder(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var seen []uint64
	s.OnChange(func(e domain.CacheEntry) {
		mu.Lock()
		seen = append(seen, e.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.WriteOptimistic("k", nil, []byte{1})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 100)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "listener saw version %d after %d", seen[i], seen[i-1])
	}
}

func TestStore_ListenerMayRead(t *testing.T) {
	s := NewStore()

	var got domain.CacheEntry
	s.OnChange(func(e domain.CacheEntry) { got, _ = s.Get(e.Key) })

	written := s.WriteOptimistic("acct", "v", nil)
	assert.Equal(t, written.Version, got.Version)
}

func TestStore_RemovalsNotifyListeners(t *testing.T) {
	s := NewStore()

	var seen []domain.CacheEntry
	s.OnChange(func(e domain.CacheEntry) { seen = append(seen, e) })

	s.WriteOptimistic("a", "x", []byte{1})
	s.Delete("a")
	s.Delete("missing")

	written := s.WriteOptimistic("b", "mine", []byte{2})
	require.True(t, s.Revert(written, nil))

	require.Len(t, seen, 4)
	assert.True(t, seen[1].Removed)
	assert.Equal(t, "a", seen[1].Key)
	assert.Nil(t, seen[1].Raw)
	assert.True(t, seen[3].Removed)
	assert.Equal(t, "b", seen[3].Key)
	assert.Greater(t, seen[3].Version, seen[2].Version)

	assert.Equal(t, 0, s.Len())
}

func TestStore_Revert(t *testing.T) {
	s := NewStore()

	prev := s.Finalize("acct", "old", []byte{1})
	written := s.WriteOptimistic("acct", "new", []byte{2})

	require.True(t, s.Revert(written, &prev))
	got, _ := s.Get("acct")
	assert.Equal(t, "old", got.Value)
	assert.Equal(t, domain.CommitmentFinalized, got.Commitment)
	assert.Greater(t, got.Version, written.Version)

	assert.False(t, s.Revert(written, &prev), "second revert must not apply")
}

func TestStore_RevertSkipsWhenSuperseded(t *testing.T) {
	s := NewStore()

	written := s.WriteOptimistic("acct", "mine", nil)
	s.Finalize("acct", "chain", nil)

	assert.False(t, s.Revert(written, nil))
	got, ok := s.Get("acct")
	require.True(t, ok)
	assert.Equal(t, "chain", got.Value)
}

func TestStore_RevertRemovesNewKey(t *testing.T) {
	s := NewStore()

	written := s.WriteOptimistic("acct", "mine", nil)
	require.True(t, s.Revert(written, nil))

	_, ok := s.Get("acct")
	assert.False(t, ok)
}
