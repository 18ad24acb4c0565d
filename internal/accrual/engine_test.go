package accrual

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-state-engine/internal/domain"
)

func ptr[T any](v T) *T {
	return &v
}

func deposit(seq, ts int64, amount, shares float64) *domain.VaultEvent {
	return &domain.VaultEvent{Vault: "v1", Seq: seq, Tag: domain.EventDeposit, Timestamp: ts, Amount: ptr(amount), Shares: ptr(shares)}
}

func claim(seq, ts int64, amount, shares float64) *domain.VaultEvent {
	return &domain.VaultEvent{Vault: "v1", Seq: seq, Tag: domain.EventClaim, Timestamp: ts, Amount: ptr(amount), Shares: ptr(shares)}
}

func repayment(seq, ts int64, amount float64) *domain.VaultEvent {
	return &domain.VaultEvent{Vault: "v1", Seq: seq, Tag: domain.EventRepayment, Timestamp: ts, Amount: ptr(amount)}
}

func withdrawRequest(seq, ts int64) *domain.VaultEvent {
	return &domain.VaultEvent{Vault: "v1", Seq: seq, Tag: domain.EventWithdrawRequest, Timestamp: ts, Amount: ptr(25.0)}
}

func ppsValues(res *Result) []float64 {
	out := make([]float64, len(res.PPS))
	for i, p := range res.PPS {
		out[i] = p.PricePerShare
	}
	return out
}

func TestDerive_EndToEndScenario(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(0, 0, 100, 100),
		repayment(1, 1, 10),
		claim(2, 2, -55, -50),
	}

	res, err := Derive(events, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, []float64{1.0, 1.10, 1.10}, ppsValues(res))
	assert.Equal(t, []int64{0, 1, 2}, []int64{res.PPS[0].Timestamp, res.PPS[1].Timestamp, res.PPS[2].Timestamp})
	assert.Len(t, res.Yield, 3)
	assert.Empty(t, res.Skipped)
	assert.Zero(t, res.Anomalies)
}

func TestDerive_EmptyInput(t *testing.T) {
	res, err := Derive(nil, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, res.PPS)
	assert.Empty(t, res.Yield)
}

func TestDerive_SingleEventYieldIsZero(t *testing.T) {
	res, err := Derive([]*domain.VaultEvent{deposit(0, 10, 100, 80)}, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, res.Yield, 1)
	assert.Equal(t, 0.0, res.Yield[0].AnnualizedYieldPct)
}

func TestDerive_DepositNeutralityAtGenesis(t *testing.T) {
	cases := []struct{ amount, shares float64 }{
		{100, 100},
		{250, 200},
		{1, 3},
		{1_000_000, 999_999},
	}
	for _, tc := range cases {
		res, err := Derive([]*domain.VaultEvent{deposit(0, 0, tc.amount, tc.shares)}, DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, tc.amount/tc.shares, res.PPS[0].PricePerShare)
	}
}

func TestDerive_LengthMatchesInput(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(0, 0, 100, 100),
		withdrawRequest(1, 1),
		repayment(2, 2, 5),
		claim(3, 3, 10, 10),
	}
	res, err := Derive(events, DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, res.PPS, len(events))
	assert.Len(t, res.Yield, len(events))
	assert.Len(t, res.Events, len(events))
}

func TestDerive_DeterministicAcrossPermutations(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(0, 100, 1000, 1000),
		deposit(1, 200, 500, 480),
		repayment(2, 300, 12.5),
		withdrawRequest(3, 350),
		claim(4, 400, -300, -280),
		repayment(5, 400, 3.25),
		deposit(6, 500, 42, 40),
	}

	want, err := Derive(events, DefaultConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]*domain.VaultEvent(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := Derive(shuffled, DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, want.PPS, got.PPS)
		assert.Equal(t, want.Yield, got.Yield)
	}
}

func TestDerive_DoesNotMutateInput(t *testing.T) {
	events := []*domain.VaultEvent{
		repayment(2, 30, 10),
		deposit(0, 10, 100, 100),
		claim(1, 20, 5, 5),
	}
	before := append([]*domain.VaultEvent(nil), events...)

	_, err := Derive(events, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, before, events)
	assert.Equal(t, 10.0, *events[0].Amount)
}

func TestDerive_RepaymentIncreasesPricePerShare(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(0, 0, 100, 90),
		repayment(1, 1, 0.01),
		deposit(2, 2, 50, 40),
		repayment(3, 3, 7),
	}
	res, err := Derive(events, DefaultConfig())
	require.NoError(t, err)

	assert.Greater(t, res.PPS[1].PricePerShare, res.PPS[0].PricePerShare)
	assert.Greater(t, res.PPS[3].PricePerShare, res.PPS[2].PricePerShare)
}

func TestDerive_WithdrawRequestIsNoOp(t *testing.T) {
	base := []*domain.VaultEvent{
		deposit(0, 0, 100, 100),
		repayment(2, 2, 10),
		claim(4, 4, 20, 18),
		repayment(6, 6, 3),
	}
	baseRes, err := Derive(base, DefaultConfig())
	require.NoError(t, err)

	for _, ts := range []int64{-1, 1, 3, 5, 7} {
		withExtra := append([]*domain.VaultEvent{withdrawRequest(100, ts)}, base...)
		res, err := Derive(withExtra, DefaultConfig())
		require.NoError(t, err)

		var filtered []float64
		for i, e := range res.Events {
			if e.Tag != domain.EventWithdrawRequest {
				filtered = append(filtered, res.PPS[i].PricePerShare)
			}
		}
		assert.Equal(t, ppsValues(baseRes), filtered, "withdraw request at ts=%d", ts)
	}
}

func TestDerive_TiesBrokenBySeq(t *testing.T) {
	events := []*domain.VaultEvent{
		repayment(2, 5, 10),
		deposit(1, 5, 100, 100),
	}
	res, err := Derive(events, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Events[0].Seq)
	assert.Equal(t, []float64{1.0, 1.1}, ppsValues(res))
}

func TestDerive_NegativeStateIsSurfaced(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(0, 0, 100, 100),
		claim(1, 1, 150, 120),
	}
	res, err := Derive(events, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Anomalies)
	assert.Equal(t, 0.0, res.PPS[1].PricePerShare)
}

func TestDerive_ClaimUsesAbsoluteValues(t *testing.T) {
	positive, err := Derive([]*domain.VaultEvent{deposit(0, 0, 100, 100), claim(1, 1, 40, 50)}, DefaultConfig())
	require.NoError(t, err)
	negative, err := Derive([]*domain.VaultEvent{deposit(0, 0, 100, 100), claim(1, 1, -40, -50)}, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, positive.PPS, negative.PPS)
	assert.Equal(t, 60.0/50.0, positive.PPS[1].PricePerShare)
}

func TestDerive_MalformedSkippedByDefault(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(0, 0, 100, 100),
		{Vault: "v1", Seq: 1, Tag: domain.EventDeposit, Timestamp: 1, Amount: ptr(50.0)},
		{Vault: "v1", Seq: 2, Tag: domain.EventRepayment, Timestamp: 2},
		{Vault: "v1", Seq: 3, Tag: "Mint", Timestamp: 3, Amount: ptr(1.0)},
		nil,
		repayment(5, 5, 10),
	}

	res, err := Derive(events, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, []float64{1.0, 1.1}, ppsValues(res))
	require.Len(t, res.Skipped, 4)
	assert.Equal(t, "missing shares", res.Skipped[0].Reason)
	assert.Equal(t, "missing amount", res.Skipped[1].Reason)
	assert.Contains(t, res.Skipped[2].Reason, "unknown tag")
	assert.Equal(t, "nil event", res.Skipped[3].Reason)
}

func TestDerive_MalformedAbort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Malformed = AbortOnMalformed

	events := []*domain.VaultEvent{
		deposit(0, 0, 100, 100),
		{Vault: "v1", Seq: 1, Tag: domain.EventClaim, Timestamp: 1, Shares: ptr(5.0)},
	}

	res, err := Derive(events, cfg)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrMalformedEvent))
	assert.Contains(t, err.Error(), "seq=1")
}

func TestDerive_WithdrawRequestNeedsNoAmount(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(0, 0, 100, 100),
		{Vault: "v1", Seq: 1, Tag: domain.EventWithdrawRequest, Timestamp: 1},
	}
	cfg := DefaultConfig()
	cfg.Malformed = AbortOnMalformed

	res, err := Derive(events, cfg)
	require.NoError(t, err)
	assert.Len(t, res.PPS, 2)
}

func TestParseMalformedPolicy(t *testing.T) {
	p, err := ParseMalformedPolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, AbortOnMalformed, p)

	p, err = ParseMalformedPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SkipMalformed, p)

	_, err = ParseMalformedPolicy("drop")
	assert.Error(t, err)
}

func TestDeriveSeries(t *testing.T) {
	events := []*domain.VaultEvent{
		deposit(7, 0, 100, 100),
		repayment(9, 1, 10),
	}
	points, res, err := DeriveSeries("vaultA", events, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, "vaultA", points[0].Vault)
	assert.Equal(t, int64(7), points[0].Seq)
	assert.Equal(t, int64(9), points[1].Seq)
	assert.Equal(t, 1.1, points[1].PricePerShare)
	assert.Equal(t, res.Yield[1].AnnualizedYieldPct, points[1].AnnualizedYieldPct)
}
