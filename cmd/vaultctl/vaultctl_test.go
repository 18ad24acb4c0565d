package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-state-engine/internal/accounts"
	"vault-state-engine/internal/accrual"
	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/retry"
	"vault-state-engine/internal/solana"
	"vault-state-engine/internal/solana/stub"
)

func TestDecodeEvents(t *testing.T) {
	in := `[
		{"vault": "v1", "seq": 2, "tag": "Repayment", "timestamp": 200, "amount": 10},
		{"seq": 1, "tag": "Deposit", "timestamp": 100, "amount": 100, "shares": 100, "tx_signature": "sig"},
		{"vault": "other", "seq": 1, "tag": "Deposit", "timestamp": 100, "amount": 1, "shares": 1}
	]`

	events, err := decodeEvents(strings.NewReader(in), "v1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, domain.EventRepayment, events[0].Tag)
	assert.Nil(t, events[0].Shares)
	assert.Equal(t, "v1", events[1].Vault)
	assert.Equal(t, "sig", events[1].TxSignature)

	res, err := accrual.Derive(events, accrual.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, res.PPS, 2)
	assert.InDelta(t, 1.1, res.PPS[1].PricePerShare, 1e-9)
}

func TestDecodeEvents_SeqDefaultsToPosition(t *testing.T) {
	in := `[
		{"tag": "Deposit", "timestamp": 5, "amount": 1, "shares": 1},
		{"vault": "other", "tag": "Deposit", "timestamp": 5, "amount": 1, "shares": 1},
		{"tag": "Repayment", "timestamp": 5, "amount": 1},
		{"seq": 40, "tag": "Repayment", "timestamp": 5, "amount": 1}
	]`

	events, err := decodeEvents(strings.NewReader(in), "v1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(0), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, int64(40), events[2].Seq)

	points, _, err := accrual.DeriveSeries("v1", events, accrual.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, []int64{0, 2, 40}, []int64{points[0].Seq, points[1].Seq, points[2].Seq})
}

func TestDecodeEvents_Invalid(t *testing.T) {
	_, err := decodeEvents(strings.NewReader(`{"not": "an array"}`), "v1")
	assert.Error(t, err)
}

func execute(t *testing.T, cmd subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(fs)
	require.NoError(t, fs.Parse(args))
	return cmd.Execute(context.Background(), fs)
}

func TestCommands_UsageErrors(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("SOLANA_RPC_ENDPOINT", "")
	t.Setenv("SOLANA_WS_ENDPOINT", "")
	t.Setenv("VAULT_PROGRAM_ID", "")

	assert.Equal(t, subcommands.ExitUsageError, execute(t, &deriveCmd{}))
	assert.Equal(t, subcommands.ExitUsageError, execute(t, &deriveCmd{}, "-vault", "v1", "-malformed", "explode"))
	assert.Equal(t, subcommands.ExitUsageError, execute(t, &readCmd{}, "acct"))
	assert.Equal(t, subcommands.ExitUsageError, execute(t, &watchCmd{}))
	assert.Equal(t, subcommands.ExitUsageError, execute(t, &pdaCmd{}, "vault"))
	assert.Equal(t, subcommands.ExitUsageError, execute(t, &pdaCmd{}, "-program", "11111111111111111111111111111111", "mint", "x"))
	assert.Equal(t, subcommands.ExitUsageError, execute(t, &submitCmd{}, "-tx", "AQID"))
}

func TestPDA_Vault(t *testing.T) {
	status := execute(t, &pdaCmd{}, "-program", "11111111111111111111111111111111", "vault", "So11111111111111111111111111111111111111112")
	assert.Equal(t, subcommands.ExitSuccess, status)
}

func TestDerive_MissingSource(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	assert.Equal(t, subcommands.ExitFailure, execute(t, &deriveCmd{}, "-vault", "v1"))
}

// fakeSender is a stub reader that also accepts transactions.
type fakeSender struct {
	*stub.AccountReader
	sent []string
	err  error
}

func (f *fakeSender) SendTransaction(_ context.Context, tx string) (string, error) {
	f.sent = append(f.sent, tx)
	if f.err != nil {
		return "", f.err
	}
	return "sig-" + tx, nil
}

const testKey = "11111111111111111111111111111111"

func vaultRaw(t *testing.T, assets uint64) []byte {
	t.Helper()
	raw, err := accounts.Encode(&accounts.VaultState{
		Authority:   testKey,
		AssetMint:   testKey,
		ShareMint:   testKey,
		TotalAssets: assets,
		TotalShares: 100,
	})
	require.NoError(t, err)
	return raw
}

func TestExpectations_Set(t *testing.T) {
	var e expectations
	require.NoError(t, e.Set(testKey+"="+base64.StdEncoding.EncodeToString([]byte{1})))
	assert.Equal(t, []byte{1}, e[0].raw)
	assert.Equal(t, testKey, e.String())

	assert.Error(t, e.Set("no-separator"))
	assert.Error(t, e.Set("not-a-key=AQ=="))
	assert.Error(t, e.Set(testKey+"=%%%"))
}

func TestSubmit_ReconcilesToFinalized(t *testing.T) {
	client := &fakeSender{AccountReader: stub.NewAccountReader()}
	client.Set(testKey, domain.CommitmentFinalized, vaultRaw(t, 120))

	expect := expectations{{address: testKey, raw: vaultRaw(t, 110)}}
	report, err := submit(context.Background(), client, "AQID", expect, nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "sig-AQID", report.Signature)
	assert.NotEmpty(t, report.ID)
	require.Len(t, report.Accounts, 1)

	got := report.Accounts[0]
	assert.Equal(t, accounts.KindVaultState, got.Kind)
	assert.Equal(t, domain.CommitmentFinalized, got.Commitment)
	assert.Equal(t, uint64(120), got.Value.(*accounts.VaultState).TotalAssets)
}

func TestSubmit_ExpectationAlreadyFinal(t *testing.T) {
	client := &fakeSender{AccountReader: stub.NewAccountReader()}
	client.Set(testKey, domain.CommitmentFinalized, vaultRaw(t, 110))

	expect := expectations{{address: testKey, raw: vaultRaw(t, 110)}}
	report, err := submit(context.Background(), client, "AQID", expect, nil, time.Second)
	require.NoError(t, err)

	require.Len(t, report.Accounts, 1)
	assert.Equal(t, domain.CommitmentOptimistic, report.Accounts[0].Commitment)
}

func TestSubmit_RejectedTransaction(t *testing.T) {
	client := &fakeSender{
		AccountReader: stub.NewAccountReader(),
		err:           &solana.RPCError{Code: solana.CodeSimulationFailed, Message: "simulation failed"},
	}

	expect := expectations{{address: testKey, raw: vaultRaw(t, 110)}}
	_, err := submit(context.Background(), client, "AQID", expect, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, "rejected:simulation_failed", retry.Reason(err))
	assert.Len(t, client.sent, 1)
}

func TestSubmit_UndecodableExpectation(t *testing.T) {
	client := &fakeSender{AccountReader: stub.NewAccountReader()}

	_, err := submit(context.Background(), client, "AQID", expectations{{address: testKey, raw: []byte{1, 2}}}, nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, accounts.ErrUnknownShape))
	assert.Empty(t, client.sent)
}
