// Package accounts decodes the vault program's on-chain account records.
//
// Records are little-endian, fixed-size and carry no header, so the decode
// table is keyed by byte length.
package accounts

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Kind discriminates account record shapes.
type Kind string

const (
	KindVaultState   Kind = "vault_state"
	KindUserPosition Kind = "user_position"
)

// Record sizes in bytes.
const (
	PubkeySize       = 32
	VaultStateSize   = 3*PubkeySize + 3*8 + 1
	UserPositionSize = 2*PubkeySize + 3*8 + 1
)

// Account is a decoded account record.
type Account interface {
	Kind() Kind
}

// VaultState is the vault's global accounting record.
//
// Layout: authority(32) | asset_mint(32) | share_mint(32) | total_assets(u64) |
// total_shares(u64) | pending_withdrawals(u64) | bump(u8)
type VaultState struct {
	Authority          string
	AssetMint          string
	ShareMint          string
	TotalAssets        uint64
	TotalShares        uint64
	PendingWithdrawals uint64
	Bump               uint8
}

// Kind implements Account.
func (*VaultState) Kind() Kind { return KindVaultState }

// PricePerShare returns total_assets / total_shares, 0 when no shares exist.
func (v *VaultState) PricePerShare() float64 {
	if v.TotalShares == 0 {
		return 0
	}
	return float64(v.TotalAssets) / float64(v.TotalShares)
}

// UserPosition is one depositor's share balance in a vault.
//
// Layout: owner(32) | vault(32) | shares(u64) | pending_withdraw_shares(u64) |
// last_update_ts(i64) | bump(u8)
type UserPosition struct {
	Owner                 string
	Vault                 string
	Shares                uint64
	PendingWithdrawShares uint64
	LastUpdateTs          int64
	Bump                  uint8
}

// Kind implements Account.
func (*UserPosition) Kind() Kind { return KindUserPosition }

func decodeVaultState(data []byte) (Account, error) {
	r := reader{buf: data}
	v := &VaultState{
		Authority:          r.pubkey(),
		AssetMint:          r.pubkey(),
		ShareMint:          r.pubkey(),
		TotalAssets:        r.u64(),
		TotalShares:        r.u64(),
		PendingWithdrawals: r.u64(),
		Bump:               r.u8(),
	}
	return v, r.err
}

func decodeUserPosition(data []byte) (Account, error) {
	r := reader{buf: data}
	p := &UserPosition{
		Owner:                 r.pubkey(),
		Vault:                 r.pubkey(),
		Shares:                r.u64(),
		PendingWithdrawShares: r.u64(),
		LastUpdateTs:          int64(r.u64()),
		Bump:                  r.u8(),
	}
	return p, r.err
}

// Encode serializes an account into its on-chain layout.
func Encode(a Account) ([]byte, error) {
	switch v := a.(type) {
	case *VaultState:
		w := writer{buf: make([]byte, 0, VaultStateSize)}
		w.pubkey(v.Authority)
		w.pubkey(v.AssetMint)
		w.pubkey(v.ShareMint)
		w.u64(v.TotalAssets)
		w.u64(v.TotalShares)
		w.u64(v.PendingWithdrawals)
		w.u8(v.Bump)
		return w.buf, w.err
	case *UserPosition:
		w := writer{buf: make([]byte, 0, UserPositionSize)}
		w.pubkey(v.Owner)
		w.pubkey(v.Vault)
		w.u64(v.Shares)
		w.u64(v.PendingWithdrawShares)
		w.u64(uint64(v.LastUpdateTs))
		w.u8(v.Bump)
		return w.buf, w.err
	}
	return nil, fmt.Errorf("encode: unsupported account type %T", a)
}

// reader reads sequential little-endian fields, recording the first error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("read %d bytes at offset %d: buffer has %d", n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) pubkey() string {
	b := r.take(PubkeySize)
	if b == nil {
		return ""
	}
	return base58.Encode(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) pubkey(s string) {
	if w.err != nil {
		return
	}
	b, err := DecodePubkey(s)
	if err != nil {
		w.err = err
		return
	}
	w.buf = append(w.buf, b...)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}
