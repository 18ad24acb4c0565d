package accounts

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ErrNoViableBump is returned when no bump seed yields an off-curve address.
var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

const (
	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

// DecodePubkey decodes a base58 public key and checks its length.
func DecodePubkey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey %q: %w", s, err)
	}
	if len(b) != PubkeySize {
		return nil, fmt.Errorf("pubkey %q: expected %d bytes, got %d", s, PubkeySize, len(b))
	}
	return b, nil
}

// ValidPubkey reports whether s is a well-formed base58 public key.
func ValidPubkey(s string) bool {
	_, err := DecodePubkey(s)
	return err == nil
}

// FindProgramAddress derives the program-derived address for seeds, trying
// bump seeds from 255 down until the hash falls off the ed25519 curve.
func FindProgramAddress(seeds [][]byte, programID string) (string, uint8, error) {
	program, err := DecodePubkey(programID)
	if err != nil {
		return "", 0, err
	}
	if len(seeds) > maxSeeds-1 {
		return "", 0, fmt.Errorf("too many seeds: %d", len(seeds))
	}
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return "", 0, fmt.Errorf("seed longer than %d bytes", maxSeedLength)
		}
	}

	for bump := 255; bump >= 0; bump-- {
		addr := createProgramAddress(seeds, byte(bump), program)
		if !isOnCurve(addr[:]) {
			return base58.Encode(addr[:]), uint8(bump), nil
		}
	}
	return "", 0, ErrNoViableBump
}

// VaultStateAddress derives the vault state account for a share mint.
// Seeds: ["vault", share_mint]
func VaultStateAddress(shareMint, programID string) (string, uint8, error) {
	mint, err := DecodePubkey(shareMint)
	if err != nil {
		return "", 0, err
	}
	return FindProgramAddress([][]byte{[]byte("vault"), mint}, programID)
}

// UserPositionAddress derives a depositor's position account.
// Seeds: ["position", vault, owner]
func UserPositionAddress(vault, owner, programID string) (string, uint8, error) {
	v, err := DecodePubkey(vault)
	if err != nil {
		return "", 0, err
	}
	o, err := DecodePubkey(owner)
	if err != nil {
		return "", 0, err
	}
	return FindProgramAddress([][]byte{[]byte("position"), v, o}, programID)
}

func createProgramAddress(seeds [][]byte, bump byte, program []byte) [32]byte {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write([]byte{bump})
	h.Write(program)
	h.Write([]byte(pdaMarker))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
