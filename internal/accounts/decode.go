package accounts

import (
	"errors"
	"fmt"
)

// ErrUnknownShape is returned for buffers whose length matches no known record.
var ErrUnknownShape = errors.New("unknown account shape")

// decoder decodes one record shape.
type decoder struct {
	kind   Kind
	decode func([]byte) (Account, error)
}

// decodeTable maps record length to its decoder.
var decodeTable = map[int]decoder{
	VaultStateSize:   {kind: KindVaultState, decode: decodeVaultState},
	UserPositionSize: {kind: KindUserPosition, decode: decodeUserPosition},
}

// Decode decodes raw account bytes using the record length as discriminant.
// Unknown lengths fail with ErrUnknownShape; nothing is defaulted.
func Decode(raw []byte) (Account, error) {
	d, ok := decodeTable[len(raw)]
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes", ErrUnknownShape, len(raw))
	}
	acct, err := d.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.kind, err)
	}
	return acct, nil
}

// DecodeValue is Decode with an untyped result, for cache writers.
func DecodeValue(raw []byte) (any, error) {
	return Decode(raw)
}

// KindOf returns the record kind for a buffer length.
func KindOf(raw []byte) (Kind, bool) {
	d, ok := decodeTable[len(raw)]
	return d.kind, ok
}
