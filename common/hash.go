package common

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// HashLength is the expected length of a block or tx hash.
	HashLength = 32
	// Header80Length is the size of a raw Bitcoin block header.
	Header80Length = 80
)

// Hash represents a 32-byte double-sha256 digest, stored in the byte order
// it appears on the wire.
type Hash [HashLength]byte

func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// SetBytes sets the hash to the value of b. If b is larger than 32 bytes,
// b will be cropped from the left.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > len(h) {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return Bytes2Hex(h[:]) }

// IsZero reports whether the hash is all zeroes, the uninitialized state.
func (h Hash) IsZero() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// DoubleHashH computes dsha256(b).
func DoubleHashH(b []byte) Hash {
	return Hash(chainhash.DoubleHashH(b))
}
