// Package work computes proof-of-work quantities from header difficulty
// bits, used when electing the preferred duplicate among competing blocks
// at one height.
package work

import (
	"github.com/holiman/uint256"
)

// CompactToTarget expands the 32-bit compact difficulty encoding into the
// 256-bit target. Returns nil for a zero, negative or overflowing compact.
func CompactToTarget(bits uint32) *uint256.Int {
	mantissa := bits & 0x007fffff
	exponent := bits >> 24
	if mantissa == 0 || bits&0x00800000 != 0 {
		return nil
	}

	target := uint256.NewInt().SetUint64(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		shift := 8 * (exponent - 3)
		if shift > 232 { // mantissa is up to 23 bits; anything past this overflows
			return nil
		}
		target.Lsh(target, uint(shift))
	}
	if target.IsZero() {
		return nil
	}
	return target
}

// FromBits returns the expected number of hashes needed to find a block at
// the given difficulty bits: 2^256 / (target + 1). Returns zero work for an
// invalid compact.
func FromBits(bits uint32) *uint256.Int {
	target := CompactToTarget(bits)
	if target == nil {
		return uint256.NewInt()
	}

	// (2^256 - target - 1) / (target + 1) + 1 avoids 257-bit arithmetic.
	denom := uint256.NewInt().Add(target, uint256.NewInt().SetUint64(1))
	numer := uint256.NewInt().Sub(uint256.NewInt(), denom) // 2^256 - (target+1) via wrap-around
	quo := uint256.NewInt().Div(numer, denom)
	return quo.Add(quo, uint256.NewInt().SetUint64(1))
}

// BitsFromHeader pulls the difficulty bits out of a raw 80-byte header
// (u32 LE at offset 72).
func BitsFromHeader(header80 []byte) uint32 {
	if len(header80) < 76 {
		return 0
	}
	return uint32(header80[72]) | uint32(header80[73])<<8 |
		uint32(header80[74])<<16 | uint32(header80[75])<<24
}
