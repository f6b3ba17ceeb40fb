package consensus

import (
	"math/big"

	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// CompactToBig converts a compact representation of a 256-bit target into a
// big.Int. The compact format packs the target into an unsigned 32-bit
// number, similar to base-256 scientific notation: the most significant byte
// is the exponent (number of bytes of the full value) and the low 23 bits
// are the mantissa. Bit 24 is a sign bit.
//
//	-------------------------------------------------
//	|   Exponent     |    Sign    |    Mantissa     |
//	-------------------------------------------------
//	| 8 bits [31-24] | 1 bit [23] | 23 bits [22-00] |
//	-------------------------------------------------
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	// Exponent <= 3 means the mantissa itself holds the value, shifted
	// right to discard bytes beyond the exponent.
	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if isNegative {
		bn = bn.Neg(bn)
	}

	return bn
}

// BigToCompact converts a big.Int into its compact representation. It is the
// inverse of CompactToBig: BigToCompact(CompactToBig(c)) == c for any
// canonical compact value.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	var mantissa uint32
	exponent := uint(len(n.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(n.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		// Shift the value right so only the top 3 bytes remain.
		tn := new(big.Int).Set(n)
		mantissa = uint32(tn.Rsh(tn, 8*(exponent-3)).Bits()[0])
	}

	// Normalize: the mantissa sign bit must stay clear, so bump the
	// exponent when it would be set.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa
	if n.Sign() < 0 {
		compact |= 0x00800000
	}
	return compact
}

// HashToBig interprets a hash as a big-endian 256-bit integer for target
// comparison.
func HashToBig(hash types.Hash) *big.Int {
	return new(big.Int).SetBytes(hash[:])
}

// CalcWork returns the expected number of hash attempts needed to find a
// block at the given difficulty: 2^256 / (target + 1). Fork choice sums
// this per block so that harder blocks outweigh many easy ones.
func CalcWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return new(big.Int)
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(oneLsh256, denom)
}

var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)
