package consensus

import (
	"math/big"
	"testing"

	"github.com/veridium-tech/veridium-chain/pkg/types"
)

func TestCompactToBigKnownValues(t *testing.T) {
	shifted := func(mantissa int64, exponent uint) *big.Int {
		return new(big.Int).Lsh(big.NewInt(mantissa), 8*(exponent-3))
	}
	tests := []struct {
		compact uint32
		want    *big.Int
	}{
		{0x1d00ffff, shifted(0xffff, 0x1d)},
		{0x1e7fffff, shifted(0x7fffff, 0x1e)},
		{0x1f00ffff, shifted(0xffff, 0x1f)},
		{0x03123456, big.NewInt(0x123456)},
		{0x01120000, big.NewInt(0x12)},
	}
	for _, tt := range tests {
		got := CompactToBig(tt.compact)
		if got.Cmp(tt.want) != 0 {
			t.Errorf("CompactToBig(%08x) = %x, want %x", tt.compact, got, tt.want)
		}
	}
}

func TestCompactRoundTrip(t *testing.T) {
	for _, compact := range []uint32{
		0x1d00ffff, 0x1e7fffff, 0x1f00ffff, 0x03123456, 0x181bc330,
	} {
		if got := BigToCompact(CompactToBig(compact)); got != compact {
			t.Errorf("round trip %08x -> %08x", compact, got)
		}
	}
}

func TestBigToCompactZero(t *testing.T) {
	if got := BigToCompact(big.NewInt(0)); got != 0 {
		t.Errorf("BigToCompact(0) = %08x, want 0", got)
	}
}

func TestBigToCompactNormalizesSignBit(t *testing.T) {
	// A value whose top mantissa byte would set bit 23 must be renormalized
	// with a larger exponent.
	n := big.NewInt(0x800000)
	compact := BigToCompact(n)
	if compact&0x00800000 != 0 {
		t.Errorf("BigToCompact(0x800000) = %08x has sign bit set", compact)
	}
	if CompactToBig(compact).Cmp(n) != 0 {
		t.Errorf("normalized compact does not round trip")
	}
}

func TestHashToBig(t *testing.T) {
	var h types.Hash
	h[31] = 0x01 // Big-endian: least significant byte.
	if HashToBig(h).Cmp(big.NewInt(1)) != 0 {
		t.Error("HashToBig should interpret the hash big-endian")
	}

	var zero types.Hash
	if HashToBig(zero).Sign() != 0 {
		t.Error("zero hash should be zero")
	}
}
