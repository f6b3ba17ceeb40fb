package chain

import (
	"math/big"

	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// State holds the current chain tip state.
type State struct {
	Height         uint64
	TipHash        types.Hash
	Supply         uint64   // Total coins in circulation (genesis alloc + cumulative rewards).
	CumulativeWork *big.Int // Sum of per-block work (for fork choice).
	TipTimestamp   uint64   // Timestamp of the current tip block.
	TipBits        uint32   // Compact difficulty target of the current tip block.
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}

// Tip is an immutable snapshot of the chain tip, safe to hand out
// without holding the chain lock.
type Tip struct {
	Hash       types.Hash
	Height     uint64
	Bits       uint32
	Timestamp  uint64
	MedianTime uint64
}
