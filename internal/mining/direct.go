package mining

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/log"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// DirectMiner mines blocks in-process: assemble, grind the nonce, submit,
// repeat. Meant for test and private networks where a node produces its
// own blocks instead of handing work to external miners.
type DirectMiner struct {
	engine    Engine
	assembler Assembler
	submitter *Submitter
	quit      <-chan struct{}

	// mu serializes MineBlocks calls. The same miner instance serves both
	// the node's production loop and RPC-driven generation, and two grinds
	// over the same tip would waste tries on colliding candidates.
	mu sync.Mutex

	// extraNonce diversifies the coinbase across rebuilds at the same
	// height so an exhausted nonce range is never searched twice.
	extraNonce uint64
}

// NewDirectMiner creates a direct miner. quit stops the loop between
// nonce attempts; a nil channel never stops it.
func NewDirectMiner(engine Engine, assembler Assembler, quit <-chan struct{}) *DirectMiner {
	return &DirectMiner{
		engine:    engine,
		assembler: assembler,
		submitter: NewSubmitter(engine),
		quit:      quit,
	}
}

// MineBlocks mines up to count blocks paying coinbaseScript, spending at
// most maxTries hash attempts across all of them. Returns the hashes of
// the blocks accepted so far; running out of tries or a shutdown request
// ends the loop early without an error. A block that is found but refused
// by the chain is an error - that means this miner and the chain disagree
// about consensus.
func (m *DirectMiner) MineBlocks(coinbaseScript types.Script, count int, maxTries uint64) ([]types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mined := make([]types.Hash, 0, count)

	for len(mined) < count {
		if m.stopped() {
			return mined, nil
		}

		m.extraNonce++
		extra := make([]byte, 8)
		binary.LittleEndian.PutUint64(extra, m.extraNonce)

		// Assemble fresh on every attempt instead of going through the
		// template cache: each attempt needs the caller's payout script and
		// a new extra nonce in the coinbase, so a cached entry could never
		// be reused here.
		cand, err := m.assembler.Assemble(coinbaseScript, extra)
		if err != nil {
			return mined, fmt.Errorf("%w: %v", ErrTemplateBuild, err)
		}

		blk := cand.Block
		target := consensus.CompactToBig(blk.Header.Bits)

		solved, wrapped := false, false
		for maxTries > 0 {
			if m.stopped() {
				return mined, nil
			}
			maxTries--
			if consensus.HashToBig(blk.Header.Hash()).Cmp(target) <= 0 {
				solved = true
				break
			}
			if blk.Header.Nonce == math.MaxUint32 {
				wrapped = true
				break
			}
			blk.Header.Nonce++
		}

		if wrapped {
			// Nothing in the 32-bit range satisfied the target. Skip this
			// attempt; the next rebuild carries a fresh extra nonce and
			// with it a fresh search space.
			log.Mining.Debug().
				Uint64("height", cand.Height).
				Uint64("extra_nonce", m.extraNonce).
				Msg("nonce range exhausted, rebuilding")
			continue
		}
		if !solved {
			// Try budget spent.
			return mined, nil
		}

		if commitment, err := m.engine.StateCommitmentFor(blk); err == nil {
			blk.StateCommitment = commitment
		}

		result, err := m.submitter.Submit(blk)
		if err != nil {
			return mined, fmt.Errorf("submit mined block: %w", err)
		}
		if result != ResultAccepted {
			return mined, fmt.Errorf("mined block refused: %s", result)
		}

		hash := blk.Hash()
		mined = append(mined, hash)
		log.Mining.Info().
			Uint64("height", cand.Height).
			Stringer("hash", hash).
			Msg("block mined")
	}

	return mined, nil
}

func (m *DirectMiner) stopped() bool {
	if m.quit == nil {
		return false
	}
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}
