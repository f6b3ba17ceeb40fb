// Package miner assembles block candidates from mempool contents.
package miner

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/mempool"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// ChainView provides the read-only chain access the assembler needs.
type ChainView interface {
	Tip() chain.Tip
	Supply() uint64
	BlockReward() uint64
	BlockTimestamp(height uint64) (uint64, error)
}

// Selector selects transactions for block inclusion, highest fee rate
// first.
type Selector interface {
	SelectForBlock(limit int) []mempool.Selected
}

// Candidate is an assembled, unsealed block along with the metadata work
// templates report per transaction.
type Candidate struct {
	Block  *block.Block
	Height uint64
	// Fees holds the fee of each non-coinbase transaction, aligned with
	// Block.Transactions[1:].
	Fees      []uint64
	TotalFees uint64
	// MinTime is the lowest timestamp the chain would accept for this
	// candidate (median time past + 1).
	MinTime uint64
}

// Assembler builds block candidates on top of the current chain tip.
// The candidate is NOT sealed and NOT applied; sealing is the caller's
// business, connecting is the chain's.
type Assembler struct {
	chain     ChainView
	pool      Selector
	pow       *consensus.PoW
	maxSupply uint64
	now       func() time.Time
}

// NewAssembler creates a block candidate assembler. maxSupply of 0 means
// the subsidy is never capped.
func NewAssembler(chainView ChainView, pool Selector, pow *consensus.PoW, maxSupply uint64) *Assembler {
	return &Assembler{
		chain:     chainView,
		pool:      pool,
		pow:       pow,
		maxSupply: maxSupply,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests use this to pin timestamps.
func (a *Assembler) SetClock(now func() time.Time) {
	a.now = now
}

// Assemble builds a candidate paying the coinbase to the given script.
// extraData is appended to the coinbase input after the height tag, giving
// miners a place for an extra nonce.
func (a *Assembler) Assemble(coinbaseScript types.Script, extraData []byte) (*Candidate, error) {
	if len(coinbaseScript.Data) == 0 && coinbaseScript.Type != types.ScriptTypeNull {
		return nil, fmt.Errorf("coinbase script has no destination")
	}

	tip := a.chain.Tip()
	height := tip.Height + 1

	// Select by fee rate, then trim to the block's size and sigop budget.
	// One slot and the coinbase overhead are reserved up front.
	selected := a.pool.SelectForBlock(config.MaxBlockTxs - 1)
	var included []mempool.Selected
	sizeBudget := config.MaxBlockSize - 1024
	sigOpBudget := config.MaxBlockSigOps - config.SigOpCost
	size, sigOps := 0, 0
	for _, s := range selected {
		txSize := s.Tx.Size()
		txSigOps := s.Tx.SigOps()
		if size+txSize > sizeBudget || sigOps+txSigOps > sigOpBudget {
			continue
		}
		size += txSize
		sigOps += txSigOps
		included = append(included, s)
	}

	var totalFees uint64
	for _, s := range included {
		totalFees += s.Fee
	}

	// Cap the subsidy so the block cannot mint past max supply.
	reward := a.chain.BlockReward()
	if a.maxSupply > 0 {
		supply := a.chain.Supply()
		if supply >= a.maxSupply {
			reward = 0
		} else if supply+reward > a.maxSupply {
			reward = a.maxSupply - supply
		}
	}

	coinbase := BuildCoinbase(coinbaseScript, reward+totalFees, height, extraData)

	// Canonical order: coinbase first, the rest hash-ascending. Fees must
	// follow the txs through the sort.
	feeByHash := make(map[types.Hash]uint64, len(included))
	userTxs := make([]*tx.Transaction, len(included))
	for i, s := range included {
		userTxs[i] = s.Tx
		feeByHash[s.Tx.Hash()] = s.Fee
	}
	userTxs = block.SortTxs(userTxs)

	txs := make([]*tx.Transaction, 0, 1+len(userTxs))
	txs = append(txs, coinbase)
	txs = append(txs, userTxs...)

	fees := make([]uint64, len(userTxs))
	for i, t := range userTxs {
		fees[i] = feeByHash[t.Hash()]
	}

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}

	minTime := tip.MedianTime + 1
	timestamp := uint64(a.now().Unix())
	if timestamp < minTime {
		timestamp = minTime
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   tip.Hash,
		MerkleRoot: block.ComputeMerkleRoot(txHashes),
		Timestamp:  timestamp,
		Height:     height,
		Bits:       a.pow.ExpectedBits(height, tip.Bits, a.chain.BlockTimestamp),
	}

	return &Candidate{
		Block:     block.NewBlock(header, txs),
		Height:    height,
		Fees:      fees,
		TotalFees: totalFees,
		MinTime:   minTime,
	}, nil
}

// BuildCoinbase creates a coinbase transaction paying value to script.
// The block height is encoded little-endian in the coinbase input's
// signature field so each coinbase hashes uniquely per height; extraData
// follows the tag.
func BuildCoinbase(script types.Script, value, height uint64, extraData []byte) *tx.Transaction {
	tag := make([]byte, 8, 8+len(extraData))
	binary.LittleEndian.PutUint64(tag, height)
	tag = append(tag, extraData...)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{}, // Zero outpoint marks coinbase.
			Signature: tag,
		}},
		Outputs: []tx.Output{{
			Value:  value,
			Script: script,
		}},
	}
}
