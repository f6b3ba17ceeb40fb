// Package chain implements the blockchain state machine.
package chain

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/storage"
	"github.com/veridium-tech/veridium-chain/internal/utxo"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// RevertedTxHandler is called after a reorg with transactions from reverted
// blocks that are not present in the new branch (for mempool re-insertion).
type RevertedTxHandler func(txs []*tx.Transaction)

// medianTimeSpan is the number of tip-most blocks whose timestamps feed
// the median-time-past calculation.
const medianTimeSpan = 11

// maxTipAge is how stale the tip may be before the node reports itself
// as still syncing.
const maxTipAge = 24 * time.Hour

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu     sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	state  *State
	blocks *BlockStore
	utxos  utxo.Set
	pow    *consensus.PoW
	events *observers

	maxSupply   uint64     // Max coin supply (0 = unlimited).
	blockReward uint64     // Base block subsidy in base units.
	genesisHash types.Hash // Hash of the genesis block (immutable).

	revertedTxHandler RevertedTxHandler
}

// New creates a new chain with the given components, recovering the tip
// state from the block store.
func New(db storage.DB, utxoSet utxo.Set, pow *consensus.PoW) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if pow == nil {
		return nil, fmt.Errorf("pow engine is nil")
	}

	blocks := NewBlockStore(db)

	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	cumWork := blocks.GetCumulativeWork()

	// Recover genesis hash for reorg protection.
	var genesisHash types.Hash
	genBlk, err := blocks.GetBlockByHeight(0)
	if err == nil {
		genesisHash = genBlk.Hash()
	}

	st := &State{
		TipHash:        tipHash,
		Height:         height,
		Supply:         supply,
		CumulativeWork: cumWork,
	}
	if tipBlk, err := blocks.GetBlock(tipHash); err == nil {
		st.TipTimestamp = tipBlk.Header.Timestamp
		st.TipBits = tipBlk.Header.Bits
	}

	ch := &Chain{
		state:       st,
		blocks:      blocks,
		utxos:       utxoSet,
		pow:         pow,
		events:      newObservers(),
		genesisHash: genesisHash,
	}

	// Check for incomplete reorg — if the node crashed mid-reorg, the UTXO
	// set may be inconsistent. Rebuild from blocks.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis bypasses PoW and contextual validation. Apply directly:
	// build UTXOs, snapshot the state commitment, store, set tip.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	if store, ok := c.utxos.(*utxo.Store); ok {
		commitment, err := utxo.Commitment(store)
		if err != nil {
			return fmt.Errorf("genesis commitment: %w", err)
		}
		blk.StateCommitment = commitment
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = blk.Header.Timestamp
	c.state.TipBits = blk.Header.Bits
	c.state.CumulativeWork = consensus.CalcWork(blk.Header.Bits)
	c.genesisHash = hash

	c.maxSupply = gen.Protocol.Consensus.MaxSupply
	c.blockReward = gen.Protocol.Consensus.BlockReward

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(c.state.CumulativeWork); err != nil {
		return fmt.Errorf("set genesis work: %w", err)
	}
	if err := c.blocks.PutVerifyStatus(hash, StatusValid, ""); err != nil {
		return fmt.Errorf("record genesis status: %w", err)
	}

	return nil
}

// SetConsensusRules configures consensus economic limits for runtime
// validation. Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSupply = r.MaxSupply
	c.blockReward = r.BlockReward
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := *c.state
	st.CumulativeWork = new(big.Int).Set(c.state.CumulativeWork)
	return st
}

// Tip returns an immutable snapshot of the chain tip.
func (c *Chain) Tip() Tip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipLocked()
}

func (c *Chain) tipLocked() Tip {
	return Tip{
		Hash:       c.state.TipHash,
		Height:     c.state.Height,
		Bits:       c.state.TipBits,
		Timestamp:  c.state.TipTimestamp,
		MedianTime: c.medianTimePastLocked(c.state.Height),
	}
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// HasBlock checks whether block data exists for the given hash.
func (c *Chain) HasBlock(hash types.Hash) bool {
	has, err := c.blocks.HasBlock(hash)
	return err == nil && has
}

// BlockStatus returns what the chain knows about a block hash: whether it
// was fully validated, found invalid, or merely stored.
func (c *Chain) BlockStatus(hash types.Hash) (Status, string) {
	status, reason := c.blocks.GetVerifyStatus(hash)
	if status != StatusUnknown {
		return status, reason
	}
	if c.HasBlock(hash) {
		return StatusStored, ""
	}
	return StatusUnknown, ""
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Supply
}

// GenesisHash returns the hash of the genesis block, or the zero hash
// when the chain has not been initialized from a genesis yet.
func (c *Chain) GenesisHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genesisHash
}

// CumulativeWork returns the total work of the active chain.
func (c *Chain) CumulativeWork() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.state.CumulativeWork)
}

// BlockReward returns the base block subsidy.
func (c *Chain) BlockReward() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockReward
}

// MedianTimePast returns the median timestamp of the last blocks up to and
// including the tip. New block timestamps must be strictly greater.
func (c *Chain) MedianTimePast() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.medianTimePastLocked(c.state.Height)
}

// medianTimePastLocked computes the median timestamp over up to
// medianTimeSpan blocks ending at the given height.
func (c *Chain) medianTimePastLocked(height uint64) uint64 {
	if c.state.IsGenesis() {
		return 0
	}

	var stamps []uint64
	h := height
	for i := 0; i < medianTimeSpan; i++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			break
		}
		stamps = append(stamps, blk.Header.Timestamp)
		if h == 0 {
			break
		}
		h--
	}
	if len(stamps) == 0 {
		return 0
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return stamps[len(stamps)/2]
}

// IsInitialSync reports whether the node still considers itself catching up
// with the network: either no blocks beyond genesis, or a tip older than
// maxTipAge.
func (c *Chain) IsInitialSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsGenesis() {
		return true
	}
	tipAge := time.Since(time.Unix(int64(c.state.TipTimestamp), 0))
	return tipAge > maxTipAge
}

// SetRevertedTxHandler sets the callback for transactions reverted during a
// reorg. These transactions should be re-added to the mempool if they are
// still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// BlockTimestamp returns the timestamp of the block at the given height.
func (c *Chain) BlockTimestamp(height uint64) (uint64, error) {
	return c.getBlockTimestamp(height)
}

// StateCommitmentFor computes the UTXO-set commitment that would result
// from connecting blk to the current tip: the block is applied, the set
// digested, and the changes reverted, all under the chain lock. Used by
// block producers to stamp candidates after sealing.
func (c *Chain) StateCommitmentFor(blk *block.Block) (types.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return types.Hash{}, fmt.Errorf("utxo set does not support commitments")
	}
	if blk.Header.PrevHash != c.state.TipHash {
		return types.Hash{}, fmt.Errorf("%w: commitment requires the current tip as parent", ErrBadPrevHash)
	}

	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return types.Hash{}, fmt.Errorf("apply for commitment: %w", err)
	}
	commitment, cErr := utxo.Commitment(store)
	if err := c.revertBlock(undo); err != nil {
		return types.Hash{}, fmt.Errorf("revert after commitment: %w", err)
	}
	if cErr != nil {
		return types.Hash{}, fmt.Errorf("compute commitment: %w", cErr)
	}
	return commitment, nil
}

// getBlockTimestamp returns the timestamp of a block at the given height.
// Used for difficulty retargeting.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// verifyBits checks that a block's compact target matches the expected
// value computed from chain history.
func (c *Chain) verifyBits(blk *block.Block) error {
	var prevBits uint32
	if blk.Header.Height > 1 {
		prevBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1)
		if err != nil {
			return fmt.Errorf("get prev block for difficulty: %w", err)
		}
		prevBits = prevBlk.Header.Bits
	}
	return c.pow.VerifyBits(blk.Header, prevBits, c.getBlockTimestamp)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to
// the current tip, reconstructing the UTXO state. Used to recover from a
// crash during reorg where the UTXO set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var supply uint64
	cumWork := new(big.Int)
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		// Reward needs the inputs still present in the UTXO set, so it is
		// computed before applying.
		var reward uint64
		if h == 0 {
			var genesisAlloc uint64
			for _, t := range blk.Transactions {
				v, err := t.TotalOutputValue()
				if err != nil {
					return fmt.Errorf("genesis output overflow: %w", err)
				}
				genesisAlloc += v
			}
			reward = genesisAlloc
		} else {
			reward = c.computeBlockReward(blk)
		}

		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		supply += reward
		cumWork.Add(cumWork, consensus.CalcWork(blk.Header.Bits))
	}

	c.state.Supply = supply
	c.state.CumulativeWork = cumWork

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(cumWork); err != nil {
		return fmt.Errorf("set cumulative work after rebuild: %w", err)
	}

	// Clear the checkpoint — recovery complete.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	return nil
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// GetTransactionLocation returns the confirmation height and containing
// block hash for a transaction, via the tx index.
func (c *Chain) GetTransactionLocation(hash types.Hash) (uint64, types.Hash, error) {
	return c.blocks.GetTxLocation(hash)
}
