package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/utxo"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrKnownInvalid           = errors.New("block already known invalid")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampTooOld        = errors.New("block timestamp not past median time")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrBadCoinbaseHeight      = errors.New("coinbase height tag does not match block height")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
	ErrBadStateCommitment     = errors.New("state commitment does not match UTXO set")
)

// maxFutureDrift is how far a block timestamp may run ahead of local time.
const maxFutureDrift = 2 * time.Minute

// RejectReason maps a validation error to the short reject code reported
// to submitters.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrPrevNotFound), errors.Is(err, ErrBadPrevHash):
		return "bad-prevblk"
	case errors.Is(err, ErrBadHeight):
		return "bad-height"
	case errors.Is(err, block.ErrBadMerkleRoot):
		return "bad-txnmrklroot"
	case errors.Is(err, block.ErrNoCoinbase), errors.Is(err, block.ErrMultipleCoinbase),
		errors.Is(err, ErrBadCoinbaseTx):
		return "bad-cb-missing"
	case errors.Is(err, ErrBadCoinbaseHeight):
		return "bad-cb-height"
	case errors.Is(err, ErrCoinbaseRewardExceeded):
		return "bad-cb-amount"
	case errors.Is(err, block.ErrBlockTooLarge):
		return "bad-blk-length"
	case errors.Is(err, block.ErrTooManySigOps):
		return "bad-blk-sigops"
	case errors.Is(err, block.ErrBadTxOrder):
		return "bad-tx-order"
	case errors.Is(err, block.ErrBadVersion):
		return "bad-version"
	case errors.Is(err, consensus.ErrInsufficientWork):
		return "high-hash"
	case errors.Is(err, consensus.ErrBadBits), errors.Is(err, consensus.ErrZeroBits),
		errors.Is(err, consensus.ErrTargetTooEasy):
		return "bad-diffbits"
	case errors.Is(err, ErrTimestampTooFuture):
		return "time-too-new"
	case errors.Is(err, ErrTimestampTooOld):
		return "time-too-old"
	case errors.Is(err, ErrCoinbaseNotMature):
		return "bad-txns-premature-spend-of-coinbase"
	case errors.Is(err, ErrBadStateCommitment):
		return "bad-state-commitment"
	default:
		return "bad-txns"
	}
}

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, consensus rules, and UTXO state, then
// updates the UTXO set, block store, and chain tip. If the block extends a
// fork heavier than the current chain, a reorg is triggered automatically.
//
// Check observers are notified with the validation outcome, and tip
// listeners with the new tip, after the chain lock is released.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	hash, outcome, tipChanged, err := c.processBlockLocked(blk)

	if outcome.Status != StatusUnknown {
		c.events.notifyCheck(hash, outcome)
	}
	if tipChanged {
		c.events.notifyTip(c.Tip())
	}
	return err
}

// processBlockLocked does the work of ProcessBlock under the chain lock and
// reports what to announce afterwards.
func (c *Chain) processBlockLocked(blk *block.Block) (types.Hash, Outcome, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return types.Hash{}, Outcome{}, false, fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	// Reject duplicates, including blocks previously found invalid.
	status, _ := c.blocks.GetVerifyStatus(hash)
	if status == StatusInvalid {
		return hash, Outcome{}, false, ErrKnownInvalid
	}
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return hash, Outcome{Status: StatusStored, Err: err}, false, fmt.Errorf("check block: %w", err)
	}
	if known {
		return hash, Outcome{}, false, ErrBlockKnown
	}

	// Check parent linkage first — we need the correct height before
	// verifying difficulty and running consensus validation.
	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		reason := RejectReason(parentErr)
		// Unknown-parent blocks are not recorded persistently: they may
		// become valid once the parent arrives.
		if !errors.Is(parentErr, ErrPrevNotFound) {
			c.recordInvalid(hash, reason)
		}
		return hash, Outcome{Status: StatusInvalid, Reason: reason}, false, parentErr
	}

	// Context-free and context-dependent checks shared with proposal mode.
	// Fork blocks skip the difficulty check here — it runs during replay.
	if err := c.checkBlockLocked(blk, !errors.Is(parentErr, ErrForkDetected), true); err != nil {
		reason := RejectReason(err)
		c.recordInvalid(hash, reason)
		return hash, Outcome{Status: StatusInvalid, Reason: reason}, false, err
	}

	// Fork detected: store the block and let the reorg logic decide.
	if errors.Is(parentErr, ErrForkDetected) {
		if err := c.blocks.StoreBlock(blk); err != nil {
			return hash, Outcome{Status: StatusStored, Err: err}, false, fmt.Errorf("store fork block: %w", err)
		}

		oldTip := c.state.TipHash
		if err := c.reorg(hash); err != nil {
			return hash, Outcome{Status: StatusStored, Err: err}, false, fmt.Errorf("reorg: %w", err)
		}
		if c.state.TipHash != oldTip {
			// The fork block is now the tip and passed full validation
			// during replay.
			return hash, Outcome{Status: StatusValid}, true, nil
		}
		// Stored but not active: checked as far as possible without
		// connecting it.
		return hash, Outcome{Status: StatusValid}, false, nil
	}

	// Fast path: block extends current tip.

	// Validate UTXO-dependent rules (signatures, maturity, coinbase amount).
	if err := c.validateBlockState(blk); err != nil {
		reason := RejectReason(err)
		c.recordInvalid(hash, reason)
		return hash, Outcome{Status: StatusInvalid, Reason: reason}, false, err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	// Apply UTXO changes and collect undo data.
	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return hash, Outcome{Status: StatusStored, Err: err}, false, fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	// The state commitment binds the block to the resulting UTXO set.
	// A mismatch is not recorded against the hash: the commitment is not
	// covered by the header hash, so the same hash may arrive again with
	// a correct commitment.
	if err := c.verifyStateCommitment(blk); err != nil {
		if revertErr := c.revertBlock(undo); revertErr != nil {
			return hash, Outcome{Status: StatusStored, Err: revertErr}, false,
				fmt.Errorf("revert after commitment mismatch: %v (original: %w)", revertErr, err)
		}
		return hash, Outcome{Status: StatusInvalid, Reason: RejectReason(err)}, false, err
	}

	undoBytes, err := marshalUndo(undo)
	if err != nil {
		return hash, Outcome{Status: StatusStored, Err: err}, false, err
	}

	// Cap block reward to respect max supply.
	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}

	newSupply := c.state.Supply + blockReward
	newWork := new(big.Int).Add(c.state.CumulativeWork, consensus.CalcWork(blk.Header.Bits))

	// Atomically persist block, indexes, undo, status, and chain state.
	if err := c.blocks.CommitBlock(blk, undoBytes, newSupply, newWork); err != nil {
		return hash, Outcome{Status: StatusStored, Err: err}, false, fmt.Errorf("commit block: %w", err)
	}

	c.state.Supply = newSupply
	c.state.CumulativeWork = newWork
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	c.state.TipBits = blk.Header.Bits

	return hash, Outcome{Status: StatusValid}, true, nil
}

// recordInvalid persists an invalid verdict so repeated submissions of the
// same bad block are answered from the status index. Best effort: a storage
// failure here must not mask the validation error.
func (c *Chain) recordInvalid(hash types.Hash, reason string) {
	_ = c.blocks.PutVerifyStatus(hash, StatusInvalid, reason)
}

// checkBlockLocked runs the validation shared by the connect path and
// proposal mode: structural rules, difficulty, proof of work, and timestamp
// bounds. Proposal mode skips the proof-of-work hash check (checkPoW=false)
// since proposals carry no valid nonce.
func (c *Chain) checkBlockLocked(blk *block.Block, checkBits, checkPoW bool) error {
	if err := blk.Validate(); err != nil {
		return err
	}

	// Coinbase must carry the height tag so its hash is unique per height.
	coinbaseTx := blk.Transactions[0]
	if blk.Header.Height > 0 {
		sig := coinbaseTx.Inputs[0].Signature
		if len(sig) < 8 || binary.LittleEndian.Uint64(sig[:8]) != blk.Header.Height {
			return ErrBadCoinbaseHeight
		}
	}

	if checkBits {
		if err := c.verifyBits(blk); err != nil {
			return err
		}
	}
	if checkPoW {
		if err := c.pow.VerifyHeader(blk.Header); err != nil {
			return err
		}
	}

	// Timestamp bounds: not too far ahead of local time, strictly past the
	// parent chain's median time.
	maxTime := uint64(time.Now().Add(maxFutureDrift).Unix())
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}
	if blk.Header.Height > 0 {
		mtp := c.medianTimePastLocked(blk.Header.Height - 1)
		if mtp > 0 && blk.Header.Timestamp <= mtp {
			return fmt.Errorf("%w: block timestamp %d <= median time %d", ErrTimestampTooOld, blk.Header.Timestamp, mtp)
		}
	}

	return nil
}

// CheckBlockOnly validates a block against the current tip without applying
// any state. The proof-of-work hash check is skipped, so an unsolved block
// candidate can be tested. Returns nil if the block would be accepted.
func (c *Chain) CheckBlockOnly(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	if blk.Header.PrevHash != c.state.TipHash {
		return fmt.Errorf("%w: prev %s is not the current tip", ErrBadPrevHash, blk.Header.PrevHash)
	}
	if blk.Header.Height != c.state.Height+1 {
		return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, c.state.Height+1, blk.Header.Height)
	}

	if err := c.checkBlockLocked(blk, true, false); err != nil {
		return err
	}
	return c.validateBlockState(blk)
}

// verifyStateCommitment checks the block's UTXO-set commitment against the
// set as it stands after the block was applied. Blocks that omit the
// commitment (zero hash) pass; peers that fill it are held to it.
func (c *Chain) verifyStateCommitment(blk *block.Block) error {
	if blk.StateCommitment.IsZero() {
		return nil
	}
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return nil
	}
	got, err := utxo.Commitment(store)
	if err != nil {
		return fmt.Errorf("compute commitment: %w", err)
	}
	if got != blk.StateCommitment {
		return fmt.Errorf("%w: block %s, set %s", ErrBadStateCommitment, blk.StateCommitment, got)
	}
	return nil
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// input existence, coinbase maturity, and the coinbase amount.
// Used by both the fast path and reorg replay so validation stays identical.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]

	// Coinbase must be a dedicated transaction:
	// exactly one input and that input must be the zero outpoint marker.
	if !coinbaseTx.IsCoinbase() {
		return ErrBadCoinbaseTx
	}

	// Full UTXO-aware transaction validation (skip coinbase):
	// ownership checks, input existence/unspent checks, signatures, fees.
	utxoProvider := &chainUTXOProvider{set: c.utxos}
	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		totalFees += fee
	}

	// Enforce the coinbase mint limit:
	// minted = coinbase_total - total_fees (fees are recycled, not minted).
	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	allowedMint := c.blockReward
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			allowedMint = 0
		} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	if minted > allowedMint {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	// Only transaction 0 may carry a coinbase marker input.
	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	// Coinbase maturity: reject blocks that spend immature coinbase outputs.
	return c.checkCoinbaseMaturity(blk)
}

// checkParentLink verifies that the block's PrevHash and Height are
// consistent with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: check if block extends current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. Check if the parent exists (fork) or is truly unknown.
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	var totalFees uint64
	for _, transaction := range blk.Transactions[1:] {
		fee := c.computeTxFee(transaction)
		if totalFees > math.MaxUint64-fee {
			continue // Overflow guard.
		}
		totalFees += fee
	}

	// Reward = coinbase value minus recycled fees.
	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

// computeTxFee calculates the fee for a single transaction.
// fee = sum(input values) - sum(output values).
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeTxFee(transaction *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if inputSum > math.MaxUint64-u.Value {
			continue // Overflow guard.
		}
		inputSum += u.Value
	}
	for _, out := range transaction.Outputs {
		if outputSum > math.MaxUint64-out.Value {
			continue // Overflow guard.
		}
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	return err == nil && has
}

// applyBlock updates the UTXO set: spends inputs and creates outputs.
// Coinbase inputs (zero outpoint) are skipped during spending.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase input.
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Will be caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.Height < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.Height)
			}
		}
	}
	return nil
}
