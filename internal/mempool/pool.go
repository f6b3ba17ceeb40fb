// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/veridium-tech/veridium-chain/internal/utxo"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx       *tx.Transaction
	txHash   types.Hash
	fee      uint64 // Actual fee (inputs - outputs).
	feeDelta int64  // Operator priority adjustment, applied on top of fee.
}

// effectiveFee returns the fee used for ordering: actual fee plus the
// priority delta, floored at zero.
func (e *entry) effectiveFee() uint64 {
	f := int64(e.fee) + e.feeDelta
	if f < 0 {
		return 0
	}
	return uint64(f)
}

// feeRate returns the effective fee per byte of SigningBytes.
func (e *entry) feeRate() float64 {
	size := len(e.tx.SigningBytes())
	if size == 0 {
		return 0
	}
	return float64(e.effectiveFee()) / float64(size)
}

// Pool holds unconfirmed transactions.
//
// Every mutation of the transaction set increments a version counter.
// Template builders and long-poll waiters compare versions to detect churn
// without holding the pool lock.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	deltas     map[types.Hash]int64          // priority deltas, kept even for absent txs
	version    uint64                        // bumped on every set mutation
	maxSize    int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	utxos      tx.UTXOProvider

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).
}

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		spends:  make(map[types.Outpoint]types.Hash),
		deltas:  make(map[types.Hash]int64),
		maxSize: maxSize,
		utxos:   utxos,
	}
}

// Version returns the mutation counter. It increases whenever a transaction
// enters or leaves the pool.
func (p *Pool) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Prioritize adjusts the effective fee of a transaction by feeDelta base
// units for block selection. The delta is remembered even if the
// transaction is not currently in the pool and applied when it arrives.
// Deltas accumulate across calls.
func (p *Pool) Prioritize(txHash types.Hash, feeDelta int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas[txHash] += feeDelta
	if e, exists := p.txs[txHash]; exists {
		e.feeDelta += feeDelta
	}
}

// PriorityDelta returns the accumulated fee delta for a transaction.
func (p *Pool) PriorityDelta(txHash types.Hash) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deltas[txHash]
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates and double-spend conflicts.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// Check for double-spend conflicts.
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	// Coinbase maturity check.
	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && u.Coinbase && currentHeight-u.Height < p.coinbaseMaturity {
				return 0, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
		}
	}

	// UTXO-aware validation. Inputs must already be confirmed, so the pool
	// never holds chains of dependent transactions.
	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e := &entry{
		tx:       transaction,
		txHash:   txHash,
		fee:      fee,
		feeDelta: p.deltas[txHash],
	}

	// Enforce minimum fee rate (fee per byte of SigningBytes). Priority
	// deltas count toward the minimum.
	sigBytes := len(transaction.SigningBytes())
	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(sigBytes)
		if e.effectiveFee() < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes x %d rate)", ErrFeeTooLow, e.effectiveFee(), requiredFee, sigBytes, p.minFeeRate)
		}
	}

	// Check pool capacity: evict lowest fee-rate if new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if e.feeRate() <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	// Add to pool and conflict index.
	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	p.version++

	return fee, nil
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

// removeLocked removes an entry and bumps the version if it existed.
// Must be called with p.mu held.
func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	// Clean up spend index.
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
	p.version++
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		h := t.Hash()
		p.removeLocked(h)
		delete(p.deltas, h)
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if rate := e.feeRate(); rate < lowestRate {
			lowestRate = rate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// Selected is a transaction chosen for block inclusion together with its
// recorded fee.
type Selected struct {
	Tx  *tx.Transaction
	Fee uint64
}

// SelectForBlock returns transactions ordered by effective fee rate
// (highest first), up to the given count limit.
func (p *Pool) SelectForBlock(limit int) []Selected {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	// Sort by effective fee rate descending, hash ascending as tiebreak
	// for deterministic selection.
	sort.Slice(entries, func(i, j int) bool {
		ri, rj := entries[i].feeRate(), entries[j].feeRate()
		if ri != rj {
			return ri > rj
		}
		return entries[i].txHash.String() < entries[j].txHash.String()
	})

	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([]Selected, limit)
	for i := 0; i < limit; i++ {
		result[i] = Selected{Tx: entries[i].tx, Fee: entries[i].fee}
	}
	return result
}
