package mining

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/log"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// Engine is the consensus surface the submission and template services
// drive. *chain.Chain implements it.
type Engine interface {
	Tip() chain.Tip
	HasBlock(hash types.Hash) bool
	BlockStatus(hash types.Hash) (chain.Status, string)
	ProcessBlock(blk *block.Block) error
	CheckBlockOnly(blk *block.Block) error
	AcceptHeader(h *block.Header) error
	ObserveChecks(fn chain.CheckObserver) (unsubscribe func())
	StateCommitmentFor(blk *block.Block) (types.Hash, error)
	IsInitialSync() bool
}

// Submission errors.
var (
	// ErrDecode: the submitted bytes do not parse as a coinbase-first
	// block or as a header.
	ErrDecode = errors.New("decode failed")
	// ErrMissingPrev: a submitted header references an unknown
	// predecessor.
	ErrMissingPrev = errors.New("previous block not found")
)

// Submitter routes externally mined blocks and headers into the chain and
// reports the chain's verdict synchronously.
type Submitter struct {
	engine Engine
}

// NewSubmitter creates a submission service on the given engine.
func NewSubmitter(engine Engine) *Submitter {
	return &Submitter{engine: engine}
}

// DecodeBlock parses submitted block bytes (canonical JSON). The first
// transaction must be a coinbase.
func DecodeBlock(raw []byte) (*block.Block, error) {
	var blk block.Block
	if err := json.Unmarshal(raw, &blk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if blk.Header == nil {
		return nil, fmt.Errorf("%w: block has no header", ErrDecode)
	}
	if len(blk.Transactions) == 0 || !blk.Transactions[0].IsCoinbase() {
		return nil, fmt.Errorf("%w: block does not start with a coinbase transaction", ErrDecode)
	}
	return &blk, nil
}

// DecodeHeader parses submitted header bytes (canonical JSON).
func DecodeHeader(raw []byte) (*block.Header, error) {
	var h block.Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if h.PrevHash.IsZero() && h.Height != 0 {
		return nil, fmt.Errorf("%w: header has no previous block hash", ErrDecode)
	}
	return &h, nil
}

// outcomeCapture records the first check outcome delivered for one target
// hash and ignores everything else. Registered immediately before a
// submission, unregistered unconditionally after.
type outcomeCapture struct {
	target types.Hash

	mu       sync.Mutex
	outcome  chain.Outcome
	captured bool
}

func (oc *outcomeCapture) observe(hash types.Hash, outcome chain.Outcome) {
	if hash != oc.target {
		return
	}
	oc.mu.Lock()
	if !oc.captured {
		oc.outcome = outcome
		oc.captured = true
	}
	oc.mu.Unlock()
}

func (oc *outcomeCapture) result() (chain.Outcome, bool) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.outcome, oc.captured
}

// SubmitBlock decodes and submits a block for full acceptance. The return
// string is empty when the block was accepted, otherwise one of the
// duplicate/inconclusive sentinels or the chain's reject reason. An error
// return means the call itself failed, not that the block was rejected.
func (s *Submitter) SubmitBlock(raw []byte) (string, error) {
	blk, err := DecodeBlock(raw)
	if err != nil {
		return "", err
	}
	return s.submit(blk)
}

// Submit routes an already decoded block through the same path as
// SubmitBlock. The in-process miner and the gossip layer use this.
func (s *Submitter) Submit(blk *block.Block) (string, error) {
	if blk == nil || blk.Header == nil {
		return "", fmt.Errorf("%w: nil block", ErrDecode)
	}
	if len(blk.Transactions) == 0 || !blk.Transactions[0].IsCoinbase() {
		return "", fmt.Errorf("%w: block does not start with a coinbase transaction", ErrDecode)
	}
	return s.submit(blk)
}

func (s *Submitter) submit(blk *block.Block) (string, error) {
	hash := blk.Hash()

	// Answer repeats from the status index without re-validating.
	switch status, _ := s.engine.BlockStatus(hash); status {
	case chain.StatusValid:
		return ResultDuplicate, nil
	case chain.StatusInvalid:
		return ResultDuplicateInvalid, nil
	}

	// When the block extends the current tip, fill in the UTXO commitment
	// if the submitter left it zero. The commitment sits outside the
	// header hash, so stamping it does not invalidate the proof of work.
	if blk.StateCommitment.IsZero() && blk.Header.PrevHash == s.engine.Tip().Hash {
		if commitment, err := s.engine.StateCommitmentFor(blk); err == nil {
			blk.StateCommitment = commitment
		} else {
			log.Mining.Debug().Err(err).Stringer("block", hash).Msg("state commitment fill-in skipped")
		}
	}

	capture := &outcomeCapture{target: hash}
	unsubscribe := s.engine.ObserveChecks(capture.observe)
	err := s.engine.ProcessBlock(blk)
	unsubscribe()

	if err != nil {
		switch {
		case errors.Is(err, chain.ErrBlockKnown):
			// Connected by a concurrent submitter between our duplicate
			// check and processing.
			return ResultDuplicate, nil
		case errors.Is(err, chain.ErrKnownInvalid):
			return ResultDuplicateInvalid, nil
		}
	}

	outcome, captured := capture.result()
	if !captured {
		// The chain never checked this exact hash synchronously; the
		// verdict may still arrive through another path. Not an error.
		return ResultInconclusive, nil
	}
	return Classify(outcome)
}

// SubmitHeader decodes and validates a standalone block header. The
// header's predecessor must already be known. Returns nil when the header
// would be accepted; a reject reason or engine failure otherwise.
func (s *Submitter) SubmitHeader(raw []byte) error {
	h, err := DecodeHeader(raw)
	if err != nil {
		return err
	}
	if !s.engine.HasBlock(h.PrevHash) {
		return fmt.Errorf("%w: %s", ErrMissingPrev, h.PrevHash)
	}
	if err := s.engine.AcceptHeader(h); err != nil {
		return fmt.Errorf("header rejected: %s: %w", chain.RejectReason(err), err)
	}
	return nil
}
