package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroBits         = errors.New("compact bits must be > 0")
	ErrTargetTooEasy    = errors.New("target exceeds proof-of-work limit")
	ErrBadBits          = errors.New("block bits do not match expected")
	ErrNonceExhausted   = errors.New("nonce space exhausted")
)

// PoW implements proof-of-work consensus. The difficulty target is carried
// in each header as compact bits (consensus-enforced); the engine itself
// holds no mutable state.
type PoW struct {
	InitialBits     uint32 // Starting compact bits (from genesis)
	AdjustInterval  int    // Blocks between difficulty adjustments (0 = no adjustment)
	TargetBlockTime int    // Target seconds between blocks

	// powLimit is the easiest allowed target (from InitialBits).
	powLimit *big.Int

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded. Each goroutine searches a strided
	// partition of the 32-bit nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(initialBits uint32, adjustInterval, targetBlockTime int) (*PoW, error) {
	if initialBits == 0 {
		return nil, ErrZeroBits
	}
	limit := CompactToBig(initialBits)
	if limit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bits %08x decode to non-positive target", ErrZeroBits, initialBits)
	}
	return &PoW{
		InitialBits:     initialBits,
		AdjustInterval:  adjustInterval,
		TargetBlockTime: targetBlockTime,
		powLimit:        limit,
	}, nil
}

// PowLimit returns the easiest allowed target.
func (p *PoW) PowLimit() *big.Int {
	return new(big.Int).Set(p.powLimit)
}

// ShouldAdjust returns true if difficulty should be recalculated at this height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.AdjustInterval > 0 && height%uint64(p.AdjustInterval) == 0
}

// VerifyHeader checks that the block header hash meets the target stated in
// its compact bits. The bits value comes from the header itself; use
// VerifyBits to check it against chain history.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Bits == 0 {
		return ErrZeroBits
	}
	t := CompactToBig(header.Bits)
	if t.Sign() <= 0 {
		return fmt.Errorf("%w: bits %08x", ErrZeroBits, header.Bits)
	}
	if t.Cmp(p.powLimit) > 0 {
		return fmt.Errorf("%w: bits %08x", ErrTargetTooEasy, header.Bits)
	}
	if HashToBig(header.Hash()).Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the header's compact bits for the given height.
func (p *PoW) Prepare(header *block.Header, prevBits uint32, getTimestamp func(uint64) (uint64, error)) {
	header.Bits = p.ExpectedBits(header.Height, prevBits, getTimestamp)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing
// nonce. Each mining goroutine pre-computes the prefix once and only
// appends+hashes the 4-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 88)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	return buf
}

// Seal mines the block by iterating the nonce until the header hash meets
// the target encoded in the header's bits.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support. When the
// context is cancelled, mining stops and ctx.Err() is returned. Returns
// ErrNonceExhausted when the 32-bit nonce space is searched without a hit;
// the caller should vary the coinbase or timestamp and retry.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Bits == 0 {
		return ErrZeroBits
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := CompactToBig(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+4)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint32(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint32(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint32(0) {
			return ErrNonceExhausted
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := CompactToBig(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint32
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint32(i)
		stride := uint32(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+4)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				// Check cancellation every ~65536 iterations per goroutine.
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint32(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				// Overflow: would wrap around past max uint32.
				if nonce > ^uint32(0)-stride {
					select {
					case found <- result{err: ErrNonceExhausted}:
					default:
					}
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return ErrNonceExhausted
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedBits computes the correct compact bits for a block at the given
// height. prevBits is the bits from the block at height-1 (0 for height <= 1).
// getTimestamp retrieves a block's timestamp by height (for adjustment).
func (p *PoW) ExpectedBits(height uint64, prevBits uint32, getTimestamp func(uint64) (uint64, error)) uint32 {
	// First block or no previous bits: use initial.
	if height <= 1 || prevBits == 0 {
		return p.InitialBits
	}

	// Not at an adjustment boundary: carry forward previous bits.
	if !p.ShouldAdjust(height) {
		return prevBits
	}

	// At adjustment boundary: compute from timestamps.
	interval := uint64(p.AdjustInterval)
	startTS, err := getTimestamp(height - interval)
	if err != nil {
		return prevBits
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevBits
	}

	actual := int64(endTS - startTS)
	expected := int64(p.AdjustInterval) * int64(p.TargetBlockTime)
	return p.CalcNextBits(prevBits, actual, expected)
}

// VerifyBits checks that a block header's stated bits match the expected
// bits computed from chain history.
func (p *PoW) VerifyBits(header *block.Header, prevBits uint32, getTimestamp func(uint64) (uint64, error)) error {
	expected := p.ExpectedBits(header.Height, prevBits, getTimestamp)
	if header.Bits != expected {
		return fmt.Errorf("%w: height %d has bits %08x, want %08x",
			ErrBadBits, header.Height, header.Bits, expected)
	}
	return nil
}

// CalcNextBits computes the new compact bits after a retarget period.
// actualTimeSpan is the elapsed seconds for the last interval;
// expectedTimeSpan is interval * targetBlockTime. The time span is clamped
// to [expected/4, expected*4] and the resulting target never exceeds the
// proof-of-work limit.
func (p *PoW) CalcNextBits(currentBits uint32, actualTimeSpan, expectedTimeSpan int64) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	// Clamp actual to [expected/4, expected*4] to limit adjustment per period.
	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	// newTarget = currentTarget * actual / expected.
	// Blocks came slower than expected -> larger target (easier).
	target := CompactToBig(currentBits)
	target.Mul(target, big.NewInt(actualTimeSpan))
	target.Div(target, big.NewInt(expectedTimeSpan))

	if target.Cmp(p.powLimit) > 0 {
		target.Set(p.powLimit)
	}
	if target.Sign() <= 0 {
		target.SetInt64(1)
	}
	return BigToCompact(target)
}
