package chain

import (
	"fmt"
	"time"

	"github.com/veridium-tech/veridium-chain/pkg/block"
)

// AcceptHeader validates a block header whose parent block is already
// stored: linkage, difficulty, proof of work, and timestamp bounds. No
// state is written; header-only submitters learn whether the proof they
// found would be accepted once the block data follows.
func (c *Chain) AcceptHeader(h *block.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h == nil {
		return fmt.Errorf("nil header")
	}

	parent, err := c.blocks.GetBlock(h.PrevHash)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrevNotFound, h.PrevHash)
	}
	if h.Height != parent.Header.Height+1 {
		return fmt.Errorf("%w: parent height %d, header height %d", ErrBadHeight, parent.Header.Height, h.Height)
	}

	if err := c.pow.VerifyBits(h, parent.Header.Bits, c.getBlockTimestamp); err != nil {
		return err
	}
	if err := c.pow.VerifyHeader(h); err != nil {
		return err
	}

	maxTime := uint64(time.Now().Add(maxFutureDrift).Unix())
	if h.Timestamp > maxTime {
		return fmt.Errorf("%w: header timestamp %d exceeds max %d", ErrTimestampTooFuture, h.Timestamp, maxTime)
	}
	mtp := c.medianTimePastLocked(parent.Header.Height)
	if mtp > 0 && h.Timestamp <= mtp {
		return fmt.Errorf("%w: header timestamp %d <= median time %d", ErrTimestampTooOld, h.Timestamp, mtp)
	}
	return nil
}
