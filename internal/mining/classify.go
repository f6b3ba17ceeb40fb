package mining

import (
	"fmt"

	"github.com/veridium-tech/veridium-chain/internal/chain"
)

// Submission result strings. Accepted submissions yield the empty string;
// the RPC layer renders that as null.
const (
	ResultAccepted            = ""
	ResultRejected            = "rejected"
	ResultDuplicate           = "duplicate"
	ResultDuplicateInvalid    = "duplicate-invalid"
	ResultDuplicateUnverified = "duplicate-inconclusive"
	ResultInconclusive        = "inconclusive"
	ResultWrongPrev           = "inconclusive-not-best-prevblk"
)

// Classify maps a block check outcome to the caller-facing result string.
// A hard engine failure comes back as an error carrying the engine's
// message; a consensus rejection is a plain string, never an error, so
// callers can tell "call failed" from "block rejected".
func Classify(outcome chain.Outcome) (string, error) {
	if outcome.Err != nil {
		return "", fmt.Errorf("block check failed: %w", outcome.Err)
	}
	switch outcome.Status {
	case chain.StatusValid:
		return ResultAccepted, nil
	case chain.StatusInvalid:
		if outcome.Reason == "" {
			return ResultRejected, nil
		}
		return outcome.Reason, nil
	default:
		// Unreachable by contract; surface it without crashing.
		return "valid?", nil
	}
}
