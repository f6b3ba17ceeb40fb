package mining

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/crypto"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

func marshalBlock(t *testing.T, blk *block.Block) []byte {
	t.Helper()
	raw, err := json.Marshal(blk)
	if err != nil {
		t.Fatalf("marshal block: %v", err)
	}
	return raw
}

func TestSubmitBlockAccepted(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	blk := h.mineNext(t)
	result, err := sub.SubmitBlock(marshalBlock(t, blk))
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if result != ResultAccepted {
		t.Fatalf("result = %q, want accepted", result)
	}
	if h.chain.TipHash() != blk.Hash() {
		t.Fatal("accepted block is not the tip")
	}
}

func TestSubmitBlockFillsStateCommitment(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	blk := h.mineNext(t)
	if !blk.StateCommitment.IsZero() {
		t.Fatal("assembled block unexpectedly carries a commitment")
	}
	if result, err := sub.SubmitBlock(marshalBlock(t, blk)); err != nil || result != ResultAccepted {
		t.Fatalf("SubmitBlock = %q, %v", result, err)
	}

	stored, err := h.chain.GetBlock(blk.Hash())
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if stored.StateCommitment.IsZero() {
		t.Fatal("commitment was not filled in before submission")
	}
}

func TestSubmitBlockDuplicate(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	raw := marshalBlock(t, h.mineNext(t))
	if result, err := sub.SubmitBlock(raw); err != nil || result != ResultAccepted {
		t.Fatalf("first submit = %q, %v", result, err)
	}

	result, err := sub.SubmitBlock(raw)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if result != ResultDuplicate {
		t.Fatalf("result = %q, want %q", result, ResultDuplicate)
	}
}

func TestSubmitBlockDuplicateInvalid(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	raw := marshalBlock(t, h.mineOverpaying(t))
	result, err := sub.SubmitBlock(raw)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if result != "bad-cb-amount" {
		t.Fatalf("result = %q, want bad-cb-amount", result)
	}

	result, err = sub.SubmitBlock(raw)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if result != ResultDuplicateInvalid {
		t.Fatalf("result = %q, want %q", result, ResultDuplicateInvalid)
	}
}

func TestSubmitBlockDecodeErrors(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	if _, err := sub.SubmitBlock([]byte("not json")); !errors.Is(err, ErrDecode) {
		t.Fatalf("garbage: err = %v, want ErrDecode", err)
	}

	// A block whose first transaction is not a coinbase.
	blk := h.mineNext(t)
	blk.Transactions[0].Inputs[0].PrevOut = types.Outpoint{TxID: crypto.Hash([]byte("x")), Index: 0}
	if _, err := sub.SubmitBlock(marshalBlock(t, blk)); !errors.Is(err, ErrDecode) {
		t.Fatalf("no coinbase: err = %v, want ErrDecode", err)
	}

	// No transactions at all.
	empty := block.NewBlock(blk.Header, nil)
	if _, err := sub.SubmitBlock(marshalBlock(t, empty)); !errors.Is(err, ErrDecode) {
		t.Fatalf("empty block: err = %v, want ErrDecode", err)
	}
}

// stubEngine accepts everything but never fires an observer, so the
// submitter can never capture an outcome.
type stubEngine struct {
	tip chain.Tip
}

func (e *stubEngine) Tip() chain.Tip { return e.tip }

func (e *stubEngine) HasBlock(types.Hash) bool { return false }

func (e *stubEngine) ProcessBlock(*block.Block) error { return nil }

func (e *stubEngine) CheckBlockOnly(*block.Block) error { return nil }

func (e *stubEngine) AcceptHeader(*block.Header) error { return nil }

func (e *stubEngine) IsInitialSync() bool { return false }

func (e *stubEngine) BlockStatus(types.Hash) (chain.Status, string) {
	return chain.StatusUnknown, ""
}

func (e *stubEngine) ObserveChecks(chain.CheckObserver) func() {
	return func() {}
}

func (e *stubEngine) StateCommitmentFor(*block.Block) (types.Hash, error) {
	return types.Hash{}, nil
}

func TestSubmitBlockInconclusiveWithoutOutcome(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(&stubEngine{})

	result, err := sub.SubmitBlock(marshalBlock(t, h.mineNext(t)))
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if result != ResultInconclusive {
		t.Fatalf("result = %q, want %q", result, ResultInconclusive)
	}
}

func TestSubmitHeaderAccepted(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	h.connectNext(t)
	blk := h.mineNext(t)

	raw, err := json.Marshal(blk.Header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	if err := sub.SubmitHeader(raw); err != nil {
		t.Fatalf("SubmitHeader: %v", err)
	}
}

func TestSubmitHeaderUnknownPredecessor(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	blk := h.mineNext(t)
	blk.Header.PrevHash = crypto.Hash([]byte("nowhere"))

	raw, err := json.Marshal(blk.Header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	if err := sub.SubmitHeader(raw); !errors.Is(err, ErrMissingPrev) {
		t.Fatalf("err = %v, want ErrMissingPrev", err)
	}
}

func TestSubmitHeaderRejected(t *testing.T) {
	h := newHarness(t)
	sub := NewSubmitter(h.chain)

	h.connectNext(t)
	blk := h.mineNext(t)
	blk.Header.Nonce = 0 // discard the proof of work

	// With easy bits nonce 0 may still satisfy the target; corrupt the
	// merkle root too so the header hash moves off the sealed solution.
	// PoW verification only sees the header, so this stays a pure header
	// test.
	for h.pow.VerifyHeader(blk.Header) == nil {
		blk.Header.MerkleRoot = crypto.Hash(blk.Header.MerkleRoot.Bytes())
	}

	raw, err := json.Marshal(blk.Header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	err = sub.SubmitHeader(raw)
	if err == nil {
		t.Fatal("SubmitHeader accepted a header without valid work")
	}
	if errors.Is(err, ErrMissingPrev) || errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want a validation rejection", err)
	}
}
