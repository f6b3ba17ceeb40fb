package chain

import (
	"testing"

	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// mineAt builds and seals a block on an explicit parent, without consulting
// the chain tip. Used to construct fork branches.
func mineAt(t *testing.T, ch *Chain, parentHash types.Hash, parentHeight, parentTime uint64, timeOffset uint64, userTxs ...*tx.Transaction) *block.Block {
	t.Helper()

	height := parentHeight + 1
	txs := []*tx.Transaction{coinbaseFor(height, testReward)}
	txs = append(txs, block.SortTxs(userTxs)...)

	hashes := make([]types.Hash, len(txs))
	for i, transaction := range txs {
		hashes[i] = transaction.Hash()
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   parentHash,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Timestamp:  parentTime + 60 + timeOffset,
		Height:     height,
		Bits:       easyBits,
	}
	blk := block.NewBlock(header, txs)
	if err := ch.pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}

func TestForkStoredWithoutSwitch(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	genesisHash := ch.TipHash()
	genesisTime := ch.State().TipTimestamp

	a1 := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(a1); err != nil {
		t.Fatalf("ProcessBlock a1: %v", err)
	}

	// A competing block at the same height carries equal work, so the
	// current chain is kept.
	b1 := mineAt(t, ch, genesisHash, 0, genesisTime, 1)
	if err := ch.ProcessBlock(b1); err != nil {
		t.Fatalf("ProcessBlock b1: %v", err)
	}

	if ch.TipHash() != a1.Hash() {
		t.Fatal("equal-work fork replaced the tip")
	}
	if !ch.HasBlock(b1.Hash()) {
		t.Fatal("fork block not stored")
	}
	status, _ := ch.BlockStatus(b1.Hash())
	if status != StatusStored {
		t.Fatalf("fork block status = %d, want StatusStored", status)
	}
}

func TestReorgToHeavierBranch(t *testing.T) {
	ch, pow, key, _ := testChain(t)

	genesisHash := ch.TipHash()
	genesisTime := ch.State().TipTimestamp
	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	allocOut := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}

	// Active branch: a1 confirms a spend of the genesis allocation.
	spend := signedSpend(t, key, allocOut, 5000)
	a1 := mineBlock(t, ch, pow, testReward, spend)
	if err := ch.ProcessBlock(a1); err != nil {
		t.Fatalf("ProcessBlock a1: %v", err)
	}

	var reverted []*tx.Transaction
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		reverted = append(reverted, txs...)
	})

	var tipEvents []Tip
	ch.OnTipChange(func(tip Tip) {
		tipEvents = append(tipEvents, tip)
	})

	// Competing branch b1-b2 from genesis: two blocks of equal difficulty
	// outweigh one.
	b1 := mineAt(t, ch, genesisHash, 0, genesisTime, 1)
	if err := ch.ProcessBlock(b1); err != nil {
		t.Fatalf("ProcessBlock b1: %v", err)
	}
	if ch.TipHash() != a1.Hash() {
		t.Fatal("tip switched before the fork became heavier")
	}

	b2 := mineAt(t, ch, b1.Hash(), 1, b1.Header.Timestamp, 0)
	if err := ch.ProcessBlock(b2); err != nil {
		t.Fatalf("ProcessBlock b2: %v", err)
	}

	if ch.TipHash() != b2.Hash() {
		t.Fatal("tip did not switch to the heavier branch")
	}
	if ch.Height() != 2 {
		t.Fatalf("height = %d, want 2", ch.Height())
	}

	// a1's reward was reverted, b1's and b2's applied.
	if ch.Supply() != 5000+2*testReward {
		t.Fatalf("supply = %d, want %d", ch.Supply(), 5000+2*testReward)
	}

	// The reverted spend was handed back for mempool re-insertion.
	if len(reverted) != 1 || reverted[0].Hash() != spend.Hash() {
		t.Fatalf("reverted txs = %d", len(reverted))
	}

	// The reorg announced the new tip.
	if len(tipEvents) == 0 || tipEvents[len(tipEvents)-1].Hash != b2.Hash() {
		t.Fatalf("tip events = %+v", tipEvents)
	}

	// Height index follows the new branch.
	got, err := ch.GetBlockByHeight(1)
	if err != nil {
		t.Fatalf("GetBlockByHeight(1): %v", err)
	}
	if got.Hash() != b1.Hash() {
		t.Fatal("height index still points at the old branch")
	}

	// The genesis allocation is unspent again after the revert.
	if err := ch.CheckBlockOnly(mineAt(t, ch, b2.Hash(), 2, b2.Header.Timestamp, 0, signedSpend(t, key, allocOut, 5000))); err != nil {
		t.Fatalf("spend of restored output rejected: %v", err)
	}
}

func TestReorgKeepsChainOnEqualWork(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	a1 := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(a1); err != nil {
		t.Fatalf("ProcessBlock a1: %v", err)
	}
	a2 := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(a2); err != nil {
		t.Fatalf("ProcessBlock a2: %v", err)
	}

	// A fork of the same length does not displace the active chain.
	genesisHash, genesisTime := mustGenesis(t, ch)
	b1 := mineAt(t, ch, genesisHash, 0, genesisTime, 2)
	if err := ch.ProcessBlock(b1); err != nil {
		t.Fatalf("ProcessBlock b1: %v", err)
	}
	b2 := mineAt(t, ch, b1.Hash(), 1, b1.Header.Timestamp, 0)
	if err := ch.ProcessBlock(b2); err != nil {
		t.Fatalf("ProcessBlock b2: %v", err)
	}

	if ch.TipHash() != a2.Hash() {
		t.Fatal("equal-work branch replaced the tip")
	}
}

func mustGenesis(t *testing.T, ch *Chain) (types.Hash, uint64) {
	t.Helper()
	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	return genBlk.Hash(), genBlk.Header.Timestamp
}
