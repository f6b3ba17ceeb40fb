package mining

import (
	"sync"
	"testing"

	"github.com/veridium-tech/veridium-chain/pkg/types"
)

func TestMineBlocksProducesRequestedCount(t *testing.T) {
	h := newHarness(t)
	dm := NewDirectMiner(h.chain, h.assembler, nil)

	startHeight := h.chain.Height()
	hashes, err := dm.MineBlocks(h.payoutScript(), 3, 1_000_000)
	if err != nil {
		t.Fatalf("MineBlocks: %v", err)
	}
	if len(hashes) != 3 {
		t.Fatalf("mined %d blocks, want 3", len(hashes))
	}
	if h.chain.Height() != startHeight+3 {
		t.Fatalf("chain height = %d, want %d", h.chain.Height(), startHeight+3)
	}

	// Each hash is a connected block at strictly increasing heights.
	for i, hash := range hashes {
		blk, err := h.chain.GetBlock(hash)
		if err != nil {
			t.Fatalf("GetBlock(%d): %v", i, err)
		}
		if blk.Header.Height != startHeight+uint64(i)+1 {
			t.Fatalf("block %d at height %d, want %d", i, blk.Header.Height, startHeight+uint64(i)+1)
		}
	}
	if h.chain.TipHash() != hashes[2] {
		t.Fatal("last mined block is not the tip")
	}
}

func TestMineBlocksPaysCoinbaseToScript(t *testing.T) {
	h := newHarness(t)
	dm := NewDirectMiner(h.chain, h.assembler, nil)

	hashes, err := dm.MineBlocks(h.payoutScript(), 1, 1_000_000)
	if err != nil {
		t.Fatalf("MineBlocks: %v", err)
	}
	blk, err := h.chain.GetBlock(hashes[0])
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	out := blk.Transactions[0].Outputs[0]
	if out.Value != testReward {
		t.Fatalf("coinbase value = %d, want %d", out.Value, testReward)
	}
	if out.Script.Type != h.payoutScript().Type || string(out.Script.Data) != string(h.payoutScript().Data) {
		t.Fatal("coinbase does not pay the requested script")
	}
}

func TestMineBlocksExhaustsTryBudget(t *testing.T) {
	h := newHarness(t)
	dm := NewDirectMiner(h.chain, h.assembler, nil)

	// One try is almost never enough for even the easy target; the loop
	// must end early without an error either way.
	hashes, err := dm.MineBlocks(h.payoutScript(), 5, 1)
	if err != nil {
		t.Fatalf("MineBlocks: %v", err)
	}
	if len(hashes) >= 5 {
		t.Fatalf("mined %d blocks on a single try", len(hashes))
	}
}

func TestMineBlocksStopsOnShutdown(t *testing.T) {
	h := newHarness(t)
	quit := make(chan struct{})
	close(quit)
	dm := NewDirectMiner(h.chain, h.assembler, quit)

	hashes, err := dm.MineBlocks(h.payoutScript(), 3, 1_000_000)
	if err != nil {
		t.Fatalf("MineBlocks: %v", err)
	}
	if len(hashes) != 0 {
		t.Fatalf("mined %d blocks after shutdown", len(hashes))
	}
}

func TestMineBlocksConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	dm := NewDirectMiner(h.chain, h.assembler, nil)

	// The node shares one miner between its production loop and RPC-driven
	// generation, so parallel calls must serialize instead of racing over
	// the extra nonce.
	startHeight := h.chain.Height()
	const callers = 4
	var wg sync.WaitGroup
	results := make([][]types.Hash, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = dm.MineBlocks(h.payoutScript(), 2, 1_000_000)
		}(i)
	}
	wg.Wait()

	total := 0
	seen := make(map[types.Hash]bool)
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		for _, hash := range results[i] {
			if seen[hash] {
				t.Fatalf("block %s returned to two callers", hash)
			}
			seen[hash] = true
			total++
		}
	}
	if total != callers*2 {
		t.Fatalf("mined %d blocks, want %d", total, callers*2)
	}
	if h.chain.Height() != startHeight+uint64(total) {
		t.Fatalf("chain height = %d, want %d", h.chain.Height(), startHeight+uint64(total))
	}
}

func TestMineBlocksStampsCommitment(t *testing.T) {
	h := newHarness(t)
	dm := NewDirectMiner(h.chain, h.assembler, nil)

	hashes, err := dm.MineBlocks(h.payoutScript(), 1, 1_000_000)
	if err != nil {
		t.Fatalf("MineBlocks: %v", err)
	}
	blk, err := h.chain.GetBlock(hashes[0])
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if blk.StateCommitment.IsZero() {
		t.Fatal("mined block carries no state commitment")
	}
}
