package chain

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/storage"
	"github.com/veridium-tech/veridium-chain/internal/utxo"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/crypto"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// easyBits keeps sealing near-instant in tests (target covers roughly half
// the hash space).
const easyBits = 0x207fffff

const (
	testReward    = 1000
	testGenesisTs = 1700000000
)

// testGenesis returns a minimal genesis config allocating coins to the key.
func testGenesis(t *testing.T, key *crypto.PrivateKey) *config.Genesis {
	t.Helper()
	addr := crypto.AddressFromPubKey(key.PublicKey())
	return &config.Genesis{
		ChainID:   "test-chain-1",
		ChainName: "Test Chain",
		Symbol:    "TST",
		Timestamp: testGenesisTs,
		Alloc: map[string]uint64{
			addr.String(): 5000,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				Mode:             config.ModeWork,
				BlockTime:        60,
				InitialBits:      easyBits,
				RetargetInterval: 1000,
				BlockReward:      testReward,
			},
		},
	}
}

// testChain creates a chain initialized from genesis, backed by memory
// storage.
func testChain(t *testing.T) (*Chain, *consensus.PoW, *crypto.PrivateKey, storage.DB) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	pow, err := consensus.NewPoW(easyBits, 1000, 60)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	ch, err := New(db, utxoStore, pow)
	if err != nil {
		t.Fatalf("New chain: %v", err)
	}
	if err := ch.InitFromGenesis(testGenesis(t, key)); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	return ch, pow, key, db
}

// coinbaseFor builds a coinbase paying value at the given height.
func coinbaseFor(height, value uint64) *tx.Transaction {
	tag := binary.LittleEndian.AppendUint64(nil, height)
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: tag,
		}},
		Outputs: []tx.Output{{
			Value:  value,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, types.AddressSize)},
		}},
	}
}

// mineBlock assembles and seals a block on top of the current tip.
// coinbaseValue should be testReward plus any fees carried by userTxs.
func mineBlock(t *testing.T, ch *Chain, pow *consensus.PoW, coinbaseValue uint64, userTxs ...*tx.Transaction) *block.Block {
	t.Helper()

	state := ch.State()
	height := state.Height + 1

	txs := []*tx.Transaction{coinbaseFor(height, coinbaseValue)}
	txs = append(txs, block.SortTxs(userTxs)...)

	hashes := make([]types.Hash, len(txs))
	for i, transaction := range txs {
		hashes[i] = transaction.Hash()
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   state.TipHash,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Timestamp:  state.TipTimestamp + 60,
		Height:     height,
		Bits:       easyBits,
	}
	blk := block.NewBlock(header, txs)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}

// signedSpend builds a signed transaction spending prevOut.
func signedSpend(t *testing.T, key *crypto.PrivateKey, prevOut types.Outpoint, value uint64) *tx.Transaction {
	t.Helper()
	addr := crypto.AddressFromPubKey(key.PublicKey())
	b := tx.NewBuilder().
		AddInput(prevOut).
		AddOutput(value, types.Script{Type: types.ScriptTypeP2PKH, Data: addr.Bytes()})
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

func TestInitFromGenesis(t *testing.T) {
	ch, _, _, _ := testChain(t)

	if ch.Height() != 0 {
		t.Fatalf("height = %d, want 0", ch.Height())
	}
	if ch.Supply() != 5000 {
		t.Fatalf("supply = %d, want 5000", ch.Supply())
	}
	if ch.TipHash().IsZero() {
		t.Fatal("tip hash is zero after genesis")
	}

	status, _ := ch.BlockStatus(ch.TipHash())
	if status != StatusValid {
		t.Fatalf("genesis status = %d, want StatusValid", status)
	}

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	if genBlk.StateCommitment.IsZero() {
		t.Fatal("genesis state commitment not set")
	}

	// Re-initializing an existing chain must fail.
	key, _ := crypto.GenerateKey()
	if err := ch.InitFromGenesis(testGenesis(t, key)); err == nil {
		t.Fatal("second InitFromGenesis succeeded")
	}
}

func TestProcessBlockExtendsTip(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	blk := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	if ch.Height() != 1 {
		t.Fatalf("height = %d, want 1", ch.Height())
	}
	if ch.TipHash() != blk.Hash() {
		t.Fatal("tip hash not updated")
	}
	if ch.Supply() != 5000+testReward {
		t.Fatalf("supply = %d, want %d", ch.Supply(), 5000+testReward)
	}

	status, _ := ch.BlockStatus(blk.Hash())
	if status != StatusValid {
		t.Fatalf("status = %d, want StatusValid", status)
	}

	got, err := ch.GetBlockByHeight(1)
	if err != nil {
		t.Fatalf("GetBlockByHeight(1): %v", err)
	}
	if got.Hash() != blk.Hash() {
		t.Fatal("height index returned wrong block")
	}
}

func TestProcessBlockDuplicate(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	blk := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if err := ch.ProcessBlock(blk); !errors.Is(err, ErrBlockKnown) {
		t.Fatalf("duplicate ProcessBlock = %v, want ErrBlockKnown", err)
	}
}

func TestProcessBlockEvents(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	var checkedHash types.Hash
	var checked Outcome
	unsubCheck := ch.ObserveChecks(func(hash types.Hash, outcome Outcome) {
		checkedHash = hash
		checked = outcome
	})
	defer unsubCheck()

	var tips []Tip
	unsubTip := ch.OnTipChange(func(tip Tip) {
		tips = append(tips, tip)
	})

	blk := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	if checkedHash != blk.Hash() {
		t.Fatal("check observer saw wrong hash")
	}
	if checked.Status != StatusValid {
		t.Fatalf("check outcome = %+v, want StatusValid", checked)
	}
	if len(tips) != 1 || tips[0].Height != 1 || tips[0].Hash != blk.Hash() {
		t.Fatalf("tip events = %+v", tips)
	}

	// After unsubscribe no further tip events arrive.
	unsubTip()
	blk2 := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(blk2); err != nil {
		t.Fatalf("ProcessBlock 2: %v", err)
	}
	if len(tips) != 1 {
		t.Fatalf("tip listener fired after unsubscribe: %d events", len(tips))
	}
}

func TestProcessBlockExcessiveReward(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	blk := mineBlock(t, ch, pow, testReward+1)
	err := ch.ProcessBlock(blk)
	if !errors.Is(err, ErrCoinbaseRewardExceeded) {
		t.Fatalf("ProcessBlock = %v, want ErrCoinbaseRewardExceeded", err)
	}

	status, reason := ch.BlockStatus(blk.Hash())
	if status != StatusInvalid {
		t.Fatalf("status = %d, want StatusInvalid", status)
	}
	if reason != "bad-cb-amount" {
		t.Fatalf("reason = %q, want bad-cb-amount", reason)
	}

	// Resubmission is rejected from the status index.
	if err := ch.ProcessBlock(blk); !errors.Is(err, ErrKnownInvalid) {
		t.Fatalf("resubmit = %v, want ErrKnownInvalid", err)
	}
	if ch.Height() != 0 {
		t.Fatalf("invalid block advanced the chain to height %d", ch.Height())
	}
}

func TestProcessBlockBadMerkleRoot(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	blk := mineBlock(t, ch, pow, testReward)
	blk.Header.MerkleRoot[0] ^= 0xff
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	err := ch.ProcessBlock(blk)
	if !errors.Is(err, block.ErrBadMerkleRoot) {
		t.Fatalf("ProcessBlock = %v, want ErrBadMerkleRoot", err)
	}
	_, reason := ch.BlockStatus(blk.Hash())
	if reason != "bad-txnmrklroot" {
		t.Fatalf("reason = %q, want bad-txnmrklroot", reason)
	}
}

func TestProcessBlockMissingHeightTag(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	state := ch.State()
	coinbase := coinbaseFor(1, testReward)
	coinbase.Inputs[0].Signature = nil // Strip the height tag.

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   state.TipHash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:  state.TipTimestamp + 60,
		Height:     1,
		Bits:       easyBits,
	}
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := ch.ProcessBlock(blk); !errors.Is(err, ErrBadCoinbaseHeight) {
		t.Fatalf("ProcessBlock = %v, want ErrBadCoinbaseHeight", err)
	}
}

func TestProcessBlockSpendsGenesisAlloc(t *testing.T) {
	ch, pow, key, _ := testChain(t)

	// The genesis coinbase holds the allocation at output 0.
	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	prevOut := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}

	// Spend 5000, keep 4900: fee of 100 goes to the miner.
	spend := signedSpend(t, key, prevOut, 4900)
	blk := mineBlock(t, ch, pow, testReward+100, spend)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	// Fees are recycled, not minted: supply grows by the subsidy only.
	if ch.Supply() != 5000+testReward {
		t.Fatalf("supply = %d, want %d", ch.Supply(), 5000+testReward)
	}

	// The spend is reachable through the tx index.
	got, err := ch.GetTransaction(spend.Hash())
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Hash() != spend.Hash() {
		t.Fatal("tx index returned wrong transaction")
	}
	height, blockHash, err := ch.GetTransactionLocation(spend.Hash())
	if err != nil {
		t.Fatalf("GetTransactionLocation: %v", err)
	}
	if height != 1 || blockHash != blk.Hash() {
		t.Fatalf("tx location = (%d, %s)", height, blockHash)
	}
}

func TestProcessBlockBadStateCommitment(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	blk := mineBlock(t, ch, pow, testReward)
	blk.StateCommitment = crypto.Hash([]byte("not the utxo set"))

	err := ch.ProcessBlock(blk)
	if !errors.Is(err, ErrBadStateCommitment) {
		t.Fatalf("ProcessBlock = %v, want ErrBadStateCommitment", err)
	}
	if ch.Height() != 0 {
		t.Fatalf("commitment mismatch advanced the chain to height %d", ch.Height())
	}

	// The apply must have been rolled back: the same block without the
	// commitment connects cleanly.
	blk.StateCommitment = types.Hash{}
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock after revert: %v", err)
	}
}

func TestCheckBlockOnly(t *testing.T) {
	ch, _, _, _ := testChain(t)

	state := ch.State()
	coinbase := coinbaseFor(1, testReward)
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   state.TipHash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:  state.TipTimestamp + 60,
		Height:     1,
		Bits:       easyBits,
	}
	// No sealing: CheckBlockOnly must accept candidates without valid PoW.
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})

	if err := ch.CheckBlockOnly(blk); err != nil {
		t.Fatalf("CheckBlockOnly: %v", err)
	}
	if ch.Height() != 0 {
		t.Fatal("CheckBlockOnly mutated chain state")
	}
	if has := ch.HasBlock(blk.Hash()); has {
		t.Fatal("CheckBlockOnly stored the block")
	}

	// Wrong parent is rejected.
	bad := block.NewBlock(&block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   crypto.Hash([]byte("other tip")),
		MerkleRoot: header.MerkleRoot,
		Timestamp:  header.Timestamp,
		Height:     1,
		Bits:       easyBits,
	}, []*tx.Transaction{coinbase})
	if err := ch.CheckBlockOnly(bad); !errors.Is(err, ErrBadPrevHash) {
		t.Fatalf("CheckBlockOnly wrong parent = %v, want ErrBadPrevHash", err)
	}

	// Rule violations are reported without side effects.
	greedy := coinbaseFor(1, testReward*10)
	over := block.NewBlock(&block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   state.TipHash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{greedy.Hash()}),
		Timestamp:  state.TipTimestamp + 60,
		Height:     1,
		Bits:       easyBits,
	}, []*tx.Transaction{greedy})
	if err := ch.CheckBlockOnly(over); !errors.Is(err, ErrCoinbaseRewardExceeded) {
		t.Fatalf("CheckBlockOnly over-reward = %v, want ErrCoinbaseRewardExceeded", err)
	}
}

func TestMedianTimePast(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	if got := ch.MedianTimePast(); got != testGenesisTs {
		t.Fatalf("MTP at genesis = %d, want %d", got, testGenesisTs)
	}

	for i := 0; i < 4; i++ {
		blk := mineBlock(t, ch, pow, testReward)
		if err := ch.ProcessBlock(blk); err != nil {
			t.Fatalf("ProcessBlock %d: %v", i, err)
		}
	}

	// Five blocks with timestamps g, g+60 ... g+240: the median is g+120.
	if got := ch.MedianTimePast(); got != testGenesisTs+120 {
		t.Fatalf("MTP = %d, want %d", got, testGenesisTs+120)
	}

	tip := ch.Tip()
	if tip.MedianTime != testGenesisTs+120 {
		t.Fatalf("Tip.MedianTime = %d, want %d", tip.MedianTime, testGenesisTs+120)
	}
	if tip.Bits != easyBits || tip.Height != 4 {
		t.Fatalf("tip snapshot = %+v", tip)
	}
}

func TestIsInitialSync(t *testing.T) {
	ch, pow, _, _ := testChain(t)

	// Genesis-only chain counts as syncing.
	if !ch.IsInitialSync() {
		t.Fatal("fresh chain not reported as initial sync")
	}

	// A 2023-era tip is far older than the tip-age cutoff.
	blk := mineBlock(t, ch, pow, testReward)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if !ch.IsInitialSync() {
		t.Fatal("stale tip not reported as initial sync")
	}
}

func TestCrashRecoveryRebuildsUTXOs(t *testing.T) {
	ch, pow, key, db := testChain(t)

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	prevOut := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}
	spend := signedSpend(t, key, prevOut, 5000)

	blk := mineBlock(t, ch, pow, testReward, spend)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	wantSupply := ch.Supply()
	wantTip := ch.TipHash()

	// Simulate a crash mid-reorg: leave a checkpoint behind and corrupt
	// the UTXO set, then reopen.
	store := utxo.NewStore(db)
	if err := store.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if err := NewBlockStore(db).PutReorgCheckpoint(0); err != nil {
		t.Fatalf("PutReorgCheckpoint: %v", err)
	}

	pow2, err := consensus.NewPoW(easyBits, 1000, 60)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}
	reopened, err := New(db, utxo.NewStore(db), pow2)
	if err != nil {
		t.Fatalf("New after crash: %v", err)
	}

	if reopened.TipHash() != wantTip {
		t.Fatal("tip lost after recovery")
	}
	if reopened.Supply() != wantSupply {
		t.Fatalf("supply after recovery = %d, want %d", reopened.Supply(), wantSupply)
	}
	if _, found := NewBlockStore(db).GetReorgCheckpoint(); found {
		t.Fatal("reorg checkpoint not cleared after recovery")
	}

	// The rebuilt UTXO set contains the spend's output.
	rebuilt := utxo.NewStore(db)
	has, err := rebuilt.Has(types.Outpoint{TxID: spend.Hash(), Index: 0})
	if err != nil || !has {
		t.Fatalf("spend output missing after rebuild (has=%v err=%v)", has, err)
	}
	if has, _ := rebuilt.Has(prevOut); has {
		t.Fatal("spent genesis output resurrected by rebuild")
	}
}
