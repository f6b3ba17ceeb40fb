package mining

import (
	"testing"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/consensus"
	"github.com/veridium-tech/veridium-chain/internal/mempool"
	"github.com/veridium-tech/veridium-chain/internal/miner"
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

const testReward = 1000

// harness wires a real chain, mempool, and assembler the way the node
// does, backed by memory storage.
type harness struct {
	chain     *chain.Chain
	pow       *consensus.PoW
	pool      *mempool.Pool
	assembler *miner.Assembler
	key       *crypto.PrivateKey
	addr      types.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())

	pow, err := consensus.NewPoW(easyBits, 1000, 60)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	ch, err := chain.New(db, utxoStore, pow)
	if err != nil {
		t.Fatalf("New chain: %v", err)
	}

	gen := &config.Genesis{
		ChainID:   "test-chain-1",
		ChainName: "Test Chain",
		Symbol:    "TST",
		Timestamp: uint64(time.Now().Add(-10 * time.Minute).Unix()),
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
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	pool := mempool.New(miner.NewUTXOAdapter(utxoStore), 100)
	assembler := miner.NewAssembler(ch, pool, pow, 0)

	return &harness{
		chain:     ch,
		pow:       pow,
		pool:      pool,
		assembler: assembler,
		key:       key,
		addr:      addr,
	}
}

// payoutScript pays the harness key.
func (h *harness) payoutScript() types.Script {
	return types.Script{Type: types.ScriptTypeP2PKH, Data: h.addr.Bytes()}
}

// mineNext assembles and seals the next block without touching the chain.
func (h *harness) mineNext(t *testing.T) *block.Block {
	t.Helper()
	cand, err := h.assembler.Assemble(h.payoutScript(), nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if err := h.pow.Seal(cand.Block); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return cand.Block
}

// connectNext mines and connects one block, leaving the chain past its
// genesis-only initial-sync state.
func (h *harness) connectNext(t *testing.T) *block.Block {
	t.Helper()
	blk := h.mineNext(t)
	if err := h.chain.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	return blk
}

// mineOverpaying seals a next block whose coinbase claims ten times the
// subsidy: structurally fine, consensus-invalid.
func (h *harness) mineOverpaying(t *testing.T) *block.Block {
	t.Helper()

	tip := h.chain.Tip()
	height := tip.Height + 1
	coinbase := miner.BuildCoinbase(h.payoutScript(), testReward*10, height, nil)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   tip.Hash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:  uint64(time.Now().Unix()),
		Height:     height,
		Bits:       easyBits,
	}
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})
	if err := h.pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}
