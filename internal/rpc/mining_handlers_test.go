package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/internal/miner"
	"github.com/veridium-tech/veridium-chain/internal/mining"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// sealNext assembles and seals a valid next block without connecting it.
func (env *testEnv) sealNext(t *testing.T) *block.Block {
	t.Helper()
	cand, err := env.assembler.Assemble(env.payoutScript(), nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if err := env.pow.Seal(cand.Block); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return cand.Block
}

// sealOverpaying seals a next block whose coinbase claims ten times the
// subsidy: structurally fine, consensus-invalid.
func (env *testEnv) sealOverpaying(t *testing.T) *block.Block {
	t.Helper()

	tip := env.chain.Tip()
	height := tip.Height + 1
	coinbase := miner.BuildCoinbase(env.payoutScript(), testReward*10, height, nil)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   tip.Hash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:  uint64(time.Now().Unix()),
		Height:     height,
		Bits:       easyBits,
	}
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})
	if err := env.pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}

func hexEncode(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return hex.EncodeToString(raw)
}

// ── Templates ───────────────────────────────────────────────────────────

func TestRPC_MiningGetBlockTemplate(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)

	resp := rpcCall(t, env.url, "mining_getBlockTemplate", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}

	var tpl mining.Template
	decodeResult(t, resp, &tpl)

	if tpl.Height != 2 {
		t.Errorf("height = %d, want 2", tpl.Height)
	}
	if tpl.PrevBlockHash != env.chain.TipHash().String() {
		t.Errorf("previousblockhash = %q, want tip %q", tpl.PrevBlockHash, env.chain.TipHash().String())
	}
	if tpl.LongPollID == "" {
		t.Error("longpollid is empty")
	}
	if tpl.Target == "" {
		t.Error("target is empty")
	}
	if tpl.NonceRange != mining.NonceRange {
		t.Errorf("noncerange = %q, want %q", tpl.NonceRange, mining.NonceRange)
	}
	if tpl.CoinbaseValue != testReward {
		t.Errorf("coinbasevalue = %d, want %d", tpl.CoinbaseValue, testReward)
	}
	if len(tpl.Transactions) != 0 {
		t.Errorf("transactions = %d, want 0", len(tpl.Transactions))
	}
}

func TestRPC_MiningGetBlockTemplate_InitialSync(t *testing.T) {
	env := setupTestEnv(t)

	// Genesis-only chain refuses to hand out work.
	resp := rpcCall(t, env.url, "mining_getBlockTemplate", nil)
	if resp.Error == nil {
		t.Fatal("expected error during initial sync")
	}
	if resp.Error.Code != CodeInitialDownload {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInitialDownload)
	}
}

func TestRPC_MiningGetBlockTemplate_BadMode(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)

	resp := rpcCall(t, env.url, "mining_getBlockTemplate", mining.TemplateRequest{Mode: "bogus"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown mode")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

func TestRPC_MiningGetBlockTemplate_LongPoll(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)

	resp := rpcCall(t, env.url, "mining_getBlockTemplate", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	var tpl mining.Template
	decodeResult(t, resp, &tpl)

	// A mempool change releases the long poll; the answer reflects the
	// new transaction set.
	spend := env.spendAlloc(t, 4900)
	if _, err := env.pool.Add(spend); err != nil {
		t.Fatalf("pool add: %v", err)
	}

	resp2 := rpcCall(t, env.url, "mining_getBlockTemplate",
		mining.TemplateRequest{LongPollID: tpl.LongPollID})
	if resp2.Error != nil {
		t.Fatalf("unexpected error: %v", resp2.Error.Message)
	}
	var tpl2 mining.Template
	decodeResult(t, resp2, &tpl2)

	if tpl2.LongPollID == tpl.LongPollID {
		t.Error("longpollid did not change after mempool update")
	}
	if len(tpl2.Transactions) != 1 {
		t.Errorf("transactions = %d, want 1", len(tpl2.Transactions))
	}
}

func TestRPC_MiningGetBlockTemplate_Proposal(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)
	blk := env.sealNext(t)

	resp := rpcCall(t, env.url, "mining_getBlockTemplate", mining.TemplateRequest{
		Mode: "proposal",
		Data: hexEncode(t, blk),
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if resp.Result != nil {
		t.Errorf("result = %v, want null for acceptable proposal", resp.Result)
	}

	// A proposal never connects anything.
	if env.chain.Height() != 1 {
		t.Errorf("height = %d, want 1", env.chain.Height())
	}
}

func TestRPC_MiningGetBlockTemplate_ProposalRejected(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)
	blk := env.sealOverpaying(t)

	resp := rpcCall(t, env.url, "mining_getBlockTemplate", mining.TemplateRequest{
		Mode: "proposal",
		Data: hexEncode(t, blk),
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}

	reason, ok := resp.Result.(string)
	if !ok || reason == "" {
		t.Fatalf("result = %v, want reject reason string", resp.Result)
	}
}

// ── Submission ──────────────────────────────────────────────────────────

func TestRPC_MiningSubmitBlock(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)
	blk := env.sealNext(t)

	resp := rpcCall(t, env.url, "mining_submitBlock", DataParam{Data: hexEncode(t, blk)})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if resp.Result != nil {
		t.Errorf("result = %v, want null for accepted block", resp.Result)
	}
	if env.chain.Height() != 2 {
		t.Errorf("height = %d, want 2", env.chain.Height())
	}
}

func TestRPC_MiningSubmitBlock_Duplicate(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)
	blk := env.sealNext(t)
	data := hexEncode(t, blk)

	if resp := rpcCall(t, env.url, "mining_submitBlock", DataParam{Data: data}); resp.Error != nil {
		t.Fatalf("first submit: %v", resp.Error.Message)
	}

	resp := rpcCall(t, env.url, "mining_submitBlock", DataParam{Data: data})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if resp.Result != mining.ResultDuplicate {
		t.Errorf("result = %v, want %q", resp.Result, mining.ResultDuplicate)
	}
}

func TestRPC_MiningSubmitBlock_BadHex(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "mining_submitBlock", DataParam{Data: "zzzz"})
	if resp.Error == nil {
		t.Fatal("expected error for non-hex data")
	}
	if resp.Error.Code != CodeDecodeFailed {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeDecodeFailed)
	}
}

func TestRPC_MiningSubmitBlock_BadBlock(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "mining_submitBlock",
		DataParam{Data: hex.EncodeToString([]byte("not a block"))})
	if resp.Error == nil {
		t.Fatal("expected error for undecodable block")
	}
	if resp.Error.Code != CodeDecodeFailed {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeDecodeFailed)
	}
}

func TestRPC_MiningSubmitBlock_MissingData(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "mining_submitBlock", DataParam{})
	if resp.Error == nil {
		t.Fatal("expected error for missing data")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

func TestRPC_MiningSubmitHeader(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)
	blk := env.sealNext(t)

	resp := rpcCall(t, env.url, "mining_submitHeader", DataParam{Data: hexEncode(t, blk.Header)})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if resp.Result != nil {
		t.Errorf("result = %v, want null for accepted header", resp.Result)
	}
}

func TestRPC_MiningSubmitHeader_MissingPrev(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)

	var orphanPrev types.Hash
	orphanPrev[0] = 0xfe
	header := &block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  orphanPrev,
		Timestamp: uint64(time.Now().Unix()),
		Height:    5,
		Bits:      easyBits,
	}

	resp := rpcCall(t, env.url, "mining_submitHeader", DataParam{Data: hexEncode(t, header)})
	if resp.Error == nil {
		t.Fatal("expected error for unknown predecessor")
	}
	if resp.Error.Code != CodeVerifyRejected {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeVerifyRejected)
	}
}

// ── Info, priority, direct mining ───────────────────────────────────────

func TestRPC_MiningGetInfo(t *testing.T) {
	env := setupTestEnv(t)
	env.mineBlock(t)

	resp := rpcCall(t, env.url, "mining_getInfo", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}

	var info mining.WorkInfo
	decodeResult(t, resp, &info)

	if info.Blocks != 1 {
		t.Errorf("blocks = %d, want 1", info.Blocks)
	}
	if info.Chain != env.genesis.ChainID {
		t.Errorf("chain = %q, want %q", info.Chain, env.genesis.ChainID)
	}
	if info.BlockReward != testReward {
		t.Errorf("blockreward = %d, want %d", info.BlockReward, testReward)
	}
	if info.Difficulty <= 0 {
		t.Errorf("difficulty = %v, want > 0", info.Difficulty)
	}
	if info.Warnings != "" {
		t.Errorf("warnings = %q, want empty after leaving initial sync", info.Warnings)
	}
}

func TestRPC_MiningPrioritizeTransaction(t *testing.T) {
	env := setupTestEnv(t)

	spend := env.spendAlloc(t, 4900)
	if _, err := env.pool.Add(spend); err != nil {
		t.Fatalf("pool add: %v", err)
	}

	resp := rpcCall(t, env.url, "mining_prioritizeTransaction", PrioritizeParam{
		TxID:     spend.Hash().String(),
		FeeDelta: 500,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if resp.Result != true {
		t.Errorf("result = %v, want true", resp.Result)
	}
	if delta := env.pool.PriorityDelta(spend.Hash()); delta != 500 {
		t.Errorf("priority delta = %d, want 500", delta)
	}
}

func TestRPC_MiningGenerate(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "mining_generate", GenerateParam{
		Address: env.addr.String(),
		Blocks:  2,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}

	var result GenerateResult
	decodeResult(t, resp, &result)

	if len(result.Hashes) != 2 {
		t.Fatalf("mined = %d blocks, want 2", len(result.Hashes))
	}
	if env.chain.Height() != 2 {
		t.Errorf("height = %d, want 2", env.chain.Height())
	}
	if env.chain.TipHash().String() != result.Hashes[1] {
		t.Errorf("tip = %q, want last mined %q", env.chain.TipHash().String(), result.Hashes[1])
	}
}

func TestRPC_MiningGenerate_BadCount(t *testing.T) {
	env := setupTestEnv(t)

	for _, blocks := range []int{0, -1, 101} {
		resp := rpcCall(t, env.url, "mining_generate", GenerateParam{
			Address: env.addr.String(),
			Blocks:  blocks,
		})
		if resp.Error == nil {
			t.Fatalf("blocks=%d: expected error", blocks)
		}
		if resp.Error.Code != CodeInvalidParams {
			t.Errorf("blocks=%d: error code = %d, want %d", blocks, resp.Error.Code, CodeInvalidParams)
		}
	}
}

func TestRPC_MiningGenerate_BadAddress(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "mining_generate", GenerateParam{
		Address: "junk",
		Blocks:  1,
	})
	if resp.Error == nil {
		t.Fatal("expected error for bad address")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

// ── Producer control ────────────────────────────────────────────────────

type stubMinerControl struct {
	active   bool
	startErr error
}

func (c *stubMinerControl) StartMining() error {
	if c.startErr != nil {
		return c.startErr
	}
	c.active = true
	return nil
}

func (c *stubMinerControl) StopMining()        { c.active = false }
func (c *stubMinerControl) MiningActive() bool { return c.active }

func TestRPC_MiningStartStopStatus(t *testing.T) {
	env := setupTestEnv(t)
	ctrl := &stubMinerControl{}
	env.server.mining.Control = ctrl

	var status MinerStatusResult

	resp := rpcCall(t, env.url, "mining_status", nil)
	decodeResult(t, resp, &status)
	if status.Status != "stopped" {
		t.Fatalf("status = %q, want stopped", status.Status)
	}

	resp = rpcCall(t, env.url, "mining_start", nil)
	decodeResult(t, resp, &status)
	if status.Status != "active" {
		t.Fatalf("start status = %q, want active", status.Status)
	}
	if !ctrl.active {
		t.Fatal("controller was not started")
	}

	resp = rpcCall(t, env.url, "mining_status", nil)
	decodeResult(t, resp, &status)
	if status.Status != "active" {
		t.Fatalf("status after start = %q, want active", status.Status)
	}

	resp = rpcCall(t, env.url, "mining_stop", nil)
	decodeResult(t, resp, &status)
	if status.Status != "stopped" {
		t.Fatalf("stop status = %q, want stopped", status.Status)
	}
	if ctrl.active {
		t.Fatal("controller was not stopped")
	}
}

func TestRPC_MiningStart_Error(t *testing.T) {
	env := setupTestEnv(t)
	env.server.mining.Control = &stubMinerControl{startErr: fmt.Errorf("no coinbase address configured")}

	resp := rpcCall(t, env.url, "mining_start", nil)
	if resp.Error == nil {
		t.Fatal("expected error from failing start")
	}
	if resp.Error.Code != CodeInternalError {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInternalError)
	}
}

func TestRPC_MiningStart_NoControl(t *testing.T) {
	env := setupTestEnv(t)

	// The test env wires no controller; all three endpoints refuse.
	for _, method := range []string{"mining_start", "mining_stop", "mining_status"} {
		resp := rpcCall(t, env.url, method, nil)
		if resp.Error == nil {
			t.Fatalf("%s: expected error without controller", method)
		}
		if resp.Error.Code != CodeNotFound {
			t.Errorf("%s: error code = %d, want %d", method, resp.Error.Code, CodeNotFound)
		}
	}
}

func TestRPC_MiningStart_StakeModeRefused(t *testing.T) {
	env := setupTestEnv(t)
	env.server.mining.Control = &stubMinerControl{}
	env.genesis.Protocol.Consensus.Mode = config.ModeStake

	resp := rpcCall(t, env.url, "mining_start", nil)
	if resp.Error == nil {
		t.Fatal("expected error in stake mode")
	}
	if resp.Error.Code != CodeInvalidRequest {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInvalidRequest)
	}
}

func TestRPC_MiningDisabled(t *testing.T) {
	env := setupTestEnv(t)

	// A server with no mining backend refuses every mining endpoint
	// except transaction prioritisation, which only needs the mempool.
	bare := New("127.0.0.1:0", env.chain, env.utxoStore, env.pool, nil, env.genesis)
	if err := bare.Start(); err != nil {
		t.Fatalf("start bare rpc: %v", err)
	}
	t.Cleanup(func() { bare.Stop() })
	url := fmt.Sprintf("http://%s/", bare.Addr())

	for _, method := range []string{"mining_getBlockTemplate", "mining_getInfo"} {
		resp := rpcCall(t, url, method, nil)
		if resp.Error == nil {
			t.Fatalf("%s: expected error with mining disabled", method)
		}
		if resp.Error.Code != CodeNotFound {
			t.Errorf("%s: error code = %d, want %d", method, resp.Error.Code, CodeNotFound)
		}
	}
}
