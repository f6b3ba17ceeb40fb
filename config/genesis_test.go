package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinGenesis_MainnetValid(t *testing.T) {
	g := BuiltinGenesis(Mainnet)
	if err := g.Validate(); err != nil {
		t.Errorf("mainnet genesis should be valid: %v", err)
	}
	if g.ChainID != "veridium-mainnet-1" {
		t.Errorf("chain_id = %q, want veridium-mainnet-1", g.ChainID)
	}
}

func TestBuiltinGenesis_TestnetValid(t *testing.T) {
	g := BuiltinGenesis(Testnet)
	if err := g.Validate(); err != nil {
		t.Errorf("testnet genesis should be valid: %v", err)
	}
	if g.ChainID != "veridium-testnet-1" {
		t.Errorf("chain_id = %q, want veridium-testnet-1", g.ChainID)
	}
	if g.ChainID == BuiltinGenesis(Mainnet).ChainID {
		t.Error("testnet and mainnet must not share a chain_id")
	}
}

func TestGenesis_Validate_MissingChainID(t *testing.T) {
	g := BuiltinGenesis(Mainnet)
	g.ChainID = ""
	if err := g.Validate(); err == nil {
		t.Error("expected error for missing chain_id")
	}
}

func TestGenesis_Validate_UnknownMode(t *testing.T) {
	g := BuiltinGenesis(Mainnet)
	g.Protocol.Consensus.Mode = "lottery"
	if err := g.Validate(); err == nil {
		t.Error("expected error for unknown consensus mode")
	}
}

func TestGenesis_Validate_ZeroBits(t *testing.T) {
	g := BuiltinGenesis(Mainnet)
	g.Protocol.Consensus.InitialBits = 0
	if err := g.Validate(); err == nil {
		t.Error("expected error for zero initial_bits")
	}
}

func TestGenesis_Validate_ZeroBlockTime(t *testing.T) {
	g := BuiltinGenesis(Mainnet)
	g.Protocol.Consensus.BlockTime = 0
	if err := g.Validate(); err == nil {
		t.Error("expected error for zero block_time")
	}
}

func TestLoadGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.json")
	data := `{
		"chain_id": "veridium-custom-1",
		"timestamp": 1735689600,
		"alloc": {},
		"protocol": {
			"consensus": {
				"mode": "work",
				"block_time": 30,
				"initial_bits": 520159231,
				"retarget_interval": 60,
				"block_reward": 100
			}
		}
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	g, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}
	if g.ChainID != "veridium-custom-1" {
		t.Errorf("chain_id = %q, want veridium-custom-1", g.ChainID)
	}
	if g.Protocol.Consensus.BlockTime != 30 {
		t.Errorf("block_time = %d, want 30", g.Protocol.Consensus.BlockTime)
	}
}

func TestLoadGenesis_Missing(t *testing.T) {
	if _, err := LoadGenesis("/nonexistent/genesis.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadGenesis_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"chain_id": ""}`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadGenesis(path); err == nil {
		t.Error("expected validation error")
	}
}
