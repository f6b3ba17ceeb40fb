package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Consensus mode constants. The mode selects which informational mining
// fields a node reports (work vs. stake); block validation is proof-of-work
// on both networks.
const (
	ModeWork  = "work"  // Proof-of-work network
	ModeStake = "stake" // Proof-of-stake network (hybrid, PoW fallback)
)

// Denomination constants.
// 1 coin = 10^8 base units. All on-chain values are in base units.
const (
	Decimals = 8
	Coin     = 100_000_000 // 10^8 base units per coin
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize   = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs    = 500       // Max transactions per block (including coinbase)
	MaxBlockSigOps = 20_000    // Max signature operations per block
	MaxTxInputs    = 2500      // Max inputs per transaction
	MaxTxOutputs   = 2500      // Max outputs per transaction
	MaxScriptData  = 65_536    // 64 KB max script data per output
)

// SigOpCost is the signature-operation cost charged per transaction input
// carrying a signature. Outputs are free; the coinbase input costs nothing.
const SigOpCost = 4

// WitnessScaleFactor converts serialized size to weight units.
const WitnessScaleFactor = 4

// MaxBlockWeight is MaxBlockSize scaled to weight units.
const MaxBlockWeight = MaxBlockSize * WitnessScaleFactor

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "VRD")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Mode: "work" or "stake" (informational variant; see ModeWork/ModeStake).
	Mode string `json:"mode"`

	// Block timing
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// Initial compact difficulty bits for the first blocks.
	InitialBits uint32 `json:"initial_bits"`

	// RetargetInterval is the number of blocks between difficulty
	// adjustments (0 = no adjustment).
	RetargetInterval int `json:"retarget_interval"`

	// Economics
	BlockReward uint64 `json:"block_reward"` // Base units per block
	MaxSupply   uint64 `json:"max_supply"`   // 0 = unlimited

	// StakeInterest is the annual staking interest rate in basis points
	// (stake mode only, informational).
	StakeInterest uint64 `json:"stake_interest,omitempty"`
}

// LoadGenesis reads a genesis file from disk.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var gen Genesis
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	return &gen, nil
}

// Validate checks genesis configuration for obvious misconfiguration.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("genesis: chain_id is required")
	}
	switch g.Protocol.Consensus.Mode {
	case ModeWork, ModeStake:
	default:
		return fmt.Errorf("genesis: unknown consensus mode %q", g.Protocol.Consensus.Mode)
	}
	if g.Protocol.Consensus.InitialBits == 0 {
		return fmt.Errorf("genesis: initial_bits is required")
	}
	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("genesis: block_time must be > 0")
	}
	return nil
}

// BuiltinGenesis returns the compiled-in genesis for the given network.
func BuiltinGenesis(network NetworkType) *Genesis {
	gen := &Genesis{
		ChainID:   "veridium-mainnet-1",
		ChainName: "Veridium",
		Symbol:    "VRD",
		Timestamp: 1735689600,
		Alloc:     map[string]uint64{},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				Mode:             ModeWork,
				BlockTime:        60,
				InitialBits:      0x1e7fffff,
				RetargetInterval: 120,
				BlockReward:      50 * Coin,
				MaxSupply:        0,
			},
		},
	}
	if network == Testnet {
		gen.ChainID = "veridium-testnet-1"
		gen.Protocol.Consensus.InitialBits = 0x1f00ffff
		gen.Protocol.Consensus.RetargetInterval = 30
	}
	return gen
}
