// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType
	DataDir string

	// P2P networking
	P2P P2PConfig

	// RPC server
	RPC RPCConfig

	// Mining (operational, not consensus rules)
	Mining MiningConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DHTServer  bool // Run DHT in server mode (for seed nodes).
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool
	Addr        string
	Port        int
	AllowedIPs  []string
	CORSOrigins []string // Allowed CORS origins ("*" = all).
}

// MiningConfig holds work-distribution and block production settings.
type MiningConfig struct {
	Enabled  bool
	Coinbase string // Payout address for the direct miner.
	Threads  int

	// TemplateCooldown is the minimum interval between template rebuilds
	// triggered by mempool churn alone (tip changes always rebuild).
	TemplateCooldown time.Duration

	// LongPollTimeout is the outer deadline for a long-poll wait.
	LongPollTimeout time.Duration

	// LongPollRecheck is the deadline extension applied when the outer
	// deadline elapses without a qualifying mempool change.
	LongPollRecheck time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
	JSON  bool
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.veridium
//	macOS:   ~/Library/Application Support/Veridium
//	Windows: %APPDATA%\Veridium
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".veridium"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Veridium")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Veridium")
		}
		return filepath.Join(home, "Veridium")
	default:
		return filepath.Join(home, ".veridium")
	}
}

// ChainDataDir returns the directory for chain data.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network), "chain")
}

// LogsDir returns the directory for log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, string(c.Network), "logs")
}

// ConfigFile returns the path of the persisted config file.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, string(c.Network), "veridium.conf")
}
