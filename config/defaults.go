package config

import "time"

// DefaultMainnet returns the default mainnet configuration.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30373,
			Seeds:      []string{},
			MaxPeers:   50,
			NoDiscover: false,
		},
		RPC: RPCConfig{
			Enabled:     true,
			Addr:        "127.0.0.1",
			Port:        8339,
			AllowedIPs:  []string{"127.0.0.1", "::1"},
			CORSOrigins: []string{},
		},
		Mining: MiningConfig{
			Enabled:          false,
			Threads:          1,
			TemplateCooldown: 5 * time.Second,
			LongPollTimeout:  time.Minute,
			LongPollRecheck:  10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default testnet configuration.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30374
	cfg.RPC.Port = 18339
	cfg.Log.Level = "debug"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	if network == Testnet {
		return DefaultTestnet()
	}
	return DefaultMainnet()
}
