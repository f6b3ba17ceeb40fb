package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// resolveCoinbase parses the configured coinbase payout address.
func resolveCoinbase(coinbaseStr string) (types.Address, error) {
	if coinbaseStr == "" {
		return types.Address{}, fmt.Errorf("mining requires a coinbase address")
	}
	addr, err := types.ParseAddress(coinbaseStr)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
	}
	return addr, nil
}

// payToAddress builds the P2PKH locking script for an address.
func payToAddress(addr types.Address) types.Script {
	return types.Script{Type: types.ScriptTypeP2PKH, Data: addr.Bytes()}
}
