package mining

import (
	"fmt"
	"strconv"

	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// Token identifies the work a long-polling caller is currently holding:
// the tip it was built on and the mempool version at build time. Callers
// get one inside every template response and hand it back to wait for
// work that differs from it.
type Token struct {
	TipHash types.Hash
	Version uint64
}

// String encodes the token as the tip hash in hex followed by the mempool
// version in decimal. The format is stable; miners treat it as opaque.
func (t Token) String() string {
	return t.TipHash.String() + strconv.FormatUint(t.Version, 10)
}

// ParseToken decodes a token produced by String.
func ParseToken(s string) (Token, error) {
	if len(s) < 2*types.HashSize+1 {
		return Token{}, fmt.Errorf("long poll id too short: %d chars", len(s))
	}
	hash, err := types.HexToHash(s[:2*types.HashSize])
	if err != nil {
		return Token{}, fmt.Errorf("long poll id tip hash: %w", err)
	}
	version, err := strconv.ParseUint(s[2*types.HashSize:], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("long poll id version: %w", err)
	}
	return Token{TipHash: hash, Version: version}, nil
}
