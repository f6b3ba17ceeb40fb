// Package mining is the work-distribution layer: it hands block templates
// to external miners, holds long-polling callers until new work exists,
// routes submitted blocks and headers into the chain, and runs an
// in-process mining loop for test networks.
package mining

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/log"
	"github.com/veridium-tech/veridium-chain/internal/miner"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// TipReader reports the current chain tip.
type TipReader interface {
	Tip() chain.Tip
}

// VersionReader reports the mempool's monotonic change counter.
type VersionReader interface {
	Version() uint64
}

// Assembler builds a block candidate paying the given coinbase script,
// with extraData appended to the coinbase input after the height tag.
type Assembler interface {
	Assemble(coinbaseScript types.Script, extraData []byte) (*miner.Candidate, error)
}

// ErrTemplateBuild wraps assembler failures. The cached entry survives the
// failure, so an immediate retry can still be answered.
var ErrTemplateBuild = errors.New("block template build failed")

// Entry is a cached template: the candidate plus the tip and mempool
// version it was built against. Callers treat the candidate as read-only;
// nonce search happens on a caller-side copy.
type Entry struct {
	Candidate *miner.Candidate
	TipHash   types.Hash
	Version   uint64
	BuiltAt   time.Time
}

// TemplateCache holds the most recently assembled candidate and decides
// when it has gone stale. A tip change always forces a rebuild; mempool
// churn only forces one after the cooldown, so transactions arriving
// faster than assembly cost cannot make every request rebuild.
type TemplateCache struct {
	chain     TipReader
	pool      VersionReader
	assembler Assembler
	cooldown  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	entry *Entry
}

// NewTemplateCache creates a template cache with the given rebuild
// cooldown.
func NewTemplateCache(chainView TipReader, pool VersionReader, assembler Assembler, cooldown time.Duration) *TemplateCache {
	return &TemplateCache{
		chain:     chainView,
		pool:      pool,
		assembler: assembler,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests use this to step through the
// cooldown without sleeping.
func (tc *TemplateCache) SetClock(now func() time.Time) {
	tc.now = now
}

// GetOrBuild returns the cached template if it is still fresh, otherwise
// rebuilds it against the current tip and mempool. Rebuilds are serialized;
// concurrent callers wait and then reuse the entry the winner built.
func (tc *TemplateCache) GetOrBuild(coinbaseScript types.Script) (*Entry, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tipHash := tc.chain.Tip().Hash
	version := tc.pool.Version()

	if tc.entry != nil && tc.entry.TipHash == tipHash {
		if tc.entry.Version == version || tc.now().Sub(tc.entry.BuiltAt) < tc.cooldown {
			return tc.entry, nil
		}
	}

	// Snapshot tip and version before assembling: if the tip advances
	// mid-build the entry must key itself to the state it was actually
	// built from, so the next call sees it as stale.
	cand, err := tc.assembler.Assemble(coinbaseScript, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateBuild, err)
	}

	entry := &Entry{
		Candidate: cand,
		TipHash:   tipHash,
		Version:   version,
		BuiltAt:   tc.now(),
	}
	tc.entry = entry

	log.Mining.Debug().
		Uint64("height", cand.Height).
		Int("txs", len(cand.Block.Transactions)-1).
		Uint64("mempool_version", version).
		Msg("block template rebuilt")

	return entry, nil
}

// Invalidate drops the cached entry so the next GetOrBuild rebuilds.
func (tc *TemplateCache) Invalidate() {
	tc.mu.Lock()
	tc.entry = nil
	tc.mu.Unlock()
}
