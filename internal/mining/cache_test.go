package mining

import (
	"errors"
	"testing"
	"time"

	"github.com/veridium-tech/veridium-chain/internal/chain"
	"github.com/veridium-tech/veridium-chain/internal/miner"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/crypto"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// fakeState is a hand-cranked tip and mempool version source.
type fakeState struct {
	tip     chain.Tip
	version uint64
}

func (f *fakeState) Tip() chain.Tip  { return f.tip }
func (f *fakeState) Version() uint64 { return f.version }

// fakeAssembler counts builds and can be told to fail.
type fakeAssembler struct {
	builds int
	fail   error
}

func (f *fakeAssembler) Assemble(script types.Script, extraData []byte) (*miner.Candidate, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.builds++
	return &miner.Candidate{
		Block: block.NewBlock(&block.Header{Height: uint64(f.builds)}, nil),
	}, nil
}

const testCooldown = 5 * time.Second

func testCache(t *testing.T) (*TemplateCache, *fakeState, *fakeAssembler, *time.Time) {
	t.Helper()
	state := &fakeState{tip: chain.Tip{Hash: crypto.Hash([]byte("tip-a"))}, version: 1}
	asm := &fakeAssembler{}
	cache := NewTemplateCache(state, state, asm, testCooldown)

	now := time.Unix(1700000000, 0)
	cache.SetClock(func() time.Time { return now })
	return cache, state, asm, &now
}

func TestCacheBuildsOnceWhileFresh(t *testing.T) {
	cache, _, asm, _ := testCache(t)

	first, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull})
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	second, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull})
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if asm.builds != 1 {
		t.Fatalf("builds = %d, want 1", asm.builds)
	}
	if first != second {
		t.Fatal("fresh cache returned different entries")
	}
}

func TestCacheRebuildsOnTipChange(t *testing.T) {
	cache, state, asm, _ := testCache(t)

	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}

	state.tip = chain.Tip{Hash: crypto.Hash([]byte("tip-b"))}
	entry, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull})
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if asm.builds != 2 {
		t.Fatalf("builds = %d, want 2 after tip change", asm.builds)
	}
	if entry.TipHash != state.tip.Hash {
		t.Fatal("entry not keyed to the new tip")
	}

	// Same tip again: no further rebuild.
	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if asm.builds != 2 {
		t.Fatalf("builds = %d, want 2", asm.builds)
	}
}

func TestCacheDebouncesMempoolChurn(t *testing.T) {
	cache, state, asm, now := testCache(t)

	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}

	// Version moves but the cooldown has not elapsed: cached entry holds.
	state.version = 2
	*now = now.Add(testCooldown - time.Second)
	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if asm.builds != 1 {
		t.Fatalf("builds = %d, want 1 within cooldown", asm.builds)
	}

	// Cooldown elapsed: exactly one rebuild.
	*now = now.Add(2 * time.Second)
	entry, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull})
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if asm.builds != 2 {
		t.Fatalf("builds = %d, want 2 after cooldown", asm.builds)
	}
	if entry.Version != 2 {
		t.Fatalf("entry version = %d, want 2", entry.Version)
	}

	// And only one: the next call is fresh again.
	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if asm.builds != 2 {
		t.Fatalf("builds = %d, want 2", asm.builds)
	}
}

func TestCacheKeepsEntryOnBuildFailure(t *testing.T) {
	cache, state, asm, _ := testCache(t)

	first, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull})
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}

	// Force a rebuild that fails.
	state.tip = chain.Tip{Hash: crypto.Hash([]byte("tip-b"))}
	asm.fail = errors.New("out of memory")
	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); !errors.Is(err, ErrTemplateBuild) {
		t.Fatalf("err = %v, want ErrTemplateBuild", err)
	}

	// The assembler recovers: the stale entry was kept, not clobbered,
	// and the retry succeeds.
	asm.fail = nil
	entry, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull})
	if err != nil {
		t.Fatalf("GetOrBuild after recovery: %v", err)
	}
	if entry == first {
		t.Fatal("stale entry returned after tip change")
	}
	if entry.TipHash != state.tip.Hash {
		t.Fatal("rebuilt entry not keyed to the new tip")
	}
}

func TestCacheInvalidate(t *testing.T) {
	cache, _, asm, _ := testCache(t)

	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	cache.Invalidate()
	if _, err := cache.GetOrBuild(types.Script{Type: types.ScriptTypeNull}); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if asm.builds != 2 {
		t.Fatalf("builds = %d, want 2 after Invalidate", asm.builds)
	}
}
