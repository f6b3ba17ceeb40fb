package block

import (
	"testing"

	"github.com/veridium-tech/veridium-chain/pkg/crypto"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

func h(b byte) types.Hash {
	var out types.Hash
	out[0] = b
	return out
}

func TestComputeMerkleRootEmpty(t *testing.T) {
	if root := ComputeMerkleRoot(nil); !root.IsZero() {
		t.Errorf("empty merkle root = %s, want zero", root)
	}
}

func TestComputeMerkleRootSingle(t *testing.T) {
	if root := ComputeMerkleRoot([]types.Hash{h(1)}); root != h(1) {
		t.Errorf("single merkle root = %s, want the hash itself", root)
	}
}

func TestComputeMerkleRootPair(t *testing.T) {
	want := crypto.HashConcat(h(1), h(2))
	if root := ComputeMerkleRoot([]types.Hash{h(1), h(2)}); root != want {
		t.Errorf("pair merkle root = %s, want %s", root, want)
	}
}

func TestComputeMerkleRootOddDuplicatesLast(t *testing.T) {
	// Three leaves: last is duplicated, so [1,2,3] == [1,2,3,3].
	odd := ComputeMerkleRoot([]types.Hash{h(1), h(2), h(3)})
	padded := ComputeMerkleRoot([]types.Hash{h(1), h(2), h(3), h(3)})
	if odd != padded {
		t.Error("odd leaf count should duplicate the last leaf")
	}
}

func TestComputeMerkleRootOrderMatters(t *testing.T) {
	a := ComputeMerkleRoot([]types.Hash{h(1), h(2)})
	b := ComputeMerkleRoot([]types.Hash{h(2), h(1)})
	if a == b {
		t.Error("merkle root should depend on leaf order")
	}
}

func TestComputeMerkleRootDoesNotMutateInput(t *testing.T) {
	leaves := []types.Hash{h(1), h(2), h(3)}
	ComputeMerkleRoot(leaves)
	if leaves[0] != h(1) || leaves[1] != h(2) || leaves[2] != h(3) {
		t.Error("input slice was mutated")
	}
}
