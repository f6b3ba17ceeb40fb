package block

import (
	"errors"
	"testing"

	"github.com/veridium-tech/veridium-chain/pkg/crypto"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

func p2pkhScript(addr byte) types.Script {
	var a types.Address
	a[0] = addr
	return types.Script{Type: types.ScriptTypeP2PKH, Data: a[:]}
}

func coinbaseTx(height uint64, value uint64) *tx.Transaction {
	tag := []byte{byte(height), byte(height >> 8), byte(height >> 16), byte(height >> 24)}
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}, Signature: tag}},
		Outputs: []tx.Output{{Value: value, Script: p2pkhScript(0xaa)}},
	}
}

func signedSpend(t *testing.T, key *crypto.PrivateKey, src byte) *tx.Transaction {
	t.Helper()
	var prev types.Hash
	prev[0] = src
	b := tx.NewBuilder().
		AddInput(types.Outpoint{TxID: prev, Index: 0}).
		AddOutput(100, p2pkhScript(0xbb))
	if err := b.Sign(key); err != nil {
		t.Fatal(err)
	}
	return b.Build()
}

// validBlock assembles a structurally valid block at the given height.
func validBlock(t *testing.T, height uint64, extra ...*tx.Transaction) *Block {
	t.Helper()
	txs := append([]*tx.Transaction{coinbaseTx(height, 50)}, SortTxs(extra)...)
	hashes := make([]types.Hash, len(txs))
	for i, x := range txs {
		hashes[i] = x.Hash()
	}
	header := &Header{
		Version:    CurrentVersion,
		MerkleRoot: ComputeMerkleRoot(hashes),
		Timestamp:  1735689600,
		Height:     height,
		Bits:       0x1e7fffff,
	}
	return NewBlock(header, txs)
}

func TestValidateBlock(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	if err := validBlock(t, 1).Validate(); err != nil {
		t.Fatalf("empty block should validate: %v", err)
	}

	spends := []*tx.Transaction{
		signedSpend(t, key, 1),
		signedSpend(t, key, 2),
		signedSpend(t, key, 3),
	}
	if err := validBlock(t, 2, spends...).Validate(); err != nil {
		t.Fatalf("block with transactions should validate: %v", err)
	}
}

func TestValidateBlockErrors(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*testing.T, *Block)
		wantErr error
	}{
		{
			name:    "nil header",
			mutate:  func(_ *testing.T, b *Block) { b.Header = nil },
			wantErr: ErrNilHeader,
		},
		{
			name:    "bad version",
			mutate:  func(_ *testing.T, b *Block) { b.Header.Version = MaxVersion + 1 },
			wantErr: ErrBadVersion,
		},
		{
			name:    "zero timestamp",
			mutate:  func(_ *testing.T, b *Block) { b.Header.Timestamp = 0 },
			wantErr: ErrZeroTimestamp,
		},
		{
			name:    "no transactions",
			mutate:  func(_ *testing.T, b *Block) { b.Transactions = nil },
			wantErr: ErrNoTransactions,
		},
		{
			name: "missing coinbase",
			mutate: func(t *testing.T, b *Block) {
				b.Transactions[0] = signedSpend(t, key, 9)
				rehash(b)
			},
			wantErr: ErrNoCoinbase,
		},
		{
			name: "second coinbase",
			mutate: func(_ *testing.T, b *Block) {
				b.Transactions = append(b.Transactions, coinbaseTx(99, 50))
				rehash(b)
			},
			wantErr: ErrMultipleCoinbase,
		},
		{
			name:    "merkle mismatch",
			mutate:  func(_ *testing.T, b *Block) { b.Header.MerkleRoot[0] ^= 0xff },
			wantErr: ErrBadMerkleRoot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBlock(t, 1)
			tt.mutate(t, b)
			if err := b.Validate(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// rehash recomputes the merkle root after mutating transactions.
func rehash(b *Block) {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, x := range b.Transactions {
		hashes[i] = x.Hash()
	}
	b.Header.MerkleRoot = ComputeMerkleRoot(hashes)
}

func TestValidateBlockTxOrder(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	a := signedSpend(t, key, 1)
	b := signedSpend(t, key, 2)

	blk := validBlock(t, 1, a, b)
	// Swap the two non-coinbase transactions out of canonical order.
	blk.Transactions[1], blk.Transactions[2] = blk.Transactions[2], blk.Transactions[1]
	rehash(blk)

	if err := blk.Validate(); !errors.Is(err, ErrBadTxOrder) {
		t.Fatalf("Validate() = %v, want %v", err, ErrBadTxOrder)
	}
}

func TestValidateBlockDuplicateInputAcrossTxs(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	// Two distinct transactions spending the same outpoint.
	spend1 := signedSpend(t, key, 1)
	var prev types.Hash
	prev[0] = 1
	b2 := tx.NewBuilder().
		AddInput(types.Outpoint{TxID: prev, Index: 0}).
		AddOutput(90, p2pkhScript(0xcc))
	if err := b2.Sign(key); err != nil {
		t.Fatal(err)
	}
	spend2 := b2.Build()

	blk := validBlock(t, 1, spend1, spend2)
	if err := blk.Validate(); !errors.Is(err, ErrDuplicateBlockInput) {
		t.Fatalf("Validate() = %v, want %v", err, ErrDuplicateBlockInput)
	}
}

func TestBlockHash(t *testing.T) {
	b := validBlock(t, 1)
	if b.Hash().IsZero() {
		t.Error("block hash should not be zero")
	}
	if b.Hash() != b.Header.Hash() {
		t.Error("block hash should equal header hash")
	}

	// Nonce changes the hash; state commitment does not.
	h1 := b.Hash()
	b.StateCommitment[0] = 0xff
	if b.Hash() != h1 {
		t.Error("state commitment must not affect the header hash")
	}
	b.Header.Nonce++
	if b.Hash() == h1 {
		t.Error("nonce must affect the header hash")
	}
}
