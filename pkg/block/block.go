// Package block defines block types and validation.
package block

import (
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// Block represents a block in the chain.
//
// StateCommitment is a digest over the UTXO set after applying the block.
// It is carried alongside the header but excluded from the header hash, so
// it can be filled in after the proof-of-work search without invalidating
// the work. It is checked during connection, not during proof checks.
type Block struct {
	Header          *Header           `json:"header"`
	Transactions    []*tx.Transaction `json:"transactions"`
	StateCommitment types.Hash        `json:"state_commitment,omitempty"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Size returns the serialized size of the block: header bytes plus the wire
// bytes of every transaction.
func (b *Block) Size() int {
	if b.Header == nil {
		return 0
	}
	n := len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		n += t.Size()
	}
	return n
}

// Weight returns the total block weight.
func (b *Block) Weight() int {
	if b.Header == nil {
		return 0
	}
	w := 4 * len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		w += t.Weight()
	}
	return w
}
