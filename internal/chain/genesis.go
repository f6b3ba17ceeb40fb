package chain

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/pkg/block"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero PrevHash, the chain's initial
// difficulty bits, and a single coinbase transaction that distributes the
// initial allocations.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase, err := buildGenesisCoinbase(gen.Alloc, gen.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	txs := []*tx.Transaction{coinbase}
	merkle := block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()})

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   types.Hash{}, // Zero for genesis.
		MerkleRoot: merkle,
		Timestamp:  gen.Timestamp,
		Height:     0,
		Bits:       gen.Protocol.Consensus.InitialBits,
	}

	return block.NewBlock(header, txs), nil
}

// buildGenesisCoinbase creates the genesis coinbase with the initial
// allocations. The input carries the height tag (0) followed by the
// genesis extra data. Each allocation becomes a P2PKH output; addresses
// may be bech32 or raw hex.
func buildGenesisCoinbase(alloc map[string]uint64, extraData string) (*tx.Transaction, error) {
	// Sort addresses for deterministic ordering.
	addrs := make([]string, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var outputs []tx.Output
	for _, addrStr := range addrs {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}

		outputs = append(outputs, tx.Output{
			Value: alloc[addrStr],
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr.Bytes(),
			},
		})
	}

	// With no allocations, anchor the block with an unspendable output.
	if len(outputs) == 0 {
		outputs = []tx.Output{{
			Value:  0,
			Script: types.Script{Type: types.ScriptTypeNull},
		}}
	}

	tag := binary.LittleEndian.AppendUint64(nil, 0)
	tag = append(tag, []byte(extraData)...)

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{}, // Zero outpoint marks a coinbase.
			Signature: tag,
		}},
		Outputs: outputs,
	}

	return coinbase, nil
}
