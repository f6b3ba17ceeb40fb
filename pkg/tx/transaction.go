// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/veridium-tech/veridium-chain/config"
	"github.com/veridium-tech/veridium-chain/pkg/crypto"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing data).
// This excludes signatures to avoid circular dependency.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// WitnessHash computes the hash of the full wire serialization, signatures
// included. Differs from Hash for any signed transaction.
func (tx *Transaction) WitnessHash() types.Hash {
	return crypto.Hash(tx.WireBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | input_count(4) | [prevout(36)]... | output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	// Version.
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	// Input count + prevouts (no signatures, except coinbase data).
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		// Include coinbase data (height tag) in the hash so each coinbase
		// tx has a unique ID. Regular inputs skip this (signature is
		// excluded to avoid circular dependency during signing).
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	// Output count + outputs.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	// Locktime.
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// WireBytes returns the full wire serialization, including signatures and
// public keys. This is what peers relay and what miners receive in the
// "data" field of templates.
// Format: version(4) | input_count(4) | [prevout(36) + sig_len(4) + sig + pubkey_len(4) + pubkey]... | output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) WireBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
		buf = append(buf, in.Signature...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.PubKey)))
		buf = append(buf, in.PubKey...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// DecodeWire parses a transaction from its WireBytes serialization.
func DecodeWire(data []byte) (*Transaction, error) {
	r := wireReader{buf: data}

	var t Transaction
	var err error
	if t.Version, err = r.uint32(); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}

	nIn, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("input count: %w", err)
	}
	if nIn > uint32(config.MaxTxInputs) {
		return nil, fmt.Errorf("input count %d exceeds max %d", nIn, config.MaxTxInputs)
	}
	t.Inputs = make([]Input, nIn)
	for i := range t.Inputs {
		in := &t.Inputs[i]
		txid, err := r.bytes(types.HashSize)
		if err != nil {
			return nil, fmt.Errorf("input %d txid: %w", i, err)
		}
		copy(in.PrevOut.TxID[:], txid)
		if in.PrevOut.Index, err = r.uint32(); err != nil {
			return nil, fmt.Errorf("input %d index: %w", i, err)
		}
		if in.Signature, err = r.lenPrefixed(); err != nil {
			return nil, fmt.Errorf("input %d signature: %w", i, err)
		}
		if in.PubKey, err = r.lenPrefixed(); err != nil {
			return nil, fmt.Errorf("input %d pubkey: %w", i, err)
		}
	}

	nOut, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("output count: %w", err)
	}
	if nOut > uint32(config.MaxTxOutputs) {
		return nil, fmt.Errorf("output count %d exceeds max %d", nOut, config.MaxTxOutputs)
	}
	t.Outputs = make([]Output, nOut)
	for i := range t.Outputs {
		out := &t.Outputs[i]
		if out.Value, err = r.uint64(); err != nil {
			return nil, fmt.Errorf("output %d value: %w", i, err)
		}
		st, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("output %d script type: %w", i, err)
		}
		out.Script.Type = types.ScriptType(st)
		if out.Script.Data, err = r.lenPrefixed(); err != nil {
			return nil, fmt.Errorf("output %d script data: %w", i, err)
		}
	}

	if t.LockTime, err = r.uint64(); err != nil {
		return nil, fmt.Errorf("locktime: %w", err)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.remaining())
	}
	return &t, nil
}

// wireReader is a bounds-checked cursor over a wire buffer.
type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) remaining() int { return len(r.buf) - r.off }

func (r *wireReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("truncated")
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *wireReader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("truncated")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *wireReader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("truncated")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *wireReader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("truncated")
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:])
	r.off += n
	return b, nil
}

func (r *wireReader) lenPrefixed() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n > uint32(config.MaxScriptData) {
		return nil, fmt.Errorf("field length %d exceeds max %d", n, config.MaxScriptData)
	}
	return r.bytes(int(n))
}

// Size returns the wire serialization size in bytes.
func (tx *Transaction) Size() int {
	return len(tx.WireBytes())
}

// Weight returns the transaction weight: three times the stripped
// (signature-free) size plus the full wire size.
func (tx *Transaction) Weight() int {
	return 3*len(tx.SigningBytes()) + tx.Size()
}

// SigOps returns the signature-operation cost of the transaction.
// Each signed input costs config.SigOpCost; coinbase inputs are free.
func (tx *Transaction) SigOps() int {
	n := 0
	for _, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		n += config.SigOpCost
	}
	return n
}

// IsCoinbase reports whether the transaction is a coinbase: a single input
// with a zero outpoint.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}
