package mempool

import (
	"errors"
	"testing"

	"github.com/veridium-tech/veridium-chain/internal/storage"
	"github.com/veridium-tech/veridium-chain/internal/utxo"
	"github.com/veridium-tech/veridium-chain/pkg/crypto"
	"github.com/veridium-tech/veridium-chain/pkg/tx"
	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// harness wires a mempool to an in-memory UTXO map and a funded key.
type harness struct {
	pool *Pool
	key  *crypto.PrivateKey
	rich map[types.Outpoint]tx.Output
}

func (h *harness) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	out, ok := h.rich[op]
	if !ok {
		return 0, types.Script{}, errors.New("not found")
	}
	return out.Value, out.Script, nil
}

func (h *harness) HasUTXO(op types.Outpoint) bool {
	_, ok := h.rich[op]
	return ok
}

func newHarness(t *testing.T, maxSize int) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{key: key, rich: make(map[types.Outpoint]tx.Output)}
	h.pool = New(h, maxSize)
	return h
}

// fund creates a confirmed UTXO owned by the harness key.
func (h *harness) fund(src byte, value uint64) types.Outpoint {
	var txid types.Hash
	txid[0] = src
	op := types.Outpoint{TxID: txid, Index: 0}
	addr := crypto.AddressFromPubKey(h.key.PublicKey())
	h.rich[op] = tx.Output{
		Value:  value,
		Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]},
	}
	return op
}

// spend builds a signed tx spending op, paying out value (fee is the rest).
func (h *harness) spend(t *testing.T, op types.Outpoint, value uint64) *tx.Transaction {
	t.Helper()
	var dest types.Address
	dest[0] = 0xdd
	b := tx.NewBuilder().
		AddInput(op).
		AddOutput(value, types.Script{Type: types.ScriptTypeP2PKH, Data: dest[:]})
	if err := b.Sign(h.key); err != nil {
		t.Fatal(err)
	}
	return b.Build()
}

func TestAddAndGet(t *testing.T) {
	h := newHarness(t, 100)
	op := h.fund(1, 150)
	transaction := h.spend(t, op, 100)

	fee, err := h.pool.Add(transaction)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if fee != 50 {
		t.Errorf("fee = %d, want 50", fee)
	}
	if !h.pool.Has(transaction.Hash()) {
		t.Error("transaction not in pool")
	}
	if h.pool.GetFee(transaction.Hash()) != 50 {
		t.Error("GetFee mismatch")
	}
	if h.pool.Count() != 1 {
		t.Errorf("Count = %d, want 1", h.pool.Count())
	}
}

func TestAddDuplicate(t *testing.T) {
	h := newHarness(t, 100)
	transaction := h.spend(t, h.fund(1, 150), 100)
	if _, err := h.pool.Add(transaction); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pool.Add(transaction); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("got %v, want %v", err, ErrAlreadyExists)
	}
}

func TestAddConflict(t *testing.T) {
	h := newHarness(t, 100)
	op := h.fund(1, 150)
	tx1 := h.spend(t, op, 100)
	tx2 := h.spend(t, op, 90) // Same outpoint, different output.

	if _, err := h.pool.Add(tx1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pool.Add(tx2); !errors.Is(err, ErrConflict) {
		t.Errorf("got %v, want %v", err, ErrConflict)
	}
}

func TestVersionBumpsOnMutation(t *testing.T) {
	h := newHarness(t, 100)
	v0 := h.pool.Version()

	transaction := h.spend(t, h.fund(1, 150), 100)
	if _, err := h.pool.Add(transaction); err != nil {
		t.Fatal(err)
	}
	v1 := h.pool.Version()
	if v1 == v0 {
		t.Error("Add should bump version")
	}

	h.pool.Remove(transaction.Hash())
	if h.pool.Version() == v1 {
		t.Error("Remove should bump version")
	}

	// Removing an absent tx mutates nothing.
	v2 := h.pool.Version()
	h.pool.Remove(transaction.Hash())
	if h.pool.Version() != v2 {
		t.Error("no-op Remove should not bump version")
	}
}

func TestRemoveConfirmed(t *testing.T) {
	h := newHarness(t, 100)
	tx1 := h.spend(t, h.fund(1, 150), 100)
	tx2 := h.spend(t, h.fund(2, 150), 100)
	if _, err := h.pool.Add(tx1); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pool.Add(tx2); err != nil {
		t.Fatal(err)
	}

	h.pool.RemoveConfirmed([]*tx.Transaction{tx1})
	if h.pool.Has(tx1.Hash()) {
		t.Error("confirmed tx still in pool")
	}
	if !h.pool.Has(tx2.Hash()) {
		t.Error("unrelated tx was removed")
	}
}

func TestPrioritize(t *testing.T) {
	h := newHarness(t, 100)
	// low pays fee 10, high pays fee 50: high normally sorts first.
	low := h.spend(t, h.fund(1, 110), 100)
	high := h.spend(t, h.fund(2, 150), 100)
	if _, err := h.pool.Add(low); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pool.Add(high); err != nil {
		t.Fatal(err)
	}

	sel := h.pool.SelectForBlock(10)
	if len(sel) != 2 || sel[0].Tx.Hash() != high.Hash() {
		t.Fatal("expected high-fee tx first before prioritization")
	}

	// Boost the low-fee tx past the high-fee one.
	h.pool.Prioritize(low.Hash(), 1000)
	sel = h.pool.SelectForBlock(10)
	if sel[0].Tx.Hash() != low.Hash() {
		t.Error("prioritized tx should sort first")
	}
	if h.pool.PriorityDelta(low.Hash()) != 1000 {
		t.Error("delta not recorded")
	}

	// Reported fee stays the actual fee.
	if sel[0].Fee != 10 {
		t.Errorf("Selected.Fee = %d, want actual fee 10", sel[0].Fee)
	}
}

func TestPrioritizeBeforeArrival(t *testing.T) {
	h := newHarness(t, 100)
	low := h.spend(t, h.fund(1, 110), 100)
	high := h.spend(t, h.fund(2, 150), 100)

	// Delta registered before the tx enters the pool.
	h.pool.Prioritize(low.Hash(), 1000)

	if _, err := h.pool.Add(low); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pool.Add(high); err != nil {
		t.Fatal(err)
	}

	sel := h.pool.SelectForBlock(10)
	if sel[0].Tx.Hash() != low.Hash() {
		t.Error("pre-registered delta should apply on arrival")
	}
}

func TestSelectForBlockOrdersByFeeRate(t *testing.T) {
	h := newHarness(t, 100)
	fees := []uint64{5, 50, 20}
	var txs []*tx.Transaction
	for i, fee := range fees {
		transaction := h.spend(t, h.fund(byte(i+1), 100+fee), 100)
		txs = append(txs, transaction)
		if _, err := h.pool.Add(transaction); err != nil {
			t.Fatal(err)
		}
	}

	sel := h.pool.SelectForBlock(10)
	if len(sel) != 3 {
		t.Fatalf("selected %d, want 3", len(sel))
	}
	if sel[0].Tx.Hash() != txs[1].Hash() || sel[1].Tx.Hash() != txs[2].Hash() || sel[2].Tx.Hash() != txs[0].Hash() {
		t.Error("selection not ordered by fee rate descending")
	}

	// Limit caps the result.
	if got := h.pool.SelectForBlock(2); len(got) != 2 {
		t.Errorf("limited selection = %d, want 2", len(got))
	}
}

func TestMinFeeRate(t *testing.T) {
	h := newHarness(t, 100)
	h.pool.SetMinFeeRate(1_000_000) // Impossibly high.
	transaction := h.spend(t, h.fund(1, 150), 100)
	if _, err := h.pool.Add(transaction); !errors.Is(err, ErrFeeTooLow) {
		t.Errorf("got %v, want %v", err, ErrFeeTooLow)
	}
}

func TestPoolFullEviction(t *testing.T) {
	h := newHarness(t, 2)
	cheap := h.spend(t, h.fund(1, 101), 100)  // fee 1
	mid := h.spend(t, h.fund(2, 120), 100)    // fee 20
	pricey := h.spend(t, h.fund(3, 180), 100) // fee 80

	if _, err := h.pool.Add(cheap); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pool.Add(mid); err != nil {
		t.Fatal(err)
	}
	// Pool full: pricey evicts cheap.
	if _, err := h.pool.Add(pricey); err != nil {
		t.Fatalf("high-fee tx should evict: %v", err)
	}
	if h.pool.Has(cheap.Hash()) {
		t.Error("lowest fee-rate tx should have been evicted")
	}

	// A new low-fee tx is rejected outright.
	cheap2 := h.spend(t, h.fund(4, 101), 100)
	if _, err := h.pool.Add(cheap2); !errors.Is(err, ErrPoolFull) {
		t.Errorf("got %v, want %v", err, ErrPoolFull)
	}
}

func TestCoinbaseMaturity(t *testing.T) {
	h := newHarness(t, 100)
	op := h.fund(1, 150)

	// Mirror the UTXO into a Set that marks it as a young coinbase.
	set := utxo.NewStore(storage.NewMemory())
	out := h.rich[op]
	set.Put(&utxo.UTXO{Outpoint: op, Value: out.Value, Script: out.Script, Height: 95, Coinbase: true})

	height := uint64(100)
	h.pool.SetCoinbaseMaturity(20, func() uint64 { return height }, set)

	transaction := h.spend(t, op, 100)
	if _, err := h.pool.Add(transaction); !errors.Is(err, ErrCoinbaseNotMature) {
		t.Fatalf("got %v, want %v", err, ErrCoinbaseNotMature)
	}

	// Mature now.
	height = 120
	if _, err := h.pool.Add(transaction); err != nil {
		t.Errorf("mature coinbase spend rejected: %v", err)
	}
}
