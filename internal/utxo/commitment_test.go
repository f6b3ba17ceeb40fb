package utxo

import (
	"testing"
)

func TestCommitmentEmpty(t *testing.T) {
	c, err := Commitment(testStore())
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsZero() {
		t.Errorf("empty set commitment = %s, want zero", c)
	}
}

func TestCommitmentDeterministic(t *testing.T) {
	// Two stores with the same UTXOs inserted in different orders must
	// commit to the same root.
	utxos := []*UTXO{
		{Outpoint: op(1, 0), Value: 10, Script: addrScript(1)},
		{Outpoint: op(2, 1), Value: 20, Script: addrScript(2)},
		{Outpoint: op(3, 2), Value: 30, Script: addrScript(3)},
	}

	s1 := testStore()
	for _, u := range utxos {
		if err := s1.Put(u); err != nil {
			t.Fatal(err)
		}
	}
	s2 := testStore()
	for i := len(utxos) - 1; i >= 0; i-- {
		if err := s2.Put(utxos[i]); err != nil {
			t.Fatal(err)
		}
	}

	c1, err := Commitment(s1)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Commitment(s2)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Errorf("commitments differ: %s vs %s", c1, c2)
	}
}

func TestCommitmentChangesWithSet(t *testing.T) {
	s := testStore()
	if err := s.Put(&UTXO{Outpoint: op(1, 0), Value: 10, Script: addrScript(1)}); err != nil {
		t.Fatal(err)
	}
	before, err := Commitment(s)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Put(&UTXO{Outpoint: op(2, 0), Value: 20, Script: addrScript(2)}); err != nil {
		t.Fatal(err)
	}
	after, err := Commitment(s)
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Error("commitment should change when the set changes")
	}

	if err := s.Delete(op(2, 0)); err != nil {
		t.Fatal(err)
	}
	restored, err := Commitment(s)
	if err != nil {
		t.Fatal(err)
	}
	if restored != before {
		t.Error("commitment should return to the prior value after delete")
	}
}
