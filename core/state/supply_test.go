package state

import (
	"math/big"
	"testing"

	"svtchain/storage/trie"
)

func TestAdjustTokenSupply(t *testing.T) {
	tr, err := trie.NewTrie()
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	manager := NewManager(tr)

	total, err := manager.TokenSupply()
	if err != nil {
		t.Fatalf("initial supply: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("expected zero supply, got %s", total)
	}

	updated, err := manager.AdjustTokenSupply(big.NewInt(1000))
	if err != nil {
		t.Fatalf("adjust supply: %v", err)
	}
	if updated.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected supply after mint: %s", updated)
	}

	updated, err = manager.AdjustTokenSupply(big.NewInt(-250))
	if err != nil {
		t.Fatalf("burn supply: %v", err)
	}
	if updated.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("unexpected supply after burn: %s", updated)
	}

	if _, err = manager.AdjustTokenSupply(big.NewInt(-1000)); err == nil {
		t.Fatalf("expected underflow protection")
	}

	if err := manager.SetTokenSupply(big.NewInt(-5)); err == nil {
		t.Fatalf("expected negative supply rejection")
	}
}
