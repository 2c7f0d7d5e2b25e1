package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

var tokenSupplyKey = []byte("token/supply")

func (m *Manager) writeTokenSupply(total *big.Int) error {
	if m == nil {
		return fmt.Errorf("state manager unavailable")
	}
	if total == nil {
		total = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(total)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(tokenSupplyKey), encoded)
}

// TokenSupply returns the persisted total token supply. A missing entry
// defaults to zero.
func (m *Manager) TokenSupply() (*big.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("state manager unavailable")
	}
	data, err := m.trie.Get(kvKey(tokenSupplyKey))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	total := new(big.Int)
	if err := rlp.DecodeBytes(data, total); err != nil {
		return nil, err
	}
	return total, nil
}

// SetTokenSupply overwrites the stored total supply.
func (m *Manager) SetTokenSupply(amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return fmt.Errorf("token supply cannot be negative")
	}
	return m.writeTokenSupply(amount)
}

// AdjustTokenSupply increments the stored total supply by the supplied delta
// and returns the updated total. Negative deltas that would drive the supply
// below zero fail without writing.
func (m *Manager) AdjustTokenSupply(delta *big.Int) (*big.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("state manager unavailable")
	}
	if delta == nil {
		delta = big.NewInt(0)
	}
	current, err := m.TokenSupply()
	if err != nil {
		return nil, err
	}
	updated := new(big.Int).Add(current, delta)
	if updated.Sign() < 0 {
		return nil, fmt.Errorf("token supply underflow")
	}
	if err := m.writeTokenSupply(updated); err != nil {
		return nil, err
	}
	return updated, nil
}
