package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// Allowance returns the amount the spender may move on behalf of the owner.
// Missing entries default to zero.
func (m *Manager) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("state manager unavailable")
	}
	data, err := m.trie.Get(allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetAllowance overwrites the allowance for the (owner, spender) pair.
func (m *Manager) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	if m == nil {
		return fmt.Errorf("state manager unavailable")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative allowance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.trie.Update(allowanceKey(owner, spender), encoded)
}
