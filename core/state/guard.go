package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// LastMutationHeight returns the block height at which the address last moved
// token balances. The boolean reports whether the address has mutated at all.
func (m *Manager) LastMutationHeight(addr [20]byte) (uint64, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state manager unavailable")
	}
	data, err := m.trie.Get(guardKey(addr))
	if err != nil {
		return 0, false, err
	}
	if len(data) == 0 {
		return 0, false, nil
	}
	var height uint64
	if err := rlp.DecodeBytes(data, &height); err != nil {
		return 0, false, err
	}
	return height, true, nil
}

// SetLastMutationHeight records the height of the address's latest mutating
// call.
func (m *Manager) SetLastMutationHeight(addr [20]byte, height uint64) error {
	if m == nil {
		return fmt.Errorf("state manager unavailable")
	}
	encoded, err := rlp.EncodeToBytes(height)
	if err != nil {
		return err
	}
	return m.trie.Update(guardKey(addr), encoded)
}
