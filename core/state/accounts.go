package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"svtchain/core/types"
)

// storedAccount is the RLP shape persisted per address. Balances are kept as
// big.Int in storage but must stay within uint256 range, matching the widest
// value the wire formats can represent.
type storedAccount struct {
	Nonce      uint64
	BalanceSLV *big.Int
	BalanceSVT *big.Int
}

func accountStateKey(addr []byte) []byte {
	return ethcrypto.Keccak256(addr)
}

func ensureAccountDefaults(account *types.Account) {
	if account.BalanceSLV == nil {
		account.BalanceSLV = big.NewInt(0)
	}
	if account.BalanceSVT == nil {
		account.BalanceSVT = big.NewInt(0)
	}
}

// CloneAccount returns a deep copy of the provided account, normalising nil
// balances to zero. Engines stage mutations on clones so a failed operation
// never leaves a half-written account behind.
func CloneAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{BalanceSLV: big.NewInt(0), BalanceSVT: big.NewInt(0)}
	}
	cloned := *acc
	if acc.BalanceSLV != nil {
		cloned.BalanceSLV = new(big.Int).Set(acc.BalanceSLV)
	} else {
		cloned.BalanceSLV = big.NewInt(0)
	}
	if acc.BalanceSVT != nil {
		cloned.BalanceSVT = new(big.Int).Set(acc.BalanceSVT)
	} else {
		cloned.BalanceSVT = big.NewInt(0)
	}
	return &cloned
}

// GetAccount reconstructs the account stored under the provided address.
// Unknown addresses yield a zeroed account rather than an error.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	data, err := m.trie.Get(accountStateKey(addr))
	if err != nil {
		return nil, err
	}
	account := &types.Account{
		BalanceSLV: big.NewInt(0),
		BalanceSVT: big.NewInt(0),
	}
	if len(data) == 0 {
		return account, nil
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	account.Nonce = stored.Nonce
	if stored.BalanceSLV != nil {
		account.BalanceSLV = new(big.Int).Set(stored.BalanceSLV)
	}
	if stored.BalanceSVT != nil {
		account.BalanceSVT = new(big.Int).Set(stored.BalanceSVT)
	}
	return account, nil
}

// PutAccount persists the provided account state under the supplied address.
// Negative balances are rejected outright and balances beyond uint256 range
// are treated as overflow.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	ensureAccountDefaults(account)
	if account.BalanceSLV.Sign() < 0 || account.BalanceSVT.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	if _, overflow := uint256.FromBig(account.BalanceSLV); overflow {
		return fmt.Errorf("slv balance overflow")
	}
	if _, overflow := uint256.FromBig(account.BalanceSVT); overflow {
		return fmt.Errorf("svt balance overflow")
	}

	stored := &storedAccount{
		Nonce:      account.Nonce,
		BalanceSLV: new(big.Int).Set(account.BalanceSLV),
		BalanceSVT: new(big.Int).Set(account.BalanceSVT),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	if err := m.trie.Update(accountStateKey(addr), encoded); err != nil {
		return err
	}
	if account.BalanceSVT.Sign() > 0 {
		if err := m.KVAppend(holderIndexKey, addr); err != nil {
			return err
		}
	}
	return nil
}
