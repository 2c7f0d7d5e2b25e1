package genesis

import (
	"fmt"
	"math/big"
	"sort"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"svtchain/core/state"
	"svtchain/core/types"
	"svtchain/storage/trie"
)

// BuildGenesisFromSpec applies the spec to the supplied state trie and
// returns the height-zero block. Application order is deterministic so every
// node derives the same state root: token metadata, allocations in address
// order, the pool seed, the keeper reserve, the controller binding and
// finally the recorded supply.
func BuildGenesisFromSpec(spec *GenesisSpec, stateTrie *trie.Trie) (*types.Block, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if stateTrie == nil {
		return nil, fmt.Errorf("state trie must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec: %w", err)
	}

	header := &types.BlockHeader{
		Height:    0,
		Timestamp: spec.GenesisTimestamp().Unix(),
		PrevHash:  []byte{},
		StateRoot: gethtypes.EmptyRootHash.Bytes(),
		TxRoot:    gethtypes.EmptyRootHash.Bytes(),
	}

	manager := state.NewManager(stateTrie)
	parentRoot := stateTrie.Root()

	if err := manager.SetTokenMetadata(state.TokenMetadata{
		Symbol:   spec.Token.Symbol,
		Name:     spec.Token.Name,
		Decimals: spec.Token.Decimals,
	}); err != nil {
		return nil, fmt.Errorf("store token metadata: %w", err)
	}

	accounts := make([]string, 0, len(spec.Alloc))
	for account := range spec.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, accountStr := range accounts {
		addr, err := ParseBech32Account(accountStr)
		if err != nil {
			return nil, fmt.Errorf("alloc[%q]: %w", accountStr, err)
		}
		alloc := spec.Alloc[accountStr]
		account, err := manager.GetAccount(addr[:])
		if err != nil {
			return nil, fmt.Errorf("load account %q: %w", accountStr, err)
		}
		if alloc.slvAmt != nil {
			account.BalanceSLV = new(big.Int).Set(alloc.slvAmt)
		}
		if alloc.svtAmt != nil {
			account.BalanceSVT = new(big.Int).Set(alloc.svtAmt)
		}
		if err := manager.PutAccount(addr[:], account); err != nil {
			return nil, fmt.Errorf("persist account %q: %w", accountStr, err)
		}
	}

	pool, err := manager.GetAccount(state.PoolAddress[:])
	if err != nil {
		return nil, fmt.Errorf("load pool account: %w", err)
	}
	if spec.Pool.currencyAmt != nil {
		pool.BalanceSLV = new(big.Int).Set(spec.Pool.currencyAmt)
	}
	if spec.Pool.unitsAmt != nil {
		pool.BalanceSVT = new(big.Int).Set(spec.Pool.unitsAmt)
	}
	if err := manager.PutAccount(state.PoolAddress[:], pool); err != nil {
		return nil, fmt.Errorf("persist pool account: %w", err)
	}

	reserve := spec.KeeperReserveAmount()
	if reserve.Sign() > 0 {
		keeperAccount, err := manager.GetAccount(state.KeeperAddress[:])
		if err != nil {
			return nil, fmt.Errorf("load keeper account: %w", err)
		}
		keeperAccount.BalanceSLV = reserve
		if err := manager.PutAccount(state.KeeperAddress[:], keeperAccount); err != nil {
			return nil, fmt.Errorf("persist keeper account: %w", err)
		}
	}

	if err := manager.BindKeeperController(state.PoolAddress); err != nil {
		return nil, fmt.Errorf("bind keeper controller: %w", err)
	}

	if err := manager.SetTokenSupply(spec.TotalUnits()); err != nil {
		return nil, fmt.Errorf("record token supply: %w", err)
	}

	newRoot, err := stateTrie.Commit(parentRoot, 0)
	if err != nil {
		return nil, fmt.Errorf("commit state: %w", err)
	}
	header.StateRoot = newRoot.Bytes()

	return types.NewBlock(header, nil), nil
}
