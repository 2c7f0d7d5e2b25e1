package core

import (
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"

	"svtchain/core/types"
)

// ComputeTxRoot builds a throwaway transaction trie over the ordered
// transactions and returns its root hash. Transactions are stored RLP encoded,
// keyed by their RLP-encoded index, matching Ethereum's transaction trie
// semantics.
func ComputeTxRoot(txs []*types.Transaction) ([]byte, error) {
	backend := memorydb.New()
	db := rawdb.NewDatabase(backend)
	trieDB := triedb.NewDatabase(db, triedb.HashDefaults)
	txTrie, err := gethtrie.New(gethtrie.TrieID(gethtypes.EmptyRootHash), trieDB)
	if err != nil {
		return nil, err
	}
	for i, tx := range txs {
		key := rlp.AppendUint64(nil, uint64(i))
		payload, err := rlp.EncodeToBytes(tx)
		if err != nil {
			return nil, err
		}
		if err := txTrie.Update(key, payload); err != nil {
			return nil, err
		}
	}
	hash := txTrie.Hash()
	return hash.Bytes(), nil
}
