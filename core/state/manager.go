package state

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"svtchain/storage/trie"
)

// Manager mediates all reads and writes of chain state. Every record lives in
// the merkle trie under a keccak-hashed, prefix-namespaced key, so a single
// root hash commits to the whole ledger.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

// TokenMetadata describes the ledgered token for external collaborators that
// only need name, symbol and decimals.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

var (
	tokenMetadataKey = ethcrypto.Keccak256([]byte("token/metadata"))
	holderIndexKey   = []byte("token/holders")
	allowancePrefix  = []byte("token/allowance/")
	guardPrefix      = []byte("token/guard/")
)

func allowanceKey(owner, spender [20]byte) []byte {
	buf := make([]byte, len(allowancePrefix)+len(owner)+len(spender))
	copy(buf, allowancePrefix)
	copy(buf[len(allowancePrefix):], owner[:])
	copy(buf[len(allowancePrefix)+len(owner):], spender[:])
	return ethcrypto.Keccak256(buf)
}

func guardKey(addr [20]byte) []byte {
	buf := make([]byte, len(guardPrefix)+len(addr))
	copy(buf, guardPrefix)
	copy(buf[len(guardPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// SetTokenMetadata stores the token descriptor. Genesis calls this once.
func (m *Manager) SetTokenMetadata(meta TokenMetadata) error {
	meta.Symbol = strings.ToUpper(strings.TrimSpace(meta.Symbol))
	if meta.Symbol == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(meta.Name) == "" {
		return fmt.Errorf("token %s: name must not be empty", meta.Symbol)
	}
	encoded, err := rlp.EncodeToBytes(&meta)
	if err != nil {
		return err
	}
	return m.trie.Update(tokenMetadataKey, encoded)
}

// TokenMeta retrieves the stored token descriptor, or nil when genesis has not
// registered one.
func (m *Manager) TokenMeta() (*TokenMetadata, error) {
	data, err := m.trie.Get(tokenMetadataKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 to match the requirements of
// the underlying trie implementation.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.trie.Get(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.trie.Update(hashed, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.trie.Get(hashed)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// TokenHolders lists every address that has ever held a token balance. The
// index backs the supply audit and the invariant checks in tests.
func (m *Manager) TokenHolders() ([][]byte, error) {
	var holders [][]byte
	if err := m.KVGetList(holderIndexKey, &holders); err != nil {
		return nil, err
	}
	return holders, nil
}
