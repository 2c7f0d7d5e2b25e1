package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"svtchain/core/types"
	"svtchain/storage"
)

var (
	tipKey     = []byte("chain/tip")
	genesisKey = []byte("chain/genesis")
)

const (
	blockPrefix  = "chain/block/"
	heightPrefix = "chain/height/"
)

// Blockchain is the durable block store. Blocks are kept by hash with a
// height index alongside, so a restarted node can replay the chain without
// any in-memory bookkeeping surviving.
type Blockchain struct {
	db          storage.Database
	tip         []byte
	height      uint64
	genesisHash []byte
	initialized bool
	mu          sync.RWMutex
}

// NewBlockchain opens the block store. A fresh database yields an empty
// chain; the caller is expected to append the genesis block before anything
// else.
func NewBlockchain(db storage.Database) (*Blockchain, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	bc := &Blockchain{db: db}

	tip, err := db.Get(tipKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return bc, nil
		}
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	tipBlock, err := bc.GetBlockByHash(tip)
	if err != nil {
		return nil, fmt.Errorf("load tip block: %w", err)
	}
	genesisHash, err := db.Get(genesisKey)
	if err != nil {
		return nil, fmt.Errorf("load genesis hash: %w", err)
	}

	bc.tip = append([]byte(nil), tip...)
	bc.height = tipBlock.Header.Height
	bc.genesisHash = append([]byte(nil), genesisHash...)
	bc.initialized = true
	return bc, nil
}

// AddBlock appends a block to the chain. The first block must be the
// height-zero genesis block; every later block must extend the current tip.
func (bc *Blockchain) AddBlock(b *types.Block) error {
	if b == nil || b.Header == nil {
		return fmt.Errorf("block must not be nil")
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if !bc.initialized {
		if b.Header.Height != 0 {
			return fmt.Errorf("first block must have height 0, got %d", b.Header.Height)
		}
		if len(b.Header.PrevHash) != 0 {
			return fmt.Errorf("genesis block must not reference a parent")
		}
	} else {
		if b.Header.Height != bc.height+1 {
			return fmt.Errorf("block height %d does not extend chain height %d", b.Header.Height, bc.height)
		}
		if !bytes.Equal(b.Header.PrevHash, bc.tip) {
			return fmt.Errorf("block prevhash mismatch")
		}
	}

	blockHash, err := b.Header.Hash()
	if err != nil {
		return fmt.Errorf("hash block: %w", err)
	}
	blockBytes, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}

	if err := bc.db.Put(blockKey(blockHash), blockBytes); err != nil {
		return fmt.Errorf("store block: %w", err)
	}
	if err := bc.db.Put(heightKey(b.Header.Height), blockHash); err != nil {
		return fmt.Errorf("store height index: %w", err)
	}
	if err := bc.db.Put(tipKey, blockHash); err != nil {
		return fmt.Errorf("store chain tip: %w", err)
	}
	if !bc.initialized {
		if err := bc.db.Put(genesisKey, blockHash); err != nil {
			return fmt.Errorf("store genesis hash: %w", err)
		}
		bc.genesisHash = blockHash
		bc.initialized = true
	}

	bc.tip = blockHash
	bc.height = b.Header.Height
	return nil
}

// GetBlockByHash retrieves a block from the database by its hash.
func (bc *Blockchain) GetBlockByHash(hash []byte) (*types.Block, error) {
	blockBytes, err := bc.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	var block types.Block
	if err := json.Unmarshal(blockBytes, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlockByHeight retrieves a block through the persisted height index.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*types.Block, error) {
	hash, err := bc.db.Get(heightKey(height))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("block at height %d not found", height)
		}
		return nil, err
	}
	return bc.GetBlockByHash(hash)
}

// GetBlocks retrieves the blocks from a starting height through the tip.
func (bc *Blockchain) GetBlocks(fromHeight uint64) ([]*types.Block, error) {
	bc.mu.RLock()
	initialized := bc.initialized
	currentHeight := bc.height
	bc.mu.RUnlock()

	if !initialized {
		return nil, nil
	}
	var blocks []*types.Block
	for i := fromHeight; i <= currentHeight; i++ {
		block, err := bc.GetBlockByHeight(i)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// LatestBlocks returns up to count blocks ending at the tip, oldest first.
func (bc *Blockchain) LatestBlocks(count uint64) ([]*types.Block, error) {
	bc.mu.RLock()
	initialized := bc.initialized
	currentHeight := bc.height
	bc.mu.RUnlock()

	if !initialized || count == 0 {
		return nil, nil
	}
	from := uint64(0)
	if currentHeight+1 > count {
		from = currentHeight + 1 - count
	}
	return bc.GetBlocks(from)
}

// GetHeight returns the height of the chain tip.
func (bc *Blockchain) GetHeight() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.height
}

// Tip returns the hash of the latest block, or nil for an empty chain.
func (bc *Blockchain) Tip() []byte {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return append([]byte(nil), bc.tip...)
}

// GenesisHash returns the hash of the height-zero block.
func (bc *Blockchain) GenesisHash() []byte {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return append([]byte(nil), bc.genesisHash...)
}

// Empty reports whether the chain holds no blocks yet.
func (bc *Blockchain) Empty() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return !bc.initialized
}

func blockKey(hash []byte) []byte {
	return append([]byte(blockPrefix), hash...)
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(heightPrefix)+8)
	copy(key, heightPrefix)
	binary.BigEndian.PutUint64(key[len(heightPrefix):], height)
	return key
}
