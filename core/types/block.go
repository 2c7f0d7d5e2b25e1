package types

import (
	"crypto/sha256"
	"encoding/json"
)

// BlockHeader contains the block metadata and the commitments to its content.
type BlockHeader struct {
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  []byte `json:"prevHash"`  // Hash of the previous block's header
	StateRoot []byte `json:"stateRoot"` // Merkle root of the global state after transactions are applied
	TxRoot    []byte `json:"txRoot"`    // Merkle root of the transactions in the block
	Proposer  []byte `json:"proposer"`  // Address of the sealer that proposed the block
}

// Block is a sealed batch of transactions.
type Block struct {
	Header       *BlockHeader
	Transactions []*Transaction
}

// NewBlock creates a new block from a header and a set of transactions.
func NewBlock(header *BlockHeader, txs []*Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash calculates and returns the SHA-256 hash of the block header.
// This hash serves as the block's unique identifier.
func (h *BlockHeader) Hash() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}
