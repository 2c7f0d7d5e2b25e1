package types

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUnsigned is returned when a sender is requested from a transaction that
// carries no signature.
var ErrUnsigned = errors.New("types: transaction is not signed")

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeTransfer        TxType = 0x01 // Move SVT, or sell when the recipient is the pool
	TxTypeApprove         TxType = 0x02 // Set an allowance for a spender
	TxTypeTransferFrom    TxType = 0x03 // Spend a previously granted allowance
	TxTypeSwapBuy         TxType = 0x04 // Send SLV to the pool, receive SVT
	TxTypeEnhanceValue    TxType = 0x05 // Deposit SLV into the redemption reserve
	TxTypeRetrieveValue   TxType = 0x06 // Burn SVT, withdraw backing SLV
	TxTypeAddLiquidity    TxType = 0x07 // Lock SLV until a future height
	TxTypeExtendLiquidity TxType = 0x08 // Push the unlock height further out
	TxTypeRemoveLiquidity TxType = 0x09 // Withdraw the lock once it expires
)

// Transaction is the signed unit of state mutation. Value carries SLV for
// value-bearing calls, Amount carries SVT units, and Data holds the
// JSON-encoded auxiliary payload for types that need one.
type Transaction struct {
	ChainID uint64   `json:"chainId"`
	Type    TxType   `json:"type"`
	Nonce   uint64   `json:"nonce"`
	To      []byte   `json:"to,omitempty"`
	Value   *big.Int `json:"value,omitempty"`
	Amount  *big.Int `json:"amount,omitempty"`
	Data    []byte   `json:"data,omitempty"`

	R *big.Int `json:"r,omitempty"`
	S *big.Int `json:"s,omitempty"`
	V *big.Int `json:"v,omitempty"`

	from []byte
}

// TransferFromPayload is embedded in the data field of transferFrom
// transactions and names the account whose allowance is being spent.
type TransferFromPayload struct {
	Owner []byte `json:"owner"`
}

// LiquidityPayload is embedded in the data field of liquidity transactions.
type LiquidityPayload struct {
	UnlockHeight uint64 `json:"unlockHeight"`
}

// Hash returns the SHA-256 digest of the signable fields.
func (tx *Transaction) Hash() ([]byte, error) {
	txData := struct {
		ChainID uint64
		Type    TxType
		Nonce   uint64
		To      []byte
		Value   *big.Int
		Amount  *big.Int
		Data    []byte
	}{tx.ChainID, tx.Type, tx.Nonce, tx.To, tx.Value, tx.Amount, tx.Data}

	b, err := json.Marshal(txData)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

// Sign computes the secp256k1 signature over the transaction hash.
func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	return nil
}

// From recovers the sender address from the signature. The result is cached
// on the transaction after the first call.
func (tx *Transaction) From() ([]byte, error) {
	if tx.from != nil {
		return tx.from, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return nil, ErrUnsigned
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[32-len(tx.R.Bytes()):32], tx.R.Bytes())
	copy(sig[64-len(tx.S.Bytes()):64], tx.S.Bytes())
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	tx.from = crypto.PubkeyToAddress(*pubKey).Bytes()
	return tx.from, nil
}
