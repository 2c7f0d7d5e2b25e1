package types

import "math/big"

// Account is the per-address state tracked by the ledger: a transaction nonce,
// the backing-currency balance (SLV) and the token balance (SVT). Module
// accounts (pool, keeper, liquidity lock) use the same representation.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceSLV *big.Int `json:"balanceSLV"`
	BalanceSVT *big.Int `json:"balanceSVT"`
}
