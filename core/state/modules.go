package state

import ethcrypto "github.com/ethereum/go-ethereum/crypto"

// Module accounts are ordinary ledger accounts at addresses derived from
// fixed labels. No private key can sign for them; only the engines move their
// funds.
var (
	// PoolAddress holds the swap reserves: the SLV currency side and the
	// SVT units the chain itself offers for sale. Transfers addressed to it
	// are routed to the sell path.
	PoolAddress = moduleAddress("module/token/pool")

	// KeeperAddress holds the SLV redemption reserve backing the per-unit
	// solid value.
	KeeperAddress = moduleAddress("module/keeper/reserve")

	// LockVaultAddress holds SLV deposited into the liquidity lock.
	LockVaultAddress = moduleAddress("module/liquidity/vault")
)

func moduleAddress(label string) [20]byte {
	var out [20]byte
	hash := ethcrypto.Keccak256([]byte(label))
	copy(out[:], hash[12:])
	return out
}
