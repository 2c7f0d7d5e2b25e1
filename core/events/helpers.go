package events

import (
	"math/big"

	"svtchain/crypto"
)

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func addressString(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return crypto.MustNewAddress(addr).String()
}
