package rpc

import (
	"math/big"
	"net/http"

	"svtchain/crypto"
	"svtchain/native/liquidity"
)

// LiquidityLockResult describes the singleton liquidity lock.
type LiquidityLockResult struct {
	Status       string   `json:"status"`
	Owner        string   `json:"owner,omitempty"`
	Amount       *big.Int `json:"amount,omitempty"`
	UnlockHeight uint64   `json:"unlockHeight,omitempty"`
}

func (s *Server) handleGetLiquidityLock(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	status, lock, err := s.node.LiquidityLock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load liquidity lock", err.Error())
		return
	}
	result := LiquidityLockResult{Status: string(status)}
	if status != liquidity.StatusUnset && lock != nil {
		result.Owner = crypto.MustNewAddress(lock.Owner).String()
		result.Amount = lock.Amount
		result.UnlockHeight = lock.UnlockHeight
	}
	writeResult(w, req.ID, result)
}
