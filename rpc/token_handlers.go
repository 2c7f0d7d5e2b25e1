package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"svtchain/crypto"
)

// BalanceResult reports an account's SVT holding.
type BalanceResult struct {
	Address string   `json:"address"`
	Balance *big.Int `json:"balance"`
}

// AllowanceResult reports the remaining spend a spender holds on an owner.
type AllowanceResult struct {
	Owner     string   `json:"owner"`
	Spender   string   `json:"spender"`
	Remaining *big.Int `json:"remaining"`
}

// SupplyResult reports the recorded total supply.
type SupplyResult struct {
	TotalSupply *big.Int `json:"totalSupply"`
}

// SolidValueResult reports the SLV redemption reserve held by the keeper.
type SolidValueResult struct {
	SolidValue *big.Int `json:"solidValue"`
}

// TokenInfoResult carries the token descriptor recorded at genesis.
type TokenInfoResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

func (s *Server) handleBalanceOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, rpcErr := parseAddressParam(req.Params, 0)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	balance, err := s.node.BalanceOf(addr.Raw())
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load balance", err.Error())
		return
	}
	writeResult(w, req.ID, BalanceResult{Address: addr.String(), Balance: balance})
}

func (s *Server) handleAllowance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	ownerRaw, spenderRaw, rpcErr := allowanceParams(req.Params)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	owner, err := crypto.DecodeAddress(strings.TrimSpace(ownerRaw))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode owner address", err.Error())
		return
	}
	spender, err := crypto.DecodeAddress(strings.TrimSpace(spenderRaw))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode spender address", err.Error())
		return
	}
	remaining, err := s.node.Allowance(owner.Raw(), spender.Raw())
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load allowance", err.Error())
		return
	}
	writeResult(w, req.ID, AllowanceResult{
		Owner:     owner.String(),
		Spender:   spender.String(),
		Remaining: remaining,
	})
}

func (s *Server) handleTotalSupply(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	supply, err := s.node.TotalSupply()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load total supply", err.Error())
		return
	}
	writeResult(w, req.ID, SupplyResult{TotalSupply: supply})
}

func (s *Server) handleSolidValue(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	reserve, err := s.node.SolidValue()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load solid value", err.Error())
		return
	}
	writeResult(w, req.ID, SolidValueResult{SolidValue: reserve})
}

func (s *Server) handleGetTokenInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	meta, err := s.node.TokenMetadata()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load token metadata", err.Error())
		return
	}
	writeResult(w, req.ID, TokenInfoResult{
		Symbol:   meta.Symbol,
		Name:     meta.Name,
		Decimals: meta.Decimals,
	})
}

// allowanceParams accepts [owner, spender] positional strings or a single
// {"owner": ..., "spender": ...} object.
func allowanceParams(params []json.RawMessage) (string, string, *RPCError) {
	switch len(params) {
	case 1:
		var wrapper struct {
			Owner   string `json:"owner"`
			Spender string `json:"spender"`
		}
		if err := json.Unmarshal(params[0], &wrapper); err != nil {
			return "", "", &RPCError{Code: codeInvalidParams, Message: "invalid allowance parameters", Data: err.Error()}
		}
		if strings.TrimSpace(wrapper.Owner) == "" || strings.TrimSpace(wrapper.Spender) == "" {
			return "", "", &RPCError{Code: codeInvalidParams, Message: "owner and spender required"}
		}
		return wrapper.Owner, wrapper.Spender, nil
	case 2:
		var owner, spender string
		if err := json.Unmarshal(params[0], &owner); err != nil {
			return "", "", &RPCError{Code: codeInvalidParams, Message: "invalid owner parameter", Data: err.Error()}
		}
		if err := json.Unmarshal(params[1], &spender); err != nil {
			return "", "", &RPCError{Code: codeInvalidParams, Message: "invalid spender parameter", Data: err.Error()}
		}
		return owner, spender, nil
	default:
		return "", "", &RPCError{Code: codeInvalidParams, Message: "owner and spender parameters required"}
	}
}
