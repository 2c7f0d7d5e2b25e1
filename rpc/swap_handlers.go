package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"svtchain/native/swap"
)

// ReservesResult reports the pool's live reserves.
type ReservesResult struct {
	ReserveSLV *big.Int `json:"reserveSLV"`
	ReserveSVT *big.Int `json:"reserveSVT"`
}

// QuoteResult prices a prospective swap without executing it.
type QuoteResult struct {
	AmountIn  *big.Int `json:"amountIn"`
	AmountOut *big.Int `json:"amountOut"`
	IsBuy     bool     `json:"isBuy"`
}

func (s *Server) handleGetReserves(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	currency, units, err := s.node.Reserves()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load reserves", err.Error())
		return
	}
	writeResult(w, req.ID, ReservesResult{ReserveSLV: currency, ReserveSVT: units})
}

func (s *Server) handleGetAmountOut(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	amountIn, isBuy, rpcErr := quoteParams(req.Params)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amountOut, err := s.node.QuoteAmountOut(amountIn, isBuy)
	if err != nil {
		if errors.Is(err, swap.ErrInsufficientReserve) {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to quote swap", err.Error())
		return
	}
	writeResult(w, req.ID, QuoteResult{AmountIn: amountIn, AmountOut: amountOut, IsBuy: isBuy})
}

// quoteParams accepts [amountIn, isBuy] positional values or a single
// {"amountIn": ..., "isBuy": ...} object. Amounts travel as decimal strings.
func quoteParams(params []json.RawMessage) (*big.Int, bool, *RPCError) {
	switch len(params) {
	case 1:
		var wrapper struct {
			AmountIn json.RawMessage `json:"amountIn"`
			IsBuy    bool            `json:"isBuy"`
		}
		if err := json.Unmarshal(params[0], &wrapper); err != nil {
			return nil, false, &RPCError{Code: codeInvalidParams, Message: "invalid quote parameters", Data: err.Error()}
		}
		amount, rpcErr := parseAmountParam(wrapper.AmountIn)
		if rpcErr != nil {
			return nil, false, rpcErr
		}
		return amount, wrapper.IsBuy, nil
	case 2:
		amount, rpcErr := parseAmountParam(params[0])
		if rpcErr != nil {
			return nil, false, rpcErr
		}
		var isBuy bool
		if err := json.Unmarshal(params[1], &isBuy); err != nil {
			return nil, false, &RPCError{Code: codeInvalidParams, Message: "isBuy must be a boolean", Data: err.Error()}
		}
		return amount, isBuy, nil
	default:
		return nil, false, &RPCError{Code: codeInvalidParams, Message: "amountIn and isBuy parameters required"}
	}
}
