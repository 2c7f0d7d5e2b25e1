package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"svtchain/core"
	"svtchain/core/types"
	"svtchain/crypto"
	"svtchain/observability"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	txSeenTTL       = 15 * time.Minute

	defaultRateLimitWindow = time.Minute
	defaultMaxTxPerWindow  = 5
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeDuplicateTx    = -32010
	codeRateLimited    = -32020
)

// authTokenEnv names the environment variable consulted when ServerConfig
// does not carry a token.
const authTokenEnv = "SVT_RPC_TOKEN"

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// ServerConfig bundles the knobs for the JSON-RPC server.
type ServerConfig struct {
	// AuthToken protects mutating methods. Empty means the token is read
	// from SVT_RPC_TOKEN; if both are empty, mutating methods are refused.
	AuthToken string
	// MaxTxPerWindow caps transaction submissions per client source within
	// one rate limit window.
	MaxTxPerWindow int
	// RateLimitWindow is the length of the submission window.
	RateLimitWindow time.Duration
	// TrustProxyHeaders makes clientSource honor X-Forwarded-For.
	TrustProxyHeaders bool
}

// Server exposes the node over JSON-RPC 2.0 and a websocket event stream.
type Server struct {
	node *core.Node

	mu           sync.Mutex
	txSeen       map[string]time.Time
	rateLimiters map[string]*rateLimiter

	authToken         string
	maxTxPerWindow    int
	rateLimitWindow   time.Duration
	trustProxyHeaders bool
}

// NewServer builds a server over the node. Configuration gaps fall back to
// defaults so a zero ServerConfig yields a working read-only server.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(authTokenEnv))
	}
	maxTx := cfg.MaxTxPerWindow
	if maxTx <= 0 {
		maxTx = defaultMaxTxPerWindow
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &Server{
		node:              node,
		txSeen:            make(map[string]time.Time),
		rateLimiters:      make(map[string]*rateLimiter),
		authToken:         token,
		maxTxPerWindow:    maxTx,
		rateLimitWindow:   window,
		trustProxyHeaders: cfg.TrustProxyHeaders,
	}
}

// Handler returns the HTTP handler serving the RPC endpoint, the websocket
// event stream and the Prometheus scrape endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves the RPC endpoint on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(recorder, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(recorder, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(recorder, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	defer func() {
		observability.RPC().Observe(req.Method, recorder.status, time.Since(started))
	}()

	switch req.Method {
	case "svt_sendTransaction":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(recorder, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleSendTransaction(recorder, r, req)
	case "svt_balanceOf":
		s.handleBalanceOf(recorder, r, req)
	case "svt_allowance":
		s.handleAllowance(recorder, r, req)
	case "svt_totalSupply":
		s.handleTotalSupply(recorder, r, req)
	case "svt_solidValue":
		s.handleSolidValue(recorder, r, req)
	case "svt_getReserves":
		s.handleGetReserves(recorder, r, req)
	case "svt_getAmountOut":
		s.handleGetAmountOut(recorder, r, req)
	case "svt_getLiquidityLock":
		s.handleGetLiquidityLock(recorder, r, req)
	case "svt_getAccount":
		s.handleGetAccount(recorder, r, req)
	case "svt_getLatestBlocks":
		s.handleGetLatestBlocks(recorder, r, req)
	case "svt_getTokenInfo":
		s.handleGetTokenInfo(recorder, r, req)
	default:
		writeError(recorder, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// statusRecorder captures the status code written by a handler so request
// metrics can label outcomes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// AccountResult is the svt_getAccount response shape.
type AccountResult struct {
	Address    string   `json:"address"`
	BalanceSLV *big.Int `json:"balanceSLV"`
	BalanceSVT *big.Int `json:"balanceSVT"`
	Nonce      uint64   `json:"nonce"`
}

// SendTransactionResult acknowledges an accepted transaction with its hash.
type SendTransactionResult struct {
	Hash string `json:"hash"`
}

func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction parameter required", nil)
		return
	}

	var tx types.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction format", err.Error())
		return
	}
	if tx.ChainID != s.node.ChainID() {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction chainId does not match this network", tx.ChainID)
		return
	}

	from, err := tx.From()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction signature", err.Error())
		return
	}

	account, err := s.node.GetAccount(from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load sender account", err.Error())
		return
	}
	if tx.Nonce < account.Nonce {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("nonce %d has already been used; current account nonce is %d", tx.Nonce, account.Nonce), nil)
		return
	}

	now := time.Now()
	source := s.clientSource(r)
	if !s.allowSource(source, now) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "transaction rate limit exceeded", source)
		return
	}

	hashBytes, err := tx.Hash()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to hash transaction", err.Error())
		return
	}
	hash := hex.EncodeToString(hashBytes)
	if !s.rememberTx(hash, now) {
		writeError(w, http.StatusConflict, req.ID, codeDuplicateTx, "transaction has already been submitted", hash)
		return
	}

	if err := s.node.AddTransaction(&tx); err != nil {
		if errors.Is(err, core.ErrMempoolFull) {
			writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "mempool is full", nil)
			return
		}
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction rejected", err.Error())
		return
	}
	writeResult(w, req.ID, SendTransactionResult{Hash: "0x" + hash})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, rpcErr := parseAddressParam(req.Params, 0)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	account, err := s.node.GetAccount(addr.Bytes())
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load account", err.Error())
		return
	}
	writeResult(w, req.ID, AccountResult{
		Address:    addr.String(),
		BalanceSLV: account.BalanceSLV,
		BalanceSVT: account.BalanceSVT,
		Nonce:      account.Nonce,
	})
}

func (s *Server) handleGetLatestBlocks(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	count := 10
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &count); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "count must be an integer", err.Error())
			return
		}
	}
	if count <= 0 {
		count = 10
	} else if count > 20 {
		count = 20
	}

	blocks, err := s.node.GetLatestBlocks(uint64(count))
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load blocks", err.Error())
		return
	}
	writeResult(w, req.ID, blocks)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= s.rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.maxTxPerWindow {
		return false
	}
	limiter.count++
	return true
}

func (s *Server) rememberTx(hash string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, seenAt := range s.txSeen {
		if now.Sub(seenAt) > txSeenTTL {
			delete(s.txSeen, h)
		}
	}
	if _, exists := s.txSeen[hash]; exists {
		return false
	}
	s.txSeen[hash] = now
	return true
}

// clientSource identifies the requesting client for rate limiting. Forwarded
// headers are only honored when the server fronts a trusted proxy.
func (s *Server) clientSource(r *http.Request) string {
	if s.trustProxyHeaders {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if len(parts) > 0 {
				candidate := strings.TrimSpace(parts[0])
				if candidate != "" {
					return candidate
				}
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseAddressParam decodes a bech32 address from positional params, also
// accepting an {"address": ...} wrapper object.
func parseAddressParam(params []json.RawMessage, index int) (crypto.Address, *RPCError) {
	if len(params) <= index {
		return crypto.Address{}, &RPCError{Code: codeInvalidParams, Message: "address parameter required"}
	}
	var addrStr string
	if err := json.Unmarshal(params[index], &addrStr); err != nil {
		var wrapper struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(params[index], &wrapper); err != nil || wrapper.Address == "" {
			return crypto.Address{}, &RPCError{Code: codeInvalidParams, Message: "invalid address parameter"}
		}
		addrStr = wrapper.Address
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(addrStr))
	if err != nil {
		return crypto.Address{}, &RPCError{Code: codeInvalidParams, Message: "failed to decode address", Data: err.Error()}
	}
	return addr, nil
}

// parseAmountParam decodes a non-negative big integer from a decimal string
// or JSON number.
func parseAmountParam(raw json.RawMessage) (*big.Int, *RPCError) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "amount parameter required"}
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		value, ok := new(big.Int).SetString(strings.TrimSpace(str), 10)
		if !ok {
			return nil, &RPCError{Code: codeInvalidParams, Message: "amount must be a base-10 integer", Data: str}
		}
		if value.Sign() < 0 {
			return nil, &RPCError{Code: codeInvalidParams, Message: "amount must not be negative", Data: str}
		}
		return value, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		value, ok := new(big.Int).SetString(num.String(), 10)
		if ok && value.Sign() >= 0 {
			return value, nil
		}
	}
	return nil, &RPCError{Code: codeInvalidParams, Message: "invalid amount parameter"}
}
