package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"svtchain/core/types"
	"svtchain/gateway/auth"
)

const transactionsRequestLimit = 1 << 20 // 1 MiB

// transactionsRoutes bridges partner-signed submissions to the node RPC. The
// partner proves the request with an HMAC signature; the gateway swaps that
// for its own bearer token before forwarding.
type transactionsRoutes struct {
	target        *url.URL
	client        *http.Client
	timeout       time.Duration
	authenticator *auth.Authenticator
	nodeToken     string
	logger        *slog.Logger
}

type sendTransactionRequest struct {
	JSONRPC string            `json:"jsonrpc,omitempty"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params"`
}

func newTransactionsRoutes(target *url.URL, authenticator *auth.Authenticator, nodeToken string, logger *slog.Logger) (*transactionsRoutes, error) {
	if target == nil {
		return nil, errors.New("nil transactions target")
	}
	cloned := *target
	if strings.TrimSpace(cloned.Scheme) == "" {
		return nil, errors.New("transactions target scheme required")
	}
	if strings.TrimSpace(cloned.Host) == "" {
		return nil, errors.New("transactions target host required")
	}
	if strings.TrimSpace(cloned.Path) == "" {
		cloned.Path = "/"
	}
	return &transactionsRoutes{
		target:        &cloned,
		client:        &http.Client{Timeout: 15 * time.Second},
		timeout:       10 * time.Second,
		authenticator: authenticator,
		nodeToken:     nodeToken,
		logger:        logger,
	}, nil
}

func (tr *transactionsRoutes) mount(r chi.Router) {
	r.Post("/send", tr.send)
}

func (tr *transactionsRoutes) send(w http.ResponseWriter, r *http.Request) {
	if tr == nil || tr.target == nil {
		writeInternalError(w, errors.New("transactions route misconfigured"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, transactionsRequestLimit))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("read request body: %w", err))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeBadRequest(w, errors.New("request body is empty"))
		return
	}

	var principal *auth.Principal
	if tr.authenticator != nil {
		principal, err = tr.authenticator.Authenticate(r, body)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
	}

	var req sendTransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeBadRequest(w, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		req.Method = "svt_sendTransaction"
	}
	if req.Method != "svt_sendTransaction" {
		writeBadRequest(w, fmt.Errorf("unsupported method %q", req.Method))
		return
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	if len(req.Params) == 0 {
		writeBadRequest(w, errors.New("transaction parameter required"))
		return
	}

	var tx types.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		writeBadRequest(w, fmt.Errorf("decode transaction: %w", err))
		return
	}
	switch tx.Type {
	case types.TxTypeTransfer, types.TxTypeApprove, types.TxTypeTransferFrom,
		types.TxTypeSwapBuy, types.TxTypeRetrieveValue:
	default:
		writeBadRequest(w, fmt.Errorf("unsupported transaction type 0x%02x", byte(tx.Type)))
		return
	}

	forwardBody, err := json.Marshal(req)
	if err != nil {
		writeInternalError(w, fmt.Errorf("encode upstream request: %w", err))
		return
	}

	ctx, cancel := tr.context(r.Context())
	defer cancel()

	forwardReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tr.target.String(), bytes.NewReader(forwardBody))
	if err != nil {
		writeInternalError(w, fmt.Errorf("build upstream request: %w", err))
		return
	}
	forwardReq.Header.Set("Content-Type", "application/json")
	if tr.nodeToken != "" {
		forwardReq.Header.Set("Authorization", "Bearer "+tr.nodeToken)
	}
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if remote := clientIP(r.RemoteAddr); remote != "" {
		if forwarded != "" {
			forwarded = forwarded + ", " + remote
		} else {
			forwarded = remote
		}
	}
	if forwarded != "" {
		forwardReq.Header.Set("X-Forwarded-For", forwarded)
	}

	resp, err := tr.client.Do(forwardReq)
	if err != nil {
		writeInternalError(w, fmt.Errorf("forward request: %w", err))
		return
	}
	defer resp.Body.Close()

	if tr.logger != nil && principal != nil {
		tr.logger.Info("partner transaction forwarded",
			"partner", principal.APIKey,
			"txType", fmt.Sprintf("0x%02x", byte(tx.Type)),
			"status", resp.StatusCode)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (tr *transactionsRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := tr.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		// Content-Length is recomputed by Go's http server.
		if strings.EqualFold(key, "Content-Length") {
			continue
		}
		dst.Del(key)
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func clientIP(addr string) string {
	host := strings.TrimSpace(addr)
	if host == "" {
		return ""
	}
	if parsedHost, _, err := net.SplitHostPort(host); err == nil {
		host = parsedHost
	}
	return strings.TrimSpace(host)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, err)
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	writeError(w, http.StatusUnauthorized, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
