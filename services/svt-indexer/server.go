package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP surface of the indexer: archive reads, subscription
// management, and process metrics.
type Server struct {
	store      *SQLiteStore
	endpoints  *EndpointStore
	queue      *DeliveryQueue
	adminToken string
	nowFn      func() time.Time
}

func NewServer(store *SQLiteStore, endpoints *EndpointStore, queue *DeliveryQueue, adminToken string) *Server {
	if store == nil {
		panic("sqlite store required")
	}
	if endpoints == nil {
		panic("endpoint store required")
	}
	if queue == nil {
		queue = NewDeliveryQueue()
	}
	return &Server{
		store:      store,
		endpoints:  endpoints,
		queue:      queue,
		adminToken: strings.TrimSpace(adminToken),
		nowFn:      time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/healthz":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case r.Method == http.MethodGet && path == "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	case r.Method == http.MethodGet && path == "/v1/status":
		s.handleStatus(w, r)
	case r.Method == http.MethodGet && path == "/v1/events":
		s.handleEvents(w, r)
	case r.Method == http.MethodPost && path == "/v1/endpoints":
		s.handleRegisterEndpoint(w, r)
	case r.Method == http.MethodGet && path == "/v1/endpoints":
		s.handleListEndpoints(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/endpoints/") && strings.HasSuffix(path, "/deliveries"):
		s.handleEndpointDeliveries(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/v1/endpoints/"):
		s.handleDeactivateEndpoint(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.store.LastArchivedHeight(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	count, err := s.store.EventCount(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cursorHeight": cursor,
		"eventCount":   count,
		"queueDepth":   s.queue.Len(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid after parameter"))
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit parameter"))
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	var events []ArchivedEvent
	var err error
	if eventType := strings.TrimSpace(query.Get("type")); eventType != "" {
		events, err = s.store.EventsByType(r.Context(), eventType, limit)
	} else {
		events, err = s.store.EventsSince(r.Context(), after, limit)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []ArchivedEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type registerEndpointRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

// endpointView is the subscription shape returned to callers; the signing
// secret never leaves the store.
type endpointView struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

func viewOf(endpoint Endpoint) endpointView {
	return endpointView{
		ID:         endpoint.ID,
		URL:        endpoint.URL,
		EventTypes: endpoint.EventTypes,
		Active:     endpoint.Active,
		CreatedAt:  endpoint.CreatedAt,
	}
}

func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req registerEndpointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		s.writeError(w, http.StatusBadRequest, errors.New("endpoint url must use http or https"))
		return
	}
	endpoint, err := s.endpoints.Register(req.URL, req.Secret, req.EventTypes, s.nowFn())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(endpoint))
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	endpoints, err := s.endpoints.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]endpointView, 0, len(endpoints))
	for _, endpoint := range endpoints {
		views = append(views, viewOf(endpoint))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": views})
}

func (s *Server) handleEndpointDeliveries(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/endpoints/"), "/deliveries")
	id = strings.Trim(id, "/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("endpoint id required"))
		return
	}
	if _, err := s.endpoints.Get(id); err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	attempts, err := s.store.DeliveriesForEndpoint(r.Context(), id, 50)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	type attemptView struct {
		ID          string    `json:"id"`
		EventDigest string    `json:"eventDigest"`
		Attempt     int       `json:"attempt"`
		Status      string    `json:"status"`
		Error       string    `json:"error,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
	}
	views := make([]attemptView, 0, len(attempts))
	for _, attempt := range attempts {
		views = append(views, attemptView{
			ID:          attempt.ID,
			EventDigest: attempt.EventDigest,
			Attempt:     attempt.Attempt,
			Status:      attempt.Status,
			Error:       attempt.Error,
			CreatedAt:   attempt.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": views})
}

func (s *Server) handleDeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/endpoints/"), "/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("endpoint id required"))
		return
	}
	if err := s.endpoints.Deactivate(id); err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin checks the bearer token guarding subscription management. An
// unset token refuses all admin calls.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" {
		s.writeError(w, http.StatusUnauthorized, errors.New("admin token not configured"))
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		s.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return false
	}
	provided := strings.TrimSpace(parts[1])
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminToken)) != 1 {
		s.writeError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	_, _ = fmt.Fprintf(w, `{"error":"%s"}`, msg)
}
