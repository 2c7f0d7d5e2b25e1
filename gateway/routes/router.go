package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"svtchain/gateway/auth"
	"svtchain/gateway/middleware"
)

// ServiceRoute is one public prefix exposed by the gateway. Every route
// forwards to the node RPC; the policy knobs differ per prefix.
type ServiceRoute struct {
	Name           string
	Prefix         string
	RequireAuth    bool
	RequiredScopes []string
	RateLimitKey   string
}

// Config wires the gateway's middlewares and upstream into a router.
type Config struct {
	NodeTarget    *url.URL
	NodeToken     string
	Routes        []ServiceRoute
	PartnerAuth   *auth.Authenticator
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

// New assembles the chi router for the gateway.
func New(cfg Config) (http.Handler, error) {
	if cfg.NodeTarget == nil {
		return nil, errors.New("node target required")
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	for _, route := range cfg.Routes {
		proxy := newNodeProxy(cfg.NodeTarget, route.Prefix, cfg.Logger)
		var txBridge *transactionsRoutes
		if route.Name == "transactions" {
			tr, err := newTransactionsRoutes(cfg.NodeTarget, cfg.PartnerAuth, cfg.NodeToken, cfg.Logger)
			if err != nil {
				return nil, fmt.Errorf("configure transaction routes: %w", err)
			}
			txBridge = tr
		}
		r.Route(route.Prefix, func(sr chi.Router) {
			if cfg.RateLimiter != nil && route.RateLimitKey != "" {
				sr.Use(cfg.RateLimiter.Middleware(route.RateLimitKey))
			}
			if cfg.Authenticator != nil && route.RequireAuth {
				sr.Use(cfg.Authenticator.Middleware(route.RequiredScopes...))
			}
			if obs != nil {
				sr.Use(obs.Middleware(route.Name))
			}
			if txBridge != nil {
				txBridge.mount(sr)
			}
			sr.Handle("/*", proxy)
			sr.Handle("/", proxy)
		})
	}

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}

// DefaultRoutes is the standard public surface: open query and event
// prefixes, a partner-signed transaction prefix, and a token-gated console
// prefix for operator tooling.
func DefaultRoutes() []ServiceRoute {
	return []ServiceRoute{
		{
			Name:         "query",
			Prefix:       "/v1/query",
			RateLimitKey: "query",
		},
		{
			Name:         "events",
			Prefix:       "/v1/events",
			RateLimitKey: "events",
		},
		{
			Name:         "transactions",
			Prefix:       "/v1/transactions",
			RateLimitKey: "transactions",
		},
		{
			Name:           "console",
			Prefix:         "/v1/console",
			RequireAuth:    true,
			RequiredScopes: []string{"svt.console"},
			RateLimitKey:   "console",
		},
	}
}
