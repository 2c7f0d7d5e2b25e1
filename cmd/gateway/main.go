package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"svtchain/gateway/auth"
	"svtchain/gateway/config"
	"svtchain/gateway/middleware"
	"svtchain/gateway/routes"
	"svtchain/observability/logging"
	telemetry "svtchain/observability/otel"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SVT_ENV"))
	logger := logging.Setup("gateway", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(logger, "load config", err)
	}
	nodeURL, err := cfg.NodeURL()
	if err != nil {
		fatal(logger, "resolve node endpoint", err)
	}

	var shutdownTelemetry func(context.Context) error
	if cfg.Observability.Metrics || cfg.Observability.Tracing {
		otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err = telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: env,
			Endpoint:    otlpEndpoint,
			Insecure:    insecure,
			Headers:     otlpHeaders,
			Metrics:     cfg.Observability.Metrics,
			Traces:      cfg.Observability.Tracing,
		})
		if err != nil {
			fatal(logger, "initialise telemetry", err)
		}
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, logger)

	rateLimits := make(map[string]middleware.RateLimit)
	for _, entry := range cfg.RateLimits {
		if entry.ID == "" {
			continue
		}
		rateLimits[entry.ID] = middleware.RateLimit{
			RatePerSecond: entry.RatePerSecond,
			Burst:         entry.Burst,
		}
	}
	if len(rateLimits) == 0 {
		rateLimits["query"] = middleware.RateLimit{RatePerSecond: 10, Burst: 50}
		rateLimits["events"] = middleware.RateLimit{RatePerSecond: 5, Burst: 20}
		rateLimits["transactions"] = middleware.RateLimit{RatePerSecond: 2, Burst: 10}
		rateLimits["console"] = middleware.RateLimit{RatePerSecond: 5, Burst: 20}
	}

	var partnerAuth *auth.Authenticator
	if len(cfg.Partner.APIKeys) > 0 {
		nonceStore, err := auth.OpenLevelDBNonceStore(cfg.Partner.NonceStorePath)
		if err != nil {
			fatal(logger, "open partner nonce store", err)
		}
		defer func() {
			if err := nonceStore.Close(); err != nil {
				logger.Error("close partner nonce store", "error", err)
			}
		}()
		partnerAuth = auth.NewAuthenticator(cfg.Partner.APIKeys, cfg.Partner.TimestampSkew, cfg.Partner.NonceTTL, 0, nil, nonceStore)
		hydrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := partnerAuth.HydrateNonces(hydrateCtx, time.Now().Add(-cfg.Partner.NonceTTL)); err != nil {
			logger.Warn("hydrate partner nonces", "error", err)
		}
		cancel()
	}

	nodeToken := cfg.NodeAuthToken()
	if nodeToken == "" {
		logger.Warn("node bearer token not set; partner submissions will be rejected upstream", "env", cfg.Node.AuthTokenEnv)
	}

	router, err := routes.New(routes.Config{
		NodeTarget:    nodeURL,
		NodeToken:     nodeToken,
		Routes:        routes.DefaultRoutes(),
		PartnerAuth:   partnerAuth,
		Authenticator: authenticator,
		RateLimiter:   middleware.NewRateLimiter(rateLimits),
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", auth.HeaderAPIKey, auth.HeaderTimestamp, auth.HeaderNonce, auth.HeaderSignature},
		},
		Logger: logger,
	})
	if err != nil {
		fatal(logger, "configure routes", err)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "gateway")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		useTLS := cfg.TLS.CertFile != ""
		logger.Info("gateway listening", "addr", cfg.ListenAddress, "tls", useTLS, "node", nodeURL.String())
		if useTLS {
			serveErr <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serveErr <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "serve", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("gateway stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
