package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig points the gateway at the chain node's JSON-RPC endpoint.
type NodeConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// AuthTokenEnv names the environment variable holding the node's RPC
	// bearer token. The token itself never lives in the config file.
	AuthTokenEnv string `yaml:"authTokenEnv"`
}

// RateLimitConfig names a limiter bucket applied to a route group.
type RateLimitConfig struct {
	ID            string  `yaml:"id"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// ObservabilityConfig controls the gateway's own metrics and tracing.
type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

// AuthConfig configures JWT bearer authentication for protected routes.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scopeClaim"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
}

// PartnerConfig configures the HMAC-signed partner submission surface.
type PartnerConfig struct {
	// APIKeys maps partner key identifiers to shared secrets.
	APIKeys map[string]string `yaml:"apiKeys"`
	// NonceStorePath is the LevelDB directory backing replay protection.
	NonceStorePath string        `yaml:"nonceStorePath"`
	TimestampSkew  time.Duration `yaml:"timestampSkew"`
	NonceTTL       time.Duration `yaml:"nonceTTL"`
}

// TLSConfig holds the optional listener certificate pair.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Config is the gateway's full YAML configuration.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Node          NodeConfig          `yaml:"node"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Partner       PartnerConfig       `yaml:"partner"`
	TLS           TLSConfig           `yaml:"tls"`
}

// Load reads the YAML config at path, or returns defaults when path is empty.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8081",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Node: NodeConfig{
			Endpoint:     "http://127.0.0.1:8080",
			Timeout:      15 * time.Second,
			AuthTokenEnv: "SVT_RPC_TOKEN",
		},
		Observability: ObservabilityConfig{
			ServiceName:   "svt-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "svt_gateway",
		},
		Auth: AuthConfig{
			Enabled:    true,
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
		Partner: PartnerConfig{
			TimestampSkew: 2 * time.Minute,
			NonceTTL:      10 * time.Minute,
		},
	}
}

func (cfg *Config) applyDefaults() {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8081"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if strings.TrimSpace(cfg.Node.Endpoint) == "" {
		cfg.Node.Endpoint = "http://127.0.0.1:8080"
	}
	if cfg.Node.Timeout <= 0 {
		cfg.Node.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Node.AuthTokenEnv) == "" {
		cfg.Node.AuthTokenEnv = "SVT_RPC_TOKEN"
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = "svt-gateway"
	}
	if strings.TrimSpace(cfg.Observability.MetricsPrefix) == "" {
		cfg.Observability.MetricsPrefix = "svt_gateway"
	}
	if strings.TrimSpace(cfg.Auth.ScopeClaim) == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Partner.TimestampSkew <= 0 {
		cfg.Partner.TimestampSkew = 2 * time.Minute
	}
	if cfg.Partner.NonceTTL <= 0 {
		cfg.Partner.NonceTTL = 10 * time.Minute
	}
}

// Validate rejects configurations the gateway cannot safely run with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.NodeURL(); err != nil {
		return err
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmacSecret must be set when auth is enabled")
	}
	for key, secret := range cfg.Partner.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("partner.apiKeys contains an empty key identifier")
		}
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("partner.apiKeys[%q] has an empty secret", key)
		}
	}
	if len(cfg.Partner.APIKeys) > 0 && strings.TrimSpace(cfg.Partner.NonceStorePath) == "" {
		return fmt.Errorf("partner.nonceStorePath must be set when partner API keys are configured")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls.certFile and tls.keyFile must both be provided to enable TLS")
	}
	return nil
}

// NodeURL parses the configured node endpoint.
func (cfg *Config) NodeURL() (*url.URL, error) {
	endpoint := strings.TrimSpace(cfg.Node.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("node.endpoint must be provided")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse node endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("node endpoint must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("node endpoint is missing a host")
	}
	return parsed, nil
}

// NodeAuthToken resolves the node bearer token from the environment.
func (cfg *Config) NodeAuthToken() string {
	return strings.TrimSpace(os.Getenv(cfg.Node.AuthTokenEnv))
}
