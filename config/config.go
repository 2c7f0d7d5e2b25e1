package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"svtchain/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the node configuration loaded from a TOML file. Missing fields
// fall back to defaults; a missing file is created with a fresh keystore.
type Config struct {
	RPCAddress       string `toml:"RPCAddress"`
	DataDir          string `toml:"DataDir"`
	GenesisFile      string `toml:"GenesisFile"`
	NodeKeystorePath string `toml:"NodeKeystorePath"`
	NetworkName      string `toml:"NetworkName"`

	BlockIntervalSeconds uint64 `toml:"BlockIntervalSeconds"`

	RPCTrustProxyHeaders bool `toml:"RPCTrustProxyHeaders"`
	RPCMaxTxPerWindow    int  `toml:"RPCMaxTxPerWindow"`
	RPCRateLimitSeconds  int  `toml:"RPCRateLimitSeconds"`

	Mempool   MempoolConfig   `toml:"mempool"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type loadOptions struct {
	passphrase func() (string, error)
}

// Option adjusts how Load resolves external inputs such as the keystore
// passphrase.
type Option func(*loadOptions)

// WithKeystorePassphrase supplies a fixed passphrase for creating or opening
// the node keystore.
func WithKeystorePassphrase(pass string) Option {
	return func(o *loadOptions) {
		o.passphrase = func() (string, error) { return pass, nil }
	}
}

// WithKeystorePassphraseSource supplies a lazy passphrase resolver, typically
// backed by an environment variable or terminal prompt.
func WithKeystorePassphraseSource(fn func() (string, error)) Option {
	return func(o *loadOptions) {
		o.passphrase = fn
	}
}

// Load loads the configuration from the given path.
func Load(path string, opts ...Option) (*Config, error) {
	options := &loadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "NodeKey" {
			return nil, fmt.Errorf("config file %s uses deprecated NodeKey field; move the key into an encrypted keystore and set NodeKeystorePath", path)
		}
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./svt-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "svt-local"
	}
	if cfg.BlockIntervalSeconds == 0 {
		cfg.BlockIntervalSeconds = DefaultBlockIntervalSeconds
	}
	if cfg.RPCMaxTxPerWindow == 0 {
		cfg.RPCMaxTxPerWindow = DefaultRPCMaxTxPerWindow
	}
	if cfg.RPCRateLimitSeconds == 0 {
		cfg.RPCRateLimitSeconds = DefaultRPCRateLimitSeconds
	}
	if cfg.Mempool.MaxTransactions == 0 {
		cfg.Mempool.MaxTransactions = DefaultMempoolMaxTransactions
	}
	cfg.Log.applyDefaults()
}

func ensureKeystore(configPath string, cfg *Config, options *loadOptions) error {
	keystorePath := cfg.NodeKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		passphrase, passErr := resolvePassphrase(options)
		if passErr != nil {
			return passErr
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.NodeKeystorePath != keystorePath {
		cfg.NodeKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file together with a
// freshly generated, passphrase-protected keystore.
func createDefault(path string, options *loadOptions) (*Config, error) {
	passphrase, err := resolvePassphrase(options)
	if err != nil {
		return nil, err
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./svt-data",
		GenesisFile: "",
		NetworkName: "svt-local",
	}
	cfg.NodeKeystorePath = keystorePath
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolvePassphrase(options *loadOptions) (string, error) {
	if options == nil || options.passphrase == nil {
		return "", fmt.Errorf("keystore passphrase required; supply one via WithKeystorePassphrase or WithKeystorePassphraseSource")
	}
	passphrase, err := options.passphrase()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(passphrase) == "" {
		return "", fmt.Errorf("keystore passphrase cannot be empty")
	}
	return passphrase, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}
