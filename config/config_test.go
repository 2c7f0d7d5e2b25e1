package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"svtchain/crypto"
)

const testKeystorePassphrase = "test-passphrase"

func TestLoadParsesNodeSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "node.keystore")
	contents := fmt.Sprintf(`RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
GenesisFile = "genesis.json"
NodeKeystorePath = "%s"
NetworkName = "testnet"
BlockIntervalSeconds = 2
RPCTrustProxyHeaders = true
RPCMaxTxPerWindow = 12
RPCRateLimitSeconds = 30

[mempool]
MaxTransactions = 128

[log]
File = "./svtd.log"
MaxSizeMB = 64
MaxBackups = 3
MaxAgeDays = 7

[telemetry]
Endpoint = "collector:4318"
Insecure = true
Headers = "x-team=chain"
Metrics = true
Traces = true
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RPCAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected rpc address: %s", cfg.RPCAddress)
	}
	if cfg.DataDir != "./data" || cfg.GenesisFile != "genesis.json" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.NetworkName != "testnet" {
		t.Fatalf("unexpected network name: %s", cfg.NetworkName)
	}
	if cfg.BlockIntervalSeconds != 2 {
		t.Fatalf("unexpected block interval: %d", cfg.BlockIntervalSeconds)
	}
	if !cfg.RPCTrustProxyHeaders {
		t.Fatalf("expected RPCTrustProxyHeaders to be true")
	}
	if cfg.RPCMaxTxPerWindow != 12 || cfg.RPCRateLimitSeconds != 30 {
		t.Fatalf("unexpected rpc limits: %d/%d", cfg.RPCMaxTxPerWindow, cfg.RPCRateLimitSeconds)
	}
	if cfg.Mempool.MaxTransactions != 128 {
		t.Fatalf("unexpected mempool limit: %d", cfg.Mempool.MaxTransactions)
	}
	if cfg.Log.File != "./svtd.log" || cfg.Log.MaxSizeMB != 64 {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Log.MaxBackups != 3 || cfg.Log.MaxAgeDays != 7 {
		t.Fatalf("unexpected log retention: %+v", cfg.Log)
	}
	if cfg.Telemetry.Endpoint != "collector:4318" || !cfg.Telemetry.Insecure {
		t.Fatalf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if !cfg.Telemetry.Enabled() {
		t.Fatalf("expected telemetry to be enabled")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "node.keystore")
	contents := fmt.Sprintf(`NodeKeystorePath = "%s"
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RPCAddress != ":8080" {
		t.Fatalf("unexpected default rpc address: %s", cfg.RPCAddress)
	}
	if cfg.DataDir != "./svt-data" {
		t.Fatalf("unexpected default data dir: %s", cfg.DataDir)
	}
	if cfg.NetworkName != "svt-local" {
		t.Fatalf("unexpected default network name: %s", cfg.NetworkName)
	}
	if cfg.BlockIntervalSeconds != DefaultBlockIntervalSeconds {
		t.Fatalf("unexpected default block interval: %d", cfg.BlockIntervalSeconds)
	}
	if cfg.Mempool.MaxTransactions != DefaultMempoolMaxTransactions {
		t.Fatalf("expected default mempool limit %d, got %d", DefaultMempoolMaxTransactions, cfg.Mempool.MaxTransactions)
	}
	if cfg.RPCMaxTxPerWindow != DefaultRPCMaxTxPerWindow {
		t.Fatalf("unexpected default tx window: %d", cfg.RPCMaxTxPerWindow)
	}
	if cfg.RPCRateLimitSeconds != DefaultRPCRateLimitSeconds {
		t.Fatalf("unexpected default rate window: %d", cfg.RPCRateLimitSeconds)
	}
	if cfg.Telemetry.Enabled() {
		t.Fatalf("expected telemetry to default to disabled")
	}
}

func TestLoadAppliesLogDefaultsWhenFileSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "node.keystore")
	contents := fmt.Sprintf(`NodeKeystorePath = "%s"

[log]
File = "./svtd.log"
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Log.MaxSizeMB != 100 || cfg.Log.MaxBackups != 5 || cfg.Log.MaxAgeDays != 28 {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadRejectsDeprecatedNodeKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `NodeKey = "0xdeadbeef"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err == nil {
		t.Fatalf("expected error for deprecated NodeKey field")
	}
	if !strings.Contains(err.Error(), "deprecated NodeKey") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadWithoutPassphraseFailsToCreateDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when no keystore passphrase is provided")
	}
}

func TestLoadCreatesKeystoreWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	passphrase := "strong-passphrase"

	cfg, err := Load(path, WithKeystorePassphrase(passphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.NodeKeystorePath == "" {
		t.Fatalf("expected node keystore path to be set")
	}
	if _, err := os.Stat(cfg.NodeKeystorePath); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}

	key, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, passphrase)
	if err != nil {
		t.Fatalf("failed to decrypt keystore: %v", err)
	}
	if key == nil {
		t.Fatalf("expected decrypted key")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	cfg := base()
	cfg.RPCMaxTxPerWindow = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero tx window")
	}

	cfg = base()
	cfg.RPCRateLimitSeconds = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative rate window")
	}

	cfg = base()
	cfg.Log.File = "./svtd.log"
	cfg.Log.MaxSizeMB = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero log size with file sink enabled")
	}

	cfg = base()
	cfg.Mempool.MaxTransactions = -5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative mempool limit")
	}
}
