package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"svtchain/cmd/internal/passphrase"
	"svtchain/config"
	"svtchain/core"
	"svtchain/core/genesis"
	"svtchain/crypto"
	"svtchain/observability/logging"
	telemetry "svtchain/observability/otel"
	"svtchain/rpc"
	"svtchain/storage"
)

const (
	nodePassEnv         = "SVT_NODE_PASS"
	genesisPathEnv      = "SVT_GENESIS"
	allowAutogenesisEnv = "SVT_ALLOW_AUTOGENESIS"

	devChainID = 4217
)

func main() {
	configFile := flag.String("config", "./config.toml", "path to the node configuration file")
	genesisFlag := flag.String("genesis", "", "path to a genesis spec JSON file (overrides SVT_GENESIS and config GenesisFile)")
	allowAutogenesisFlag := flag.Bool("allow-autogenesis", false, "DEV ONLY: provision a throwaway genesis when none is supplied")
	flag.Parse()

	allowAutogenesisCLISet := flagWasProvided("allow-autogenesis")

	env := strings.TrimSpace(os.Getenv("SVT_ENV"))
	logger := logging.Setup("svtd", env)

	passSource := passphrase.NewSource(nodePassEnv)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		fatal(logger, "load config", err)
	}
	if cfg.Log.File != "" {
		logger = logging.Setup("svtd", env,
			logging.WithRotatingFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays))
	}

	var shutdownTelemetry func(context.Context) error
	if cfg.Telemetry.Enabled() {
		shutdownTelemetry, err = telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "svtd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
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

	allowAutogenesis, err := resolveAllowAutogenesis(allowAutogenesisCLISet, *allowAutogenesisFlag, os.LookupEnv)
	if err != nil {
		fatal(logger, "resolve autogenesis setting", err)
	}
	genesisPath, err := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, allowAutogenesis, os.LookupEnv)
	if err != nil {
		fatal(logger, "resolve genesis path", err)
	}

	nodeKey, err := loadNodeKey(cfg, passSource.Get)
	if err != nil {
		fatal(logger, "load node key", err)
	}

	var spec *genesis.GenesisSpec
	if genesisPath != "" {
		spec, err = genesis.LoadGenesisSpec(genesisPath)
		if err != nil {
			fatal(logger, "load genesis spec", err)
		}
	} else if allowAutogenesis {
		spec, err = developmentSpec(nodeKey.PubKey().Address())
		if err != nil {
			fatal(logger, "build development genesis", err)
		}
		logger.Warn("running with autogenerated development genesis",
			"chainId", spec.ChainID,
			"validator", nodeKey.PubKey().Address().String())
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		fatal(logger, "open database", err)
	}
	defer db.Close()

	node, err := core.NewNode(db, nodeKey, spec)
	if err != nil {
		fatal(logger, "initialise node", err)
	}
	node.SetLogger(logger)
	node.SetMempoolLimit(cfg.Mempool.MaxTransactions)

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		MaxTxPerWindow:    cfg.RPCMaxTxPerWindow,
		RateLimitWindow:   time.Duration(cfg.RPCRateLimitSeconds) * time.Second,
		TrustProxyHeaders: cfg.RPCTrustProxyHeaders,
	})
	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()
	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		fatal(logger, "start RPC server", err)
	}
	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server terminated", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("node running",
		"network", cfg.NetworkName,
		"rpc", cfg.RPCAddress,
		"blockInterval", cfg.BlockIntervalSeconds)

	interval := time.Duration(cfg.BlockIntervalSeconds) * time.Second
	if err := node.SealLoop(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "seal loop", err)
	}
	logger.Info("node stopped")
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath picks the genesis source: CLI flag, then environment,
// then config. An empty result is only acceptable when autogenesis is
// explicitly enabled.
func resolveGenesisPath(cliPath string, cfgPath string, allowAutogenesis bool, lookup envLookupFunc) (string, error) {
	trimmedCLI := strings.TrimSpace(cliPath)
	if trimmedCLI != "" {
		return trimmedCLI, nil
	}

	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			trimmedEnv := strings.TrimSpace(value)
			if trimmedEnv != "" {
				return trimmedEnv, nil
			}
		}
	}

	trimmedCfg := strings.TrimSpace(cfgPath)
	if trimmedCfg != "" {
		return trimmedCfg, nil
	}

	if allowAutogenesis {
		return "", nil
	}

	return "", fmt.Errorf("no genesis spec provided; supply one via --genesis, %s, or config GenesisFile, or explicitly enable autogenesis (--allow-autogenesis / %s)", genesisPathEnv, allowAutogenesisEnv)
}

func resolveAllowAutogenesis(cliSet bool, cliValue bool, lookup envLookupFunc) (bool, error) {
	allow := false

	if lookup != nil {
		if value, ok := lookup(allowAutogenesisEnv); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				parsed, err := strconv.ParseBool(trimmed)
				if err != nil {
					return false, fmt.Errorf("invalid %s value %q: %w", allowAutogenesisEnv, trimmed, err)
				}
				allow = parsed
			}
		}
	}

	if cliSet {
		allow = cliValue
	}

	return allow, nil
}

// developmentSpec provisions a single-operator chain: the node key holds the
// circulating units and currency, the pool is seeded on both legs, and the
// keeper starts with a small redemption reserve.
func developmentSpec(operator crypto.Address) (*genesis.GenesisSpec, error) {
	spec := &genesis.GenesisSpec{
		GenesisTime: time.Now().UTC().Format(time.RFC3339),
		ChainID:     devChainID,
		Token: genesis.TokenSpec{
			Symbol:   "SVT",
			Name:     "Solid Value Token",
			Decimals: 18,
		},
		Alloc: map[string]genesis.AccountAlloc{
			operator.String(): {
				SLV: "1000000000000000000000000",
				SVT: "1000000000000000000000",
			},
		},
		Pool: genesis.PoolSpec{
			Currency: "100000000000000000000",
			Units:    "50000000000000000000",
		},
		KeeperReserve: "10000000000000000000",
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func loadNodeKey(cfg *config.Config, resolvePassphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if cfg.NodeKeystorePath == "" {
		return nil, fmt.Errorf("node keystore path not configured")
	}
	if resolvePassphrase == nil {
		return nil, fmt.Errorf("node keystore passphrase required; set %s or run interactively", nodePassEnv)
	}
	pass, err := resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("obtain node keystore passphrase: %w", err)
	}
	if strings.TrimSpace(pass) == "" {
		return nil, fmt.Errorf("node keystore passphrase cannot be empty")
	}
	key, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", cfg.NodeKeystorePath, err)
	}
	return key, nil
}

func flagWasProvided(name string) bool {
	provided := false
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
