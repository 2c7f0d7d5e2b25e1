package config

const (
	// DefaultBlockIntervalSeconds is the sealer cadence applied when the
	// config file does not set one.
	DefaultBlockIntervalSeconds = uint64(5)

	// DefaultMempoolMaxTransactions bounds the pending queue unless the
	// operator overrides it.
	DefaultMempoolMaxTransactions = 4096

	// DefaultRPCMaxTxPerWindow caps submissions per client per window.
	DefaultRPCMaxTxPerWindow = 5

	// DefaultRPCRateLimitSeconds is the length of the submission window.
	DefaultRPCRateLimitSeconds = 60
)

// MempoolConfig controls transaction admission limits.
type MempoolConfig struct {
	MaxTransactions int `toml:"MaxTransactions"`
}

// LogConfig configures the optional rotating file sink next to the stdout
// JSON stream. An empty File disables the sink.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

func (l *LogConfig) applyDefaults() {
	if l.File == "" {
		return
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = 100
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 5
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = 28
	}
}

// TelemetryConfig wires the OTLP exporters. Disabled unless an endpoint is
// configured or one of the signal switches is set.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Enabled reports whether any telemetry signal should be exported.
func (t TelemetryConfig) Enabled() bool {
	return t.Metrics || t.Traces
}
