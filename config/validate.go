package config

import "fmt"

// Validate rejects configurations a node cannot run with. It is called by
// Load after defaults are applied, so zero values only surface here when the
// operator set them explicitly to something out of range.
func (c *Config) Validate() error {
	if c.BlockIntervalSeconds == 0 {
		return fmt.Errorf("config: BlockIntervalSeconds must be greater than zero")
	}
	if c.Mempool.MaxTransactions < 0 {
		return fmt.Errorf("config: mempool MaxTransactions must not be negative")
	}
	if c.RPCMaxTxPerWindow <= 0 {
		return fmt.Errorf("config: RPCMaxTxPerWindow must be greater than zero")
	}
	if c.RPCRateLimitSeconds <= 0 {
		return fmt.Errorf("config: RPCRateLimitSeconds must be greater than zero")
	}
	if c.Log.File != "" {
		if c.Log.MaxSizeMB <= 0 {
			return fmt.Errorf("config: log MaxSizeMB must be greater than zero when a log file is set")
		}
		if c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
			return fmt.Errorf("config: log retention values must not be negative")
		}
	}
	return nil
}
