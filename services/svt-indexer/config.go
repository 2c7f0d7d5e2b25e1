package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for the indexer service.
type Config struct {
	ListenAddress   string
	NodeWSURL       string
	DatabasePath    string
	EndpointDBPath  string
	AdminToken      string
	QueueCapacity   int
	QueueTTL        time.Duration
	ReconnectDelay  time.Duration
	DeliveryTimeout time.Duration
}

// LoadConfigFromEnv builds a configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:   getenvDefault("SVT_INDEXER_LISTEN", ":8082"),
		NodeWSURL:       strings.TrimSpace(os.Getenv("SVT_INDEXER_NODE_WS_URL")),
		DatabasePath:    getenvDefault("SVT_INDEXER_DB_PATH", "svt-indexer.db"),
		EndpointDBPath:  getenvDefault("SVT_INDEXER_ENDPOINT_DB_PATH", "svt-indexer-endpoints.db"),
		AdminToken:      strings.TrimSpace(os.Getenv("SVT_INDEXER_ADMIN_TOKEN")),
		QueueCapacity:   defaultQueueCapacity,
		QueueTTL:        defaultQueueTTL,
		ReconnectDelay:  5 * time.Second,
		DeliveryTimeout: 10 * time.Second,
	}

	if cfg.NodeWSURL == "" {
		return Config{}, errors.New("SVT_INDEXER_NODE_WS_URL is required")
	}
	if !strings.HasPrefix(cfg.NodeWSURL, "ws://") && !strings.HasPrefix(cfg.NodeWSURL, "wss://") {
		return Config{}, fmt.Errorf("SVT_INDEXER_NODE_WS_URL must use ws or wss, got %q", cfg.NodeWSURL)
	}

	if raw := strings.TrimSpace(os.Getenv("SVT_INDEXER_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SVT_INDEXER_QUEUE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SVT_INDEXER_QUEUE_CAP must be positive")
		}
		cfg.QueueCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("SVT_INDEXER_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SVT_INDEXER_QUEUE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SVT_INDEXER_QUEUE_TTL must be positive")
		}
		cfg.QueueTTL = dur
	}

	if raw := strings.TrimSpace(os.Getenv("SVT_INDEXER_RECONNECT_DELAY")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SVT_INDEXER_RECONNECT_DELAY: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SVT_INDEXER_RECONNECT_DELAY must be positive")
		}
		cfg.ReconnectDelay = dur
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
