package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the deed gateway service.
type Config struct {
	ListenAddress        string
	NodeURL              string
	NodeAuthToken        string
	DatabasePath         string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	APIKeys              []APIKeyConfig
	Environment          string
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("DEED_GATEWAY_LISTEN", ":8081"),
		NodeURL:              os.Getenv("DEED_GATEWAY_NODE_URL"),
		NodeAuthToken:        os.Getenv("DEED_GATEWAY_NODE_TOKEN"),
		DatabasePath:         getenvDefault("DEED_GATEWAY_DB_PATH", "deed-gateway.db"),
		AllowedTimestampSkew: 2 * time.Minute,
		Environment:          getenvDefault("DEED_GATEWAY_ENV", "dev"),
	}

	if raw := strings.TrimSpace(os.Getenv("DEED_GATEWAY_TIMESTAMP_SKEW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse DEED_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("DEED_GATEWAY_TIMESTAMP_SKEW must be positive")
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("DEED_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse DEED_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("DEED_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("DEED_GATEWAY_NODE_URL is required")
	}

	rawKeys := strings.TrimSpace(os.Getenv("DEED_GATEWAY_API_KEYS"))
	if rawKeys == "" {
		return Config{}, errors.New("DEED_GATEWAY_API_KEYS is required")
	}
	if err := json.Unmarshal([]byte(rawKeys), &cfg.APIKeys); err != nil {
		return Config{}, fmt.Errorf("parse DEED_GATEWAY_API_KEYS: %w", err)
	}
	for _, key := range cfg.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return Config{}, errors.New("API key entries require both key and secret")
		}
	}

	return cfg, nil
}

func getenvDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
