// Package config centralises runtime configuration helpers for marketgate services.
package config

import (
	"os"
	"strings"
	"time"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated REST requests.
// The key is optional; public market-data endpoints work without it.
type Credentials struct {
	APIKey string
}

// ExchangeSettings aggregates transport and credential configuration.
type ExchangeSettings struct {
	RESTBaseURL      string
	WebsocketBaseURL string
	Credentials      Credentials
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Settings contains the gateway configuration tree loaded from defaults and
// environment overrides.
type Settings struct {
	Environment Environment
	Exchange    ExchangeSettings
}

// Default returns the default gateway configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Exchange: ExchangeSettings{
			RESTBaseURL:      "https://fapi.binance.com",
			WebsocketBaseURL: "wss://fstream.binance.com/stream",
			Credentials:      Credentials{APIKey: ""},
			HTTPTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("MARKETGATE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("EXCHANGE_REST_BASE_URL")); v != "" {
		cfg.Exchange.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EXCHANGE_WS_URL")); v != "" {
		cfg.Exchange.WebsocketBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EXCHANGE_API_KEY")); v != "" {
		cfg.Exchange.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EXCHANGE_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Exchange.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("EXCHANGE_WS_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Exchange.HandshakeTimeout = dur
		}
	}
	return cfg
}
