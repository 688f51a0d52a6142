package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the relay daemon. Values come
// from an optional TOML file, overridden by MOLT_* environment variables.
type Config struct {
	Port        string `toml:"Port"`
	DatabaseURL string `toml:"DatabaseURL"`
	Env         string `toml:"Env"`
	LogRequests bool   `toml:"LogRequests"`

	HeartbeatMaxWait time.Duration `toml:"HeartbeatMaxWait"`
	RateWindow       time.Duration `toml:"RateWindow"`
	RateIPLimit      int           `toml:"RateIPLimit"`
	RatePubKeyLimit  int           `toml:"RatePubKeyLimit"`
	RateStrictLimit  int           `toml:"RateStrictLimit"`
	IdempotencyTTL   time.Duration `toml:"IdempotencyTTL"`
	QuoteDefaultTTL  time.Duration `toml:"QuoteDefaultTTL"`
	QuoteMaxTTL      time.Duration `toml:"QuoteMaxTTL"`
	PaymentTTL       time.Duration `toml:"PaymentTTL"`
	LockTTL          time.Duration `toml:"LockTTL"`
	NonceTTL         time.Duration `toml:"NonceTTL"`
	AuthSkew         time.Duration `toml:"AuthSkew"`
	BodyMax          int64         `toml:"BodyMax"`
}

// Defaults returns the documented default knobs.
func Defaults() Config {
	return Config{
		Port:             "8080",
		Env:              "dev",
		LogRequests:      true,
		HeartbeatMaxWait: 30 * time.Second,
		RateWindow:       time.Minute,
		RateIPLimit:      120,
		RatePubKeyLimit:  60,
		RateStrictLimit:  30,
		IdempotencyTTL:   24 * time.Hour,
		QuoteDefaultTTL:  15 * time.Minute,
		QuoteMaxTTL:      60 * time.Minute,
		PaymentTTL:       30 * time.Minute,
		LockTTL:          5 * time.Minute,
		NonceTTL:         10 * time.Minute,
		AuthSkew:         60 * time.Second,
		BodyMax:          300 << 10,
	}
}

// FromEnv loads configuration: defaults, then the TOML file named by
// MOLT_CONFIG when set, then environment overrides.
func FromEnv() (*Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("MOLT_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("MOLT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("MOLT_DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MOLT_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("MOLT_LOG_REQUESTS"); v != "" {
		cfg.LogRequests = v == "1" || strings.EqualFold(v, "true")
	}

	var err error
	if cfg.HeartbeatMaxWait, err = envDurationMS("MOLT_HEARTBEAT_MAX_WAIT_MS", cfg.HeartbeatMaxWait); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = envDurationSecs("MOLT_RATE_WINDOW", cfg.RateWindow); err != nil {
		return nil, err
	}
	if cfg.RateIPLimit, err = envInt("MOLT_RATE_IP_LIMIT", cfg.RateIPLimit); err != nil {
		return nil, err
	}
	if cfg.RatePubKeyLimit, err = envInt("MOLT_RATE_PUBKEY_LIMIT", cfg.RatePubKeyLimit); err != nil {
		return nil, err
	}
	if cfg.RateStrictLimit, err = envInt("MOLT_RATE_STRICT_LIMIT", cfg.RateStrictLimit); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = envDurationSecs("MOLT_IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return nil, err
	}
	if cfg.QuoteDefaultTTL, err = envDurationSecs("MOLT_QUOTE_DEFAULT_TTL", cfg.QuoteDefaultTTL); err != nil {
		return nil, err
	}
	if cfg.QuoteMaxTTL, err = envDurationSecs("MOLT_QUOTE_MAX_TTL", cfg.QuoteMaxTTL); err != nil {
		return nil, err
	}
	if cfg.PaymentTTL, err = envDurationSecs("MOLT_PAYMENT_TTL", cfg.PaymentTTL); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = envDurationSecs("MOLT_LOCK_TTL", cfg.LockTTL); err != nil {
		return nil, err
	}
	if cfg.NonceTTL, err = envDurationSecs("MOLT_NONCE_TTL", cfg.NonceTTL); err != nil {
		return nil, err
	}
	if cfg.AuthSkew, err = envDurationSecs("MOLT_AUTH_SKEW", cfg.AuthSkew); err != nil {
		return nil, err
	}
	if v := os.Getenv("MOLT_BODY_MAX"); v != "" {
		n, parseErr := strconv.ParseInt(v, 10, 64)
		if parseErr != nil || n <= 0 {
			return nil, fmt.Errorf("MOLT_BODY_MAX must be a positive integer, got %q", v)
		}
		cfg.BodyMax = n
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("MOLT_DB_URL is required")
	}
	return &cfg, nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, v)
	}
	return n, nil
}

func envDurationSecs(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", name, v)
	}
	return time.Duration(n) * time.Second, nil
}

func envDurationMS(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of milliseconds, got %q", name, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}
