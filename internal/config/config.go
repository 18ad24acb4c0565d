// Package config loads engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the vault state engine.
type Config struct {
	// Solana endpoints
	RPCEndpoint string
	WSEndpoint  string

	// Alternative push transport. Empty NATSURL means the WebSocket feed is used.
	NATSURL           string
	NATSSubjectPrefix string

	// Storage
	PostgresDSN   string
	ClickhouseDSN string
	UseMemory     bool

	// Watched resources
	Accounts []string
	Vaults   []string

	// Subscription debounce
	QuietPeriod time.Duration

	// Periodic finality sweep over watched accounts. Zero disables it.
	ReconcileInterval time.Duration

	// Vault program, used for address derivation
	ProgramID string

	// Retry policy
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       float64

	// Derivation
	YieldWindow     int
	YieldWindowDays float64
	MalformedPolicy string
	DeriveInterval  time.Duration

	// HTTP
	MetricsAddr string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: environment variables > .env file > hardcoded defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RPCEndpoint: getEnv("SOLANA_RPC_ENDPOINT", ""),
		WSEndpoint:  getEnv("SOLANA_WS_ENDPOINT", ""),

		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "vault.accounts"),

		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		ClickhouseDSN: getEnv("CLICKHOUSE_DSN", ""),
		UseMemory:     getEnvBool("USE_MEMORY", false),

		Accounts: getEnvList("WATCH_ACCOUNTS"),
		Vaults:   getEnvList("VAULTS"),

		QuietPeriod: getEnvDuration("DEBOUNCE_QUIET_PERIOD", 50*time.Millisecond),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		ProgramID:         getEnv("VAULT_PROGRAM_ID", ""),

		RetryMaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		RetryJitter:       getEnvFloat("RETRY_JITTER", 0.2),

		YieldWindow:     getEnvInt("YIELD_WINDOW", 30),
		YieldWindowDays: getEnvFloat("YIELD_WINDOW_DAYS", 0),
		MalformedPolicy: getEnv("MALFORMED_POLICY", "skip"),
		DeriveInterval:  getEnvDuration("DERIVE_INTERVAL", 5*time.Minute),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		LogLevel: getEnv("VAULT_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that configured values are in range.
// Endpoint presence is checked by the binaries that need them.
func (c *Config) Validate() error {
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryInitialDelay <= 0 {
		return fmt.Errorf("RETRY_INITIAL_DELAY must be positive")
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_INITIAL_DELAY")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be between 0 and 1")
	}
	if c.QuietPeriod <= 0 {
		return fmt.Errorf("DEBOUNCE_QUIET_PERIOD must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.YieldWindow < 1 {
		return fmt.Errorf("YIELD_WINDOW must be at least 1")
	}
	if c.YieldWindowDays < 0 {
		return fmt.Errorf("YIELD_WINDOW_DAYS must not be negative")
	}
	switch c.MalformedPolicy {
	case "skip", "abort":
	default:
		return fmt.Errorf("MALFORMED_POLICY must be skip or abort, got %q", c.MalformedPolicy)
	}
	return nil
}

// MaskedClickhouseDSN returns the DSN with most characters hidden for logging.
func (c *Config) MaskedClickhouseDSN() string {
	return maskSecret(c.ClickhouseDSN)
}

// MaskedPostgresDSN returns the DSN with most characters hidden for logging.
func (c *Config) MaskedPostgresDSN() string {
	return maskSecret(c.PostgresDSN)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as a float64 or returns a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves an environment variable as a time.Duration or returns a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var list []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			list = append(list, p)
		}
	}
	return list
}
