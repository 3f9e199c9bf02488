package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/mcp-connect/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// APIKeyPrefix marks host API keys so they are recognisable in logs
	// and config.
	APIKeyPrefix = "mc_"

	// APIKeyMinLen is the minimum key length including the prefix.
	APIKeyMinLen = 35

	// secretMinLen is the minimum length of TOKEN_ENCRYPTION_SECRET.
	secretMinLen = 16
)

// Config holds all environment-based configuration for mcp-connect.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`

	// AppURL is the public base URL of the host application. When its
	// host is a bind address the public base is derived per request.
	AppURL string `env:"APP_URL"`

	// StatePath is the bbolt database file. Defaults to
	// ~/.mcp-connect/state.db.
	StatePath string `env:"STATE_PATH"`

	// TokenEncryptionSecret seals tokens and verifiers at rest.
	TokenEncryptionSecret string `env:"TOKEN_ENCRYPTION_SECRET"`

	// APIKeys maps host users to API keys: "user1:mc_key1,user2:mc_key2".
	APIKeys string `env:"API_KEYS"`

	// PluginsFile is an optional YAML plugin registry.
	PluginsFile string `env:"PLUGINS_FILE"`

	// AllowedOrigins are origin patterns accepted for WebSocket upgrades.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	ClientName    string        `env:"CLIENT_NAME" envDefault:"mcp-connect"`

	// MetricsEnabled serves Prometheus metrics at /metrics.
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AppURL == "" {
		return fmt.Errorf("APP_URL is required")
	}

	u, err := url.Parse(c.AppURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("APP_URL must be an absolute http(s) URL")
	}

	if c.TokenEncryptionSecret == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_SECRET is required")
	}

	if len(c.TokenEncryptionSecret) < secretMinLen {
		return fmt.Errorf("TOKEN_ENCRYPTION_SECRET too short (minimum %d characters)", secretMinLen)
	}

	if c.APIKeys == "" {
		return fmt.Errorf("API_KEYS is required")
	}

	if _, err := c.ParseAPIKeys(); err != nil {
		return err
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseAPIKeys parses the API_KEYS string.
// Format: "user1:mc_key1,user2:mc_key2"
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.APIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})
	seenKeys := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if len(key) < APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, APIKeyMinLen)
		}

		suffix := key[len(APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in API_KEYS", userID)
		}

		if _, dup := seenKeys[key]; dup {
			return nil, fmt.Errorf("duplicate key in entry %d", len(entries)+1)
		}

		seenUsers[userID] = struct{}{}
		seenKeys[key] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("API_KEYS has no entries")
	}

	return entries, nil
}
