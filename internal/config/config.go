package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/offsync/internal/codec"
	"github.com/alexjbarnes/offsync/internal/conflict"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// maxBatchSize bounds OFFSYNC_BATCH_SIZE. Larger pages risk hitting
	// the remote's request size limit.
	maxBatchSize = 1000

	// mcpAPIKeyMinLen is the minimum length for the MCP bearer key.
	mcpAPIKeyMinLen = 16

	storeFile    = "offsync.db"
	keystoreFile = "keystore.db"
)

// Config holds all environment-based configuration for offsync.
type Config struct {
	// Remote authority URL. Pushes POST here, fetches GET here.
	Endpoint string `env:"OFFSYNC_ENDPOINT"`

	BatchSize  int `env:"OFFSYNC_BATCH_SIZE" envDefault:"50"`
	MaxRetries int `env:"OFFSYNC_MAX_RETRIES" envDefault:"5"`

	// EncryptionKey is 64 hex characters (raw key) or a passphrase. When
	// empty a random key is generated and kept in the keystore.
	EncryptionKey string `env:"OFFSYNC_ENCRYPTION_KEY"`
	IVPolicy      string `env:"OFFSYNC_IV_POLICY" envDefault:"random"`
	IV            string `env:"OFFSYNC_IV"`

	// DataDir holds the record store and the keystore. Defaults to
	// ~/.offsync.
	DataDir string `env:"OFFSYNC_DATA_DIR"`

	// SessionToken seeds the persisted token on startup when set.
	SessionToken string `env:"OFFSYNC_SESSION_TOKEN"`

	ConflictPolicy   string        `env:"OFFSYNC_CONFLICT_POLICY" envDefault:"local-fields"`
	HTTPTimeout      time.Duration `env:"OFFSYNC_HTTP_TIMEOUT" envDefault:"30s"`
	PruneSyncedAfter time.Duration `env:"OFFSYNC_PRUNE_SYNCED_AFTER" envDefault:"0"`

	// FetchMaxBytes caps a fetch response. A larger body fails the pull
	// rather than being applied partially.
	FetchMaxBytes int64 `env:"OFFSYNC_FETCH_MAX_BYTES" envDefault:"67108864"`

	// Connectivity sources. Both may be set; events from either trigger.
	ConnectivityFile     string `env:"OFFSYNC_CONNECTIVITY_FILE"`
	ConnectivityProbeURL string `env:"OFFSYNC_CONNECTIVITY_PROBE_URL"`

	// MCP surface. Disabled when the listen address is empty.
	MCPListenAddr string `env:"OFFSYNC_MCP_LISTEN_ADDR"`
	MCPAPIKey     string `env:"OFFSYNC_MCP_API_KEY"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the encryption key to other users.
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

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("OFFSYNC_ENDPOINT is required")
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("OFFSYNC_ENDPOINT must be an http or https URL")
	}

	if c.BatchSize < 1 || c.BatchSize > maxBatchSize {
		return fmt.Errorf("OFFSYNC_BATCH_SIZE must be between 1 and %d", maxBatchSize)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("OFFSYNC_MAX_RETRIES must be at least 1")
	}

	switch codec.IVPolicy(c.IVPolicy) {
	case codec.IVRandom:
	case codec.IVFixed:
		if c.IV == "" {
			return fmt.Errorf("OFFSYNC_IV is required when OFFSYNC_IV_POLICY is fixed")
		}

		if _, err := codec.ParseIV(c.IV); err != nil {
			return fmt.Errorf("OFFSYNC_IV: %w", err)
		}
	default:
		return fmt.Errorf("OFFSYNC_IV_POLICY must be %q or %q", codec.IVRandom, codec.IVFixed)
	}

	switch c.ConflictPolicy {
	case conflict.PolicyLocalFields, conflict.PolicyRemote, conflict.PolicyThreeWay:
	default:
		return fmt.Errorf("OFFSYNC_CONFLICT_POLICY must be one of %s, %s, %s",
			conflict.PolicyLocalFields, conflict.PolicyRemote, conflict.PolicyThreeWay)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("OFFSYNC_HTTP_TIMEOUT must be positive")
	}

	if c.FetchMaxBytes < 1 {
		return fmt.Errorf("OFFSYNC_FETCH_MAX_BYTES must be positive")
	}

	if c.PruneSyncedAfter < 0 {
		return fmt.Errorf("OFFSYNC_PRUNE_SYNCED_AFTER must not be negative")
	}

	if c.ConnectivityProbeURL != "" {
		u, err := url.Parse(c.ConnectivityProbeURL)
		if err != nil || !isProbeScheme(u.Scheme) {
			return fmt.Errorf("OFFSYNC_CONNECTIVITY_PROBE_URL must be a ws, wss, http or https URL")
		}
	}

	if c.MCPListenAddr != "" && len(c.MCPAPIKey) < mcpAPIKeyMinLen {
		return fmt.Errorf("OFFSYNC_MCP_API_KEY of at least %d characters is required when OFFSYNC_MCP_LISTEN_ADDR is set", mcpAPIKeyMinLen)
	}

	return nil
}

func isProbeScheme(s string) bool {
	switch strings.ToLower(s) {
	case "ws", "wss", "http", "https":
		return true
	}

	return false
}

// DefaultDataDir returns ~/.offsync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".offsync"), nil
}

// StorePath is the record store file inside DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, storeFile)
}

// KeystorePath is the keystore file inside DataDir.
func (c *Config) KeystorePath() string {
	return filepath.Join(c.DataDir, keystoreFile)
}

// CodecOptions returns the codec options for the configured IV policy.
// Load has already validated the IV.
func (c *Config) CodecOptions() []codec.Option {
	if codec.IVPolicy(c.IVPolicy) != codec.IVFixed {
		return nil
	}

	iv, err := codec.ParseIV(c.IV)
	if err != nil {
		return nil
	}

	return []codec.Option{codec.WithFixedIV(iv)}
}

// MCPEnabled reports whether the MCP surface should be served.
func (c *Config) MCPEnabled() bool {
	return c.MCPListenAddr != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
