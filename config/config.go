package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/attestation"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/network"
)

// Config holds all configurable parameters for the application
type Config struct {
	GethURL    string `json:"geth_url"`
	ListenAddr string `json:"listen_addr"`

	// Followed token
	ContractAddress common.Address   `json:"contract_address"`
	BalanceSlot     uint64           `json:"balance_slot"`
	StartBlock      uint64           `json:"start_block"`
	Holders         []common.Address `json:"holders"`

	// Verifier fetch tuning
	LogRange     uint64 `json:"log_range"`
	ProofBatch   int    `json:"proof_batch"`
	ProofWorkers int    `json:"proof_workers"`
	RPCTimeoutMs int    `json:"rpc_timeout_ms"`

	StorageDir string `json:"storage_dir"`
	CacheMB    int    `json:"cache_mb"`

	QuoteSocket       string `json:"quote_socket"`
	AttestationPolicy string `json:"attestation_policy"`
	QuoteTimeoutMs    int    `json:"quote_timeout_ms"`

	InitProgressEvery   int `json:"init_progress_every"`
	UpdateProgressEvery int `json:"update_progress_every"`
	InitRetries         int `json:"init_retries"`
	UpdateIntervalMs    int `json:"update_interval_ms"`

	MaxQueryKeys int   `json:"max_query_keys"`
	MaxBodyBytes int64 `json:"max_body_bytes"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	Network network.Config `json:"network"`
}

// Default returns the configuration used for fields a config file omits.
func Default() *Config {
	return &Config{
		ListenAddr:          "0.0.0.0:3000",
		LogRange:            2000,
		ProofBatch:          64,
		ProofWorkers:        4,
		RPCTimeoutMs:        30_000,
		QuoteSocket:         attestation.DefaultSocket,
		AttestationPolicy:   string(attestation.PolicyStrict),
		QuoteTimeoutMs:      10_000,
		InitProgressEvery:   100_000,
		UpdateProgressEvery: 10_000,
		InitRetries:         5,
		MaxQueryKeys:        1024,
		MaxBodyBytes:        1 << 20,
		LogLevel:            "info",
	}
}

// Load reads and parses a config file on top of the defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config/config.json"

// LoadDefault loads the default config from config.json in the config directory
func LoadDefault() (*Config, error) {
	return Load(DefaultPath)
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GETH_URL"); v != "" {
		c.GethURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("TAPPD_SOCKET"); v != "" {
		c.QuoteSocket = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.GethURL == "" {
		errs = append(errs, errors.New("geth_url is required (or set GETH_URL)"))
	}
	if _, err := attestation.ParsePolicy(c.AttestationPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.LogRange == 0 {
		errs = append(errs, errors.New("log_range must be positive"))
	}
	if c.ProofBatch <= 0 {
		errs = append(errs, errors.New("proof_batch must be positive"))
	}
	if c.ProofWorkers <= 0 {
		errs = append(errs, errors.New("proof_workers must be positive"))
	}
	if c.MaxQueryKeys <= 0 {
		errs = append(errs, errors.New("max_query_keys must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.Network.DelayEnabled && c.Network.MaxDelayMs < c.Network.MinDelayMs {
		errs = append(errs, errors.New("network.max_delay_ms is below network.min_delay_ms"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel. An empty level is info.
func (c *Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return 0, fmt.Errorf("unknown log_level %q", c.LogLevel)
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMs) * time.Millisecond
}

func (c *Config) QuoteTimeout() time.Duration {
	return time.Duration(c.QuoteTimeoutMs) * time.Millisecond
}

// UpdateInterval is zero when updates are only triggered through /update.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}
