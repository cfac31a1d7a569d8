// Package config provides configuration loading for the faucet daemon.
// All tunable parameters (network, wallet, fees, preload types) live here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/satfaucet/faucetd/internal/chain"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the faucet daemon.
type Config struct {
	// Network is the Bitcoin network name (mainnet, testnet, regtest).
	Network string `yaml:"network"`

	Server  ServerConfig  `yaml:"server"`
	Indexer IndexerConfig `yaml:"indexer"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Faucet  FaucetConfig  `yaml:"faucet"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Listen is the host:port the HTTP API binds to.
	Listen string `yaml:"listen"`
}

// IndexerConfig holds settings for the remote blockchain indexer.
type IndexerConfig struct {
	// URL is the base URL of an Esplora-compatible API.
	URL string `yaml:"url"`

	// TimeoutSeconds bounds every outbound indexer request.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the indexer request timeout.
func (c IndexerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WalletConfig holds hot wallet settings.
type WalletConfig struct {
	// Mnemonic is the BIP39 mnemonic of the hot wallet. Ignored when
	// SeedFile is set.
	Mnemonic string `yaml:"mnemonic,omitempty"`

	// Passphrase is the optional BIP39 passphrase.
	Passphrase string `yaml:"passphrase,omitempty"`

	// SeedFile points at an encrypted seed file written by -encrypt-seed.
	// When set, the mnemonic is decrypted at startup with SeedPassword.
	SeedFile     string `yaml:"seed_file,omitempty"`
	SeedPassword string `yaml:"seed_password,omitempty"`

	// PoolSize is the number of addresses derived for the shared pool.
	PoolSize int `yaml:"pool_size"`

	// FeePerKB is the static fee rate in satoshis per kilobyte.
	FeePerKB uint64 `yaml:"fee_per_kb"`

	// SafetyMargin is added to every required amount before coin
	// selection, absorbing fee drift against the indexer view.
	SafetyMargin uint64 `yaml:"safety_margin"`

	// MaxCoinValue caps the value of a single pool coin. A refresh that
	// finds a larger coin splits it with a self-send. Zero disables
	// splitting.
	MaxCoinValue uint64 `yaml:"max_coin_value"`
}

// FaucetConfig holds faucet policy settings.
type FaucetConfig struct {
	// WithdrawalMax is the largest amount one withdrawal may request.
	WithdrawalMax uint64 `yaml:"withdrawal_max"`

	// RetryBackoffSeconds is the wait between funding retries for
	// internal operations that must eventually succeed.
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`

	// RefreshIntervalSeconds is the period of the background pool rescan.
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`

	Preload PreloadConfig `yaml:"preload"`
}

// RetryBackoff returns the funding retry backoff.
func (c FaucetConfig) RetryBackoff() time.Duration {
	if c.RetryBackoffSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// RefreshInterval returns the background refresh period.
func (c FaucetConfig) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// PreloadConfig holds preload stockpile settings.
type PreloadConfig struct {
	// Stockpile is the default per-type bundle target.
	Stockpile int `yaml:"stockpile"`

	// Threshold is the default count at or below which a type is
	// replenished. Must be below the stockpile.
	Threshold int `yaml:"threshold"`

	Types []PreloadType `yaml:"types"`
}

// PreloadType describes one named preload bundle shape.
type PreloadType struct {
	Name string `yaml:"name"`

	// Values are the output denominations (satoshis) of one bundle.
	Values []uint64 `yaml:"values"`

	// Stockpile and Threshold override the defaults when non-zero.
	Stockpile int `yaml:"stockpile,omitempty"`
	Threshold int `yaml:"threshold,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the sqlite database and seed file.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a testnet configuration with faucet defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: string(chain.Testnet),
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
		Indexer: IndexerConfig{
			URL:            "https://blockstream.info/testnet/api",
			TimeoutSeconds: 30,
		},
		Wallet: WalletConfig{
			PoolSize:     10,
			FeePerKB:     10_000,
			SafetyMargin: 1_000_000,
		},
		Faucet: FaucetConfig{
			WithdrawalMax:          1_000_000,
			RetryBackoffSeconds:    30,
			RefreshIntervalSeconds: 300,
			Preload: PreloadConfig{
				Stockpile: 5,
				Threshold: 2,
			},
		},
		Storage: StorageConfig{
			DataDir: "~/.faucetd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads the config file at path. A missing file is created with
// defaults first, so a fresh data directory is self-documenting.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration for startup-blocking mistakes.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(c.Network); err != nil {
		return err
	}

	if c.Wallet.Mnemonic == "" && c.Wallet.SeedFile == "" {
		return fmt.Errorf("wallet: either mnemonic or seed_file is required")
	}
	if c.Wallet.PoolSize <= 0 {
		return fmt.Errorf("wallet: pool_size must be positive, got %d", c.Wallet.PoolSize)
	}
	if c.Wallet.FeePerKB == 0 {
		return fmt.Errorf("wallet: fee_per_kb must be positive")
	}

	if c.Faucet.WithdrawalMax <= chain.DustLimit {
		return fmt.Errorf("faucet: withdrawal_max %d must exceed the dust limit %d",
			c.Faucet.WithdrawalMax, chain.DustLimit)
	}

	names := make(map[string]bool)
	for _, pt := range c.Faucet.Preload.Types {
		if pt.Name == "" {
			return fmt.Errorf("preload: type with empty name")
		}
		if names[pt.Name] {
			return fmt.Errorf("preload: duplicate type %q", pt.Name)
		}
		names[pt.Name] = true

		if len(pt.Values) == 0 {
			return fmt.Errorf("preload %q: values must not be empty", pt.Name)
		}
		for _, v := range pt.Values {
			if v <= chain.DustLimit {
				return fmt.Errorf("preload %q: value %d is at or below the dust limit", pt.Name, v)
			}
		}

		stockpile, threshold := c.Faucet.Preload.ResolveTargets(pt)
		if stockpile <= 0 {
			return fmt.Errorf("preload %q: stockpile must be positive", pt.Name)
		}
		if threshold >= stockpile {
			return fmt.Errorf("preload %q: threshold %d must be below stockpile %d",
				pt.Name, threshold, stockpile)
		}
	}

	if c.Indexer.URL == "" {
		return fmt.Errorf("indexer: url is required")
	}

	return nil
}

// ResolveTargets returns the effective stockpile and threshold for a type,
// falling back to the shared defaults where the type leaves them zero.
func (p PreloadConfig) ResolveTargets(pt PreloadType) (stockpile, threshold int) {
	stockpile = pt.Stockpile
	if stockpile == 0 {
		stockpile = p.Stockpile
	}
	threshold = pt.Threshold
	if threshold == 0 {
		threshold = p.Threshold
	}
	return stockpile, threshold
}
