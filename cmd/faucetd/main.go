// Package main provides the faucetd daemon - a custodial testnet faucet.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/satfaucet/faucetd/internal/api"
	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/internal/config"
	"github.com/satfaucet/faucetd/internal/faucet"
	"github.com/satfaucet/faucetd/internal/indexer"
	"github.com/satfaucet/faucetd/internal/storage"
	"github.com/satfaucet/faucetd/internal/wallet"
	"github.com/satfaucet/faucetd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.faucetd", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "HTTP API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		encryptSeed = flag.Bool("encrypt-seed", false, "Read a mnemonic and password from stdin, write an encrypted seed file, and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		fmt.Printf("faucetd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if *encryptSeed {
		if err := runEncryptSeed(*dataDir); err != nil {
			log.Fatal("Failed to encrypt seed", "error", err)
		}
		os.Exit(0)
	}

	configPath := *configFile
	if configPath == "" {
		configPath = config.ConfigPath(expandPath(*dataDir))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *dataDir != "~/.faucetd" {
		cfg.Storage.DataDir = *dataDir
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err, "path", configPath)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", configPath)

	network, err := chain.ParseNetwork(cfg.Network)
	if err != nil {
		log.Fatal("Invalid network", "error", err)
	}

	store, err := storage.New(&storage.Config{
		DataDir: cfg.Storage.DataDir,
		Network: string(network),
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "dir", cfg.Storage.DataDir)

	idx := indexer.NewEsploraClient(cfg.Indexer.URL, cfg.Indexer.Timeout(), network)
	log.Info("Indexer client initialized", "url", cfg.Indexer.URL)

	f := faucet.New(cfg, network, store, idx, log.Component("faucet"))

	server := api.NewServer(f, api.VersionInfo{Version: version, Commit: commit})
	if err := server.Start(cfg.Server.Listen); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	// Wallet initialization runs in the background; the API serves
	// status requests while the coin scan is still in flight.
	f.Start()

	log.Info("faucetd started",
		"version", version, "network", network, "api", cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig.String())

	if err := server.Stop(); err != nil {
		log.Error("API server shutdown error", "error", err)
	}
	f.Stop()
	log.Info("Shutdown complete")
}

// runEncryptSeed reads two lines from stdin (mnemonic, then password) and
// writes <data-dir>/wallet.seed.
func runEncryptSeed(dataDir string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Fprint(os.Stderr, "Mnemonic: ")
	mnemonic, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read mnemonic: %w", err)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	sf, err := wallet.EncryptMnemonic(strings.TrimSpace(mnemonic), strings.TrimSpace(password))
	if err != nil {
		return err
	}

	path := filepath.Join(expandPath(dataDir), "wallet.seed")
	if err := wallet.SaveSeedFile(sf, path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Encrypted seed written to %s\n", path)
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
