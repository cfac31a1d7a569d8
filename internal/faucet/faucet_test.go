package faucet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/internal/config"
	"github.com/satfaucet/faucetd/internal/indexer"
	"github.com/satfaucet/faucetd/internal/storage"
	"github.com/satfaucet/faucetd/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fakeIndexer struct {
	mu         sync.Mutex
	utxos      map[string][]indexer.Unspent
	broadcasts int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{utxos: make(map[string][]indexer.Unspent)}
}

func (f *fakeIndexer) GetUnspentOutputs(ctx context.Context, addresses []string) ([]indexer.Unspent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []indexer.Unspent
	for _, a := range addresses {
		all = append(all, f.utxos[a]...)
	}
	return all, nil
}

func (f *fakeIndexer) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	return nil, indexer.ErrTxNotFound
}

func (f *fakeIndexer) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", err
	}
	f.broadcasts++
	return tx.TxHash().String(), nil
}

// externalAddress returns a valid recipient address outside the pool.
func externalAddress(t *testing.T) string {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	addr, err := wallet.P2PKHAddress(key.PubKey(), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("P2PKHAddress() error = %v", err)
	}
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "faucetd-faucet-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	cfg := config.DefaultConfig()
	cfg.Network = "regtest"
	cfg.Wallet.Mnemonic = testMnemonic
	cfg.Wallet.PoolSize = 5
	cfg.Wallet.FeePerKB = 1_000
	cfg.Wallet.SafetyMargin = 0
	cfg.Faucet.WithdrawalMax = 1_000_000
	cfg.Faucet.RetryBackoffSeconds = 1
	cfg.Faucet.RefreshIntervalSeconds = 3600
	cfg.Faucet.Preload.Types = nil
	cfg.Storage.DataDir = tmpDir
	return cfg
}

// startFaucet funds the wallet and runs initialization to completion.
func startFaucet(t *testing.T, cfg *config.Config) (*Faucet, *fakeIndexer) {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir, Network: cfg.Network})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	addrs, err := wallet.DeriveAddressPool(cfg.Wallet.Mnemonic, "", chain.Regtest, cfg.Wallet.PoolSize)
	if err != nil {
		t.Fatalf("DeriveAddressPool() error = %v", err)
	}

	idx := newFakeIndexer()
	fundAddr := addrs.Addresses()[0]
	decoded, err := btcutil.DecodeAddress(fundAddr, addrs.Params())
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}
	idx.utxos[fundAddr] = []indexer.Unspent{{
		Address: fundAddr,
		TxID:    fmt.Sprintf("%064x", 7),
		Vout:    0,
		Script:  hex.EncodeToString(script),
		Amount:  10_000_000,
	}}

	f := New(cfg, chain.Regtest, store, idx, nil)
	f.Start()
	t.Cleanup(f.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	return f, idx
}

func TestStartupReachesReady(t *testing.T) {
	f, _ := startFaucet(t, testConfig(t))

	if f.State() != StateReady {
		t.Errorf("State() = %s, want ready", f.State())
	}

	st := f.Status()
	if st.State != "ready" {
		t.Errorf("Status().State = %s, want ready", st.State)
	}
	if st.Balance != 10_000_000 {
		t.Errorf("Status().Balance = %d, want 10000000", st.Balance)
	}
	if st.Network != "regtest" {
		t.Errorf("Status().Network = %s, want regtest", st.Network)
	}
}

func TestStartupFailsWithoutMnemonic(t *testing.T) {
	cfg := testConfig(t)
	cfg.Wallet.Mnemonic = ""

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir, Network: cfg.Network})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	defer store.Close()

	f := New(cfg, chain.Regtest, store, newFakeIndexer(), nil)
	f.Start()
	defer f.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = f.WaitReady(ctx)
	if !errors.Is(err, ErrNoMnemonic) {
		t.Fatalf("WaitReady() error = %v, want ErrNoMnemonic", err)
	}
	if f.State() != StateFailed {
		t.Errorf("State() = %s, want failed", f.State())
	}
}

func TestMakeWithdrawal(t *testing.T) {
	f, idx := startFaucet(t, testConfig(t))

	recipient := externalAddress(t)

	w, err := f.MakeWithdrawal(context.Background(), recipient, 50_000)
	if err != nil {
		t.Fatalf("MakeWithdrawal() error = %v", err)
	}
	if w.TxID == "" {
		t.Error("withdrawal has empty txid")
	}
	if w.Address != recipient || w.Amount != 50_000 {
		t.Errorf("withdrawal = %+v", w)
	}

	idx.mu.Lock()
	broadcasts := idx.broadcasts
	idx.mu.Unlock()
	if broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1", broadcasts)
	}
}

func TestMakeWithdrawalRejectsInvalidAddress(t *testing.T) {
	f, _ := startFaucet(t, testConfig(t))

	_, err := f.MakeWithdrawal(context.Background(), "not-an-address", 50_000)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("error = %v, want ErrInvalidAddress", err)
	}
}

func TestMakeWithdrawalRejectsBadAmounts(t *testing.T) {
	f, _ := startFaucet(t, testConfig(t))
	recipient := externalAddress(t)

	// At or below the dust limit.
	if _, err := f.MakeWithdrawal(context.Background(), recipient, chain.DustLimit); !errors.Is(err, ErrAmountOutOfRange) {
		t.Errorf("dust amount error = %v, want ErrAmountOutOfRange", err)
	}

	// Above the per-withdrawal cap.
	if _, err := f.MakeWithdrawal(context.Background(), recipient, 2_000_000); !errors.Is(err, ErrAmountOutOfRange) {
		t.Errorf("oversized amount error = %v, want ErrAmountOutOfRange", err)
	}
}

func TestMakeWithdrawalBeforeReady(t *testing.T) {
	cfg := testConfig(t)
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir, Network: cfg.Network})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	defer store.Close()

	f := New(cfg, chain.Regtest, store, newFakeIndexer(), nil)
	// Not started: state is uninitialized.

	_, err = f.MakeWithdrawal(context.Background(), externalAddress(t), 50_000)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("error = %v, want ErrNotReady", err)
	}
}

func TestConcurrentWithdrawalsRespectBalance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Faucet.WithdrawalMax = 7_000_000
	f, _ := startFaucet(t, cfg)

	// Two withdrawals that each need over half the balance: exactly one
	// can succeed.
	recipient := externalAddress(t)
	amount := uint64(6_000_000)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.MakeWithdrawal(context.Background(), recipient, amount)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, wallet.ErrInsufficientFunds):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Errorf("ok = %d, insufficient = %d; want exactly one of each", ok, insufficient)
	}
}

func TestDonationAddress(t *testing.T) {
	f, _ := startFaucet(t, testConfig(t))

	addr, err := f.DonationAddress()
	if err != nil {
		t.Fatalf("DonationAddress() error = %v", err)
	}
	if !chain.ValidateAddress(addr, chain.Regtest) {
		t.Errorf("DonationAddress() = %s, not a valid regtest address", addr)
	}
}

func TestStateStrings(t *testing.T) {
	states := map[State]string{
		StateUninitialized:       "uninitialized",
		StateDerivingAddresses:   "deriving_addresses",
		StateLoadingPreloadTypes: "loading_preload_types",
		StateScanningUtxos:       "scanning_utxos",
		StateReady:               "ready",
		StateFailed:              "failed",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %s, want %s", state, got, want)
		}
	}
}
