// Package faucet ties the wallet, preload stockpile and storage together
// behind a single facade and owns the daemon's startup sequence.
package faucet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/internal/config"
	"github.com/satfaucet/faucetd/internal/indexer"
	"github.com/satfaucet/faucetd/internal/preload"
	"github.com/satfaucet/faucetd/internal/storage"
	"github.com/satfaucet/faucetd/internal/wallet"
	"github.com/satfaucet/faucetd/pkg/logging"
)

// Faucet errors
var (
	ErrNotReady         = errors.New("faucet is not ready")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrAmountOutOfRange = errors.New("amount out of range")
	ErrNoMnemonic       = errors.New("no wallet mnemonic configured")
)

// State is the faucet lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateDerivingAddresses
	StateLoadingPreloadTypes
	StateScanningUtxos
	StateReady
	StateFailed
)

// String returns the state name used in status responses.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDerivingAddresses:
		return "deriving_addresses"
	case StateLoadingPreloadTypes:
		return "loading_preload_types"
	case StateScanningUtxos:
		return "scanning_utxos"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Withdrawal is the result of a completed withdrawal.
type Withdrawal struct {
	Address     string `json:"address"`
	Amount      uint64 `json:"satoshis"`
	TxID        string `json:"txId"`
	OutputIndex uint32 `json:"outputIndex"`
}

// Status is a point-in-time snapshot readable without blocking on any
// wallet operation.
type Status struct {
	State         string           `json:"state"`
	Network       string           `json:"network"`
	Balance       uint64           `json:"balance"`
	WithdrawalMax uint64           `json:"withdrawalMax"`
	IndexerURL    string           `json:"indexerUrl"`
	Preloads      map[string]int64 `json:"preloads"`
}

// Notifier receives faucet lifecycle events. Implementations must not
// block; the faucet calls them inline.
type Notifier interface {
	Notify(event string, data any)
}

// Faucet is the hot wallet facade behind the HTTP API.
type Faucet struct {
	cfg     *config.Config
	network chain.Network
	store   *storage.Storage
	idx     indexer.Client
	log     *logging.Logger

	addrs    *wallet.AddressPool
	pool     *wallet.UtxoPool
	builder  *wallet.Builder
	preloads *preload.Manager

	state   atomic.Int32
	ready   chan struct{}
	initErr error

	notifier Notifier
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an unstarted faucet. Start performs the actual wallet
// initialization.
func New(cfg *config.Config, network chain.Network, store *storage.Storage, idx indexer.Client, log *logging.Logger) *Faucet {
	if log == nil {
		log = logging.GetDefault().Component("faucet")
	}
	return &Faucet{
		cfg:     cfg,
		network: network,
		store:   store,
		idx:     idx,
		log:     log,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetNotifier installs the event sink. Must be called before Start.
func (f *Faucet) SetNotifier(n Notifier) {
	f.notifier = n
}

func (f *Faucet) notify(event string, data any) {
	if f.notifier != nil {
		f.notifier.Notify(event, data)
	}
}

// State returns the current lifecycle state.
func (f *Faucet) State() State {
	return State(f.state.Load())
}

func (f *Faucet) setState(s State) {
	f.state.Store(int32(s))
	f.log.Info("state changed", "state", s.String())
}

// Start launches initialization in the background and returns
// immediately. Progress is observable through State and WaitReady.
func (f *Faucet) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	go func() {
		defer close(f.done)
		if err := f.initialize(ctx); err != nil {
			f.initErr = err
			f.setState(StateFailed)
			close(f.ready)
			f.log.Error("initialization failed", "error", err)
			return
		}
		f.setState(StateReady)
		close(f.ready)
		f.runBackground(ctx)
	}()
}

// Stop cancels background work and waits for it to finish.
func (f *Faucet) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
	if f.preloads != nil {
		f.preloads.Close()
	}
	if f.pool != nil {
		f.pool.Close()
	}
}

// WaitReady blocks until initialization completes one way or the other.
func (f *Faucet) WaitReady(ctx context.Context) error {
	select {
	case <-f.ready:
		return f.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Faucet) initialize(ctx context.Context) error {
	f.setState(StateDerivingAddresses)

	mnemonic, err := f.resolveMnemonic()
	if err != nil {
		return err
	}

	addrs, err := wallet.DeriveAddressPool(mnemonic, f.cfg.Wallet.Passphrase, f.network, f.cfg.Wallet.PoolSize)
	if err != nil {
		return fmt.Errorf("failed to derive address pool: %w", err)
	}
	f.addrs = addrs

	f.pool = wallet.NewUtxoPool(&wallet.PoolConfig{
		Addresses:    addrs,
		Indexer:      f.idx,
		FeePerKB:     f.cfg.Wallet.FeePerKB,
		MaxCoinValue: f.cfg.Wallet.MaxCoinValue,
		Logger:       f.log.Component("utxopool"),
	})
	f.builder = wallet.NewBuilder(&wallet.BuilderConfig{
		Pool:         f.pool,
		Addresses:    addrs,
		Indexer:      f.idx,
		FeePerKB:     f.cfg.Wallet.FeePerKB,
		SafetyMargin: f.cfg.Wallet.SafetyMargin,
		RetryBackoff: f.cfg.Faucet.RetryBackoff(),
		Logger:       f.log.Component("builder"),
	})

	f.setState(StateLoadingPreloadTypes)
	mgr, err := preload.New(f.builder, f.store, f.network, &f.cfg.Faucet.Preload, f.log.Component("preload"))
	if err != nil {
		return fmt.Errorf("failed to load preload types: %w", err)
	}
	f.preloads = mgr

	f.setState(StateScanningUtxos)
	if err := f.pool.Refresh(ctx); err != nil {
		return fmt.Errorf("initial coin scan failed: %w", err)
	}

	f.log.Info("wallet initialized",
		"addresses", addrs.Size(), "balance", f.pool.TotalCached())
	return nil
}

// resolveMnemonic returns the wallet mnemonic from config, falling back
// to the encrypted seed file.
func (f *Faucet) resolveMnemonic() (string, error) {
	if f.cfg.Wallet.Mnemonic != "" {
		return f.cfg.Wallet.Mnemonic, nil
	}
	if f.cfg.Wallet.SeedFile == "" {
		return "", ErrNoMnemonic
	}
	sf, err := wallet.LoadSeedFile(f.cfg.Wallet.SeedFile)
	if err != nil {
		return "", err
	}
	return wallet.DecryptMnemonic(sf, f.cfg.Wallet.SeedPassword)
}

// runBackground tops up every preload stockpile, then keeps the pool
// fresh on a timer until the context is cancelled.
func (f *Faucet) runBackground(ctx context.Context) {
	for _, name := range f.preloads.TypeNames() {
		name := name
		go func() {
			if err := f.preloads.IssueNew(ctx, name); err != nil {
				f.log.Error("startup stockpile refill failed", "type", name, "error", err)
				return
			}
			f.notify("preload_issued", map[string]any{
				"type":  name,
				"count": f.preloads.Counts()[name],
			})
		}()
	}

	interval := f.cfg.Faucet.RefreshInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.pool.Refresh(ctx); err != nil {
				f.log.Error("periodic pool refresh failed", "error", err)
				continue
			}
			f.notify("pool_refreshed", map[string]any{"balance": f.pool.TotalCached()})
		case <-ctx.Done():
			return
		}
	}
}

// MakeWithdrawal pays amount to address from the hot wallet.
func (f *Faucet) MakeWithdrawal(ctx context.Context, address string, amount uint64) (*Withdrawal, error) {
	if f.State() != StateReady {
		return nil, ErrNotReady
	}
	if !chain.ValidateAddress(address, f.network) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	if amount <= chain.DustLimit || amount > f.cfg.Faucet.WithdrawalMax {
		return nil, fmt.Errorf("%w: %d satoshis (limit %d)",
			ErrAmountOutOfRange, amount, f.cfg.Faucet.WithdrawalMax)
	}

	built, err := f.builder.Send(ctx, []wallet.Recipient{{Address: address, Amount: amount}})
	if err != nil {
		return nil, err
	}

	w := &Withdrawal{
		Address:     address,
		Amount:      amount,
		TxID:        built.TxID,
		OutputIndex: built.RecipientIndex[0],
	}
	f.log.Info("withdrawal sent", "address", address, "amount", amount, "txid", built.TxID)
	f.notify("withdrawal_sent", w)
	return w, nil
}

// GetPreload claims one stockpiled bundle of the named type.
func (f *Faucet) GetPreload(ctx context.Context, name string) (*preload.Bundle, error) {
	if f.State() != StateReady {
		return nil, ErrNotReady
	}
	bundle, err := f.preloads.Claim(ctx, name)
	if err != nil {
		return nil, err
	}
	f.log.Info("preload claimed", "type", name, "bundle", bundle.ID)
	f.notify("preload_claimed", map[string]any{"type": name, "id": bundle.ID})
	return bundle, nil
}

// DonationAddress returns a pool address suitable for topping up the
// faucet.
func (f *Faucet) DonationAddress() (string, error) {
	if f.State() != StateReady {
		return "", ErrNotReady
	}
	return f.addrs.RandomAddress(), nil
}

// Status reports a snapshot without acquiring the coin pool.
func (f *Faucet) Status() *Status {
	st := &Status{
		State:         f.State().String(),
		Network:       string(f.network),
		WithdrawalMax: f.cfg.Faucet.WithdrawalMax,
		IndexerURL:    f.cfg.Indexer.URL,
		Preloads:      map[string]int64{},
	}
	if f.pool != nil {
		st.Balance = f.pool.TotalCached()
	}
	if f.preloads != nil {
		st.Preloads = f.preloads.Counts()
	}
	return st
}
