// Package preload stockpiles pre-funded one-time wallets so that clients
// can receive spendable coins without waiting for a transaction to build.
package preload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/internal/config"
	"github.com/satfaucet/faucetd/internal/serialqueue"
	"github.com/satfaucet/faucetd/internal/storage"
	"github.com/satfaucet/faucetd/internal/wallet"
	"github.com/satfaucet/faucetd/pkg/logging"
)

// Preload errors
var (
	ErrUnknownType = errors.New("unknown preload type")
	ErrUnavailable = errors.New("preload temporarily unavailable")
)

// BundleUnspent is one funded output of a bundle, spendable with the
// bundle's one-time key.
type BundleUnspent struct {
	TxID   string `json:"txId"`
	Vout   uint32 `json:"outputIndex"`
	Script string `json:"script"`
	Amount uint64 `json:"satoshis"`
}

// Bundle is a complete one-time wallet: every secret a client needs to
// sweep the funded outputs.
type Bundle struct {
	ID            string          `json:"id"`
	Mnemonic      string          `json:"mnemonic"`
	Passphrase    string          `json:"passphrase"`
	Seed          string          `json:"seed"`
	PrivateKeyHD  string          `json:"privateKeyHDRoot"`
	PrivateKeyWIF string          `json:"privateKeyWIF"`
	Address       string          `json:"address"`
	Unspent       []BundleUnspent `json:"unspent"`
}

// typeState tracks one preload type. All mutation of the stockpile for a
// type flows through its queue, so claims and refills never interleave.
type typeState struct {
	name      string
	typeID    int64
	values    []uint64
	stockpile int64
	threshold int64

	queue *serialqueue.Queue

	// count mirrors the stored bundle count for lock-free reads.
	count atomic.Int64

	// refillPending dedupes scheduled refills: at most one waits on the
	// queue at a time.
	refillPending atomic.Bool
}

// Manager keeps every configured preload type stocked up to its target.
type Manager struct {
	builder *wallet.Builder
	store   *storage.Storage
	network chain.Network

	types map[string]*typeState
	order []string

	// ctx bounds background refills scheduled by claims; Close cancels
	// it so a retrying refill cannot outlive the manager.
	ctx    context.Context
	cancel context.CancelFunc

	log *logging.Logger
}

// New creates a preload manager, registering every configured type with
// the store and loading initial counts.
func New(builder *wallet.Builder, store *storage.Storage, network chain.Network, cfg *config.PreloadConfig, log *logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.GetDefault().Component("preload")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		builder: builder,
		store:   store,
		network: network,
		types:   make(map[string]*typeState),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}

	names := make([]string, 0, len(cfg.Types))
	for _, pt := range cfg.Types {
		outputs, err := json.Marshal(pt.Values)
		if err != nil {
			return nil, fmt.Errorf("failed to encode outputs for type %s: %w", pt.Name, err)
		}
		typeID, err := store.EnsureType(pt.Name, string(outputs))
		if err != nil {
			return nil, err
		}

		stockpile, threshold := cfg.ResolveTargets(pt)
		st := &typeState{
			name:      pt.Name,
			typeID:    typeID,
			values:    append([]uint64(nil), pt.Values...),
			stockpile: int64(stockpile),
			threshold: int64(threshold),
			queue:     serialqueue.New(),
		}

		count, err := store.CountBundles(typeID)
		if err != nil {
			return nil, err
		}
		st.count.Store(count)

		m.types[pt.Name] = st
		m.order = append(m.order, pt.Name)
		names = append(names, pt.Name)
	}

	if err := store.PruneTypes(names); err != nil {
		return nil, err
	}

	return m, nil
}

// Close cancels any in-flight refill and stops all per-type queues.
func (m *Manager) Close() {
	m.cancel()
	for _, name := range m.order {
		m.types[name].queue.Close()
	}
}

// TypeNames returns the configured type names in configuration order.
func (m *Manager) TypeNames() []string {
	return append([]string(nil), m.order...)
}

// Counts returns a stockpile count snapshot without touching any queue.
func (m *Manager) Counts() map[string]int64 {
	counts := make(map[string]int64, len(m.types))
	for name, st := range m.types {
		counts[name] = st.count.Load()
	}
	return counts
}

// RefreshCount reloads a type's cached count from the store.
func (m *Manager) RefreshCount(name string) error {
	st, ok := m.types[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	count, err := m.store.CountBundles(st.typeID)
	if err != nil {
		return err
	}
	st.count.Store(count)
	return nil
}

// IssueNew tops the type back up to its stockpile target. It is a no-op
// while the count is at or above the threshold. The refill is a single
// transaction funding every new bundle, so a failure leaves both the
// store and the count untouched.
func (m *Manager) IssueNew(ctx context.Context, name string) error {
	st, ok := m.types[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, name)
	}

	var err error
	if !st.queue.Do(func() {
		err = m.refill(ctx, st)
	}) {
		return fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	return err
}

func (m *Manager) refill(ctx context.Context, st *typeState) error {
	count := st.count.Load()
	if count >= st.threshold {
		return nil
	}
	required := st.stockpile - count
	if required <= 0 {
		return nil
	}

	m.log.Info("refilling preload stockpile",
		"type", st.name, "have", count, "need", required)

	bundles := make([]*Bundle, required)
	recipients := make([]wallet.Recipient, 0, int(required)*len(st.values))
	for i := range bundles {
		b, err := newBundle(m.network)
		if err != nil {
			return fmt.Errorf("failed to generate bundle keys: %w", err)
		}
		bundles[i] = b
		for _, v := range st.values {
			recipients = append(recipients, wallet.Recipient{Address: b.Address, Amount: v})
		}
	}

	built, err := m.builder.SendWait(ctx, recipients)
	if err != nil {
		return fmt.Errorf("failed to fund preload bundles: %w", err)
	}

	// Recipients were laid out bundle-major, so recipient i*len(values)+j
	// is bundle i's j-th denomination.
	for i, b := range bundles {
		b.Unspent = make([]BundleUnspent, len(st.values))
		for j := range st.values {
			vout := built.RecipientIndex[i*len(st.values)+j]
			out := built.Outputs[vout]
			b.Unspent[j] = BundleUnspent{
				TxID:   built.TxID,
				Vout:   out.Index,
				Script: out.Script,
				Amount: out.Amount,
			}
		}
	}

	stored := make([]storage.StoredBundle, len(bundles))
	for i, b := range bundles {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode bundle: %w", err)
		}
		stored[i] = storage.StoredBundle{BundleID: b.ID, Data: data}
	}
	if err := m.store.InsertBundles(st.typeID, stored); err != nil {
		return err
	}

	st.count.Add(required)
	m.log.Info("preload stockpile refilled",
		"type", st.name, "txid", built.TxID, "count", st.count.Load())
	return nil
}

// Claim removes and returns one stockpiled bundle. Claims run on the same
// per-type queue as refills, so a claim never observes a half-finished
// refill. A refill is scheduled in the background when the stockpile
// drops to the threshold.
func (m *Manager) Claim(ctx context.Context, name string) (*Bundle, error) {
	st, ok := m.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}

	var bundle *Bundle
	var err error
	if !st.queue.Do(func() {
		bundle, err = m.claimOne(st)
	}) {
		return nil, fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	return bundle, err
}

// claimOne runs on the type's queue worker.
func (m *Manager) claimOne(st *typeState) (*Bundle, error) {
	if st.count.Load() <= 0 {
		m.scheduleRefill(st)
		return nil, fmt.Errorf("%w: type %s is out of stock", ErrUnavailable, st.name)
	}

	stored, found, err := m.store.ClaimBundle(st.typeID)
	if err != nil {
		return nil, err
	}
	if !found {
		// Cached count drifted from the store; resync before refilling.
		count, cerr := m.store.CountBundles(st.typeID)
		if cerr != nil {
			m.log.Error("failed to resync preload count", "type", st.name, "error", cerr)
		} else {
			st.count.Store(count)
		}
		m.scheduleRefill(st)
		return nil, fmt.Errorf("%w: type %s is out of stock", ErrUnavailable, st.name)
	}

	remaining := st.count.Add(-1)

	var bundle Bundle
	if err := json.Unmarshal(stored.Data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bundle %s: %w", stored.BundleID, err)
	}

	if remaining <= st.threshold {
		m.scheduleRefill(st)
	}
	return &bundle, nil
}

// scheduleRefill queues an asynchronous refill unless one is already
// waiting. Submission happens off the worker goroutine, so a claim
// running on the queue can never block on a full job buffer. The refill
// runs under the manager's lifecycle context; Close cancels it.
func (m *Manager) scheduleRefill(st *typeState) {
	if !st.refillPending.CompareAndSwap(false, true) {
		return
	}
	go st.queue.Do(func() {
		st.refillPending.Store(false)
		if err := m.refill(m.ctx, st); err != nil {
			m.log.Error("preload refill failed", "type", st.name, "error", err)
		}
	})
}

// newBundle generates a fresh one-time wallet: random mnemonic and
// passphrase, first external key of the HD root, compressed P2PKH address.
func newBundle(network chain.Network) (*Bundle, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}

	var pass [4]byte
	if _, err := rand.Read(pass[:]); err != nil {
		return nil, err
	}
	passphrase := hex.EncodeToString(pass[:])

	params, err := chain.Params(network)
	if err != nil {
		return nil, err
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}

	key := master
	for _, index := range []uint32{0, 0, 0} {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	wif, err := btcutil.NewWIF(privKey, params, true)
	if err != nil {
		return nil, err
	}

	address, err := wallet.P2PKHAddress(privKey.PubKey(), params)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		ID:            uuid.NewString(),
		Mnemonic:      mnemonic,
		Passphrase:    passphrase,
		Seed:          hex.EncodeToString(seed),
		PrivateKeyHD:  master.String(),
		PrivateKeyWIF: wif.String(),
		Address:       address,
	}, nil
}
