package wallet

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/satfaucet/faucetd/internal/indexer"
	"github.com/satfaucet/faucetd/internal/serialqueue"
	"github.com/satfaucet/faucetd/pkg/logging"
)

// UtxoPool is the single source of truth for spendable coins. All
// mutations run on one FIFO queue, so at most one selection or refresh is
// in flight at any time and no coin can be selected twice.
type UtxoPool struct {
	addrs *AddressPool
	idx   indexer.Client
	queue *serialqueue.Queue

	// Owned exclusively by the queue worker.
	coins []indexer.Unspent // sorted: amount desc, then txid asc, then vout asc
	total uint64

	// Mirror of total for lock-free status reads.
	cachedTotal atomic.Uint64

	feePerKB     uint64
	maxCoinValue uint64

	log *logging.Logger
}

// PoolConfig holds UtxoPool configuration.
type PoolConfig struct {
	Addresses *AddressPool
	Indexer   indexer.Client

	// FeePerKB is the fee rate used for split transactions.
	FeePerKB uint64

	// MaxCoinValue caps single-coin value; zero disables splitting.
	MaxCoinValue uint64

	Logger *logging.Logger
}

// NewUtxoPool creates an empty pool. Call Refresh to populate it.
func NewUtxoPool(cfg *PoolConfig) *UtxoPool {
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("pool")
	}
	return &UtxoPool{
		addrs:        cfg.Addresses,
		idx:          cfg.Indexer,
		queue:        serialqueue.New(),
		feePerKB:     cfg.FeePerKB,
		maxCoinValue: cfg.MaxCoinValue,
		log:          log,
	}
}

// Close drains the pool's queue.
func (p *UtxoPool) Close() {
	p.queue.Close()
}

// TotalCached returns the last-known pool balance without touching the
// queue. Safe to call from any goroutine; may lag an in-flight mutation.
func (p *UtxoPool) TotalCached() uint64 {
	return p.cachedTotal.Load()
}

// CoinView gives an exclusive-access action mutation rights over the pool.
// It is only valid for the duration of the action.
type CoinView struct {
	p *UtxoPool
}

// Total returns the current pool balance.
func (v *CoinView) Total() uint64 {
	return v.p.total
}

// Size returns the number of coins in the pool.
func (v *CoinView) Size() int {
	return len(v.p.coins)
}

// Select destructively pops highest-value coins until their sum reaches
// required. required must already include the estimated fee and safety
// margin. A failed selection leaves the pool untouched.
func (v *CoinView) Select(required uint64) ([]indexer.Unspent, error) {
	if required > v.p.total {
		return nil, &InsufficientFundsError{Requested: required, Available: v.p.total}
	}

	var selected []indexer.Unspent
	var sum uint64
	for sum < required {
		coin := v.p.coins[0]
		v.p.coins = v.p.coins[1:]
		selected = append(selected, coin)
		sum += coin.Amount
	}

	v.p.recomputeTotal()
	return selected, nil
}

// Restore puts coins back into the pool. Used when a build fails after
// selection so the coins are not stranded until the next refresh.
func (v *CoinView) Restore(coins []indexer.Unspent) {
	v.p.coins = append(v.p.coins, coins...)
	sortCoins(v.p.coins)
	v.p.recomputeTotal()
}

// WithExclusive runs action with exclusive mutation rights over the pool.
// Actions queue in arrival order; exactly one runs at a time.
func (p *UtxoPool) WithExclusive(action func(view *CoinView) error) error {
	var err error
	if !p.queue.Do(func() {
		err = action(&CoinView{p: p})
	}) {
		return ErrPoolClosed
	}
	return err
}

// Refresh replaces the entire coin set with the indexer's view and
// recomputes the total. It runs under the same exclusivity as spending, so
// it can never race a selection. Oversized coins found by the scan are
// split before any queued selection is served.
func (p *UtxoPool) Refresh(ctx context.Context) error {
	var err error
	if !p.queue.Do(func() {
		var utxos []indexer.Unspent
		utxos, err = p.idx.GetUnspentOutputs(ctx, p.addrs.Addresses())
		if err != nil {
			return
		}

		utxos = p.splitOversized(ctx, utxos)

		sortCoins(utxos)
		p.coins = utxos
		p.recomputeTotal()
		p.log.Info("pool refreshed", "coins", len(p.coins), "balance", p.total)
	}) {
		return ErrPoolClosed
	}
	return err
}

// splitOversized broadcasts a self-send for every coin above the cap and
// replaces it with the split outputs. The outputs pay back to pool
// addresses, so they are adopted immediately instead of waiting for the
// indexer to observe the split.
func (p *UtxoPool) splitOversized(ctx context.Context, coins []indexer.Unspent) []indexer.Unspent {
	if p.maxCoinValue == 0 {
		return coins
	}

	// A fresh slice: appending split pieces in place would overwrite
	// coins not yet scanned.
	out := make([]indexer.Unspent, 0, len(coins))
	for _, coin := range coins {
		if coin.Amount <= p.maxCoinValue {
			out = append(out, coin)
			continue
		}

		built, pieces, err := buildSplitTx(coin, p.addrs, p.feePerKB, p.maxCoinValue)
		if err != nil {
			p.log.Error("failed to build split transaction", "txid", coin.TxID, "error", err)
			out = append(out, coin)
			continue
		}
		if _, err := p.idx.BroadcastTransaction(ctx, built.RawHex); err != nil {
			p.log.Error("failed to broadcast split transaction", "txid", built.TxID, "error", err)
			out = append(out, coin)
			continue
		}

		p.log.Info("split oversized coin",
			"coin", coin.TxID, "amount", coin.Amount, "pieces", len(pieces), "split_tx", built.TxID)
		out = append(out, pieces...)
	}
	return out
}

// recomputeTotal re-derives the pool total from the coin set. Runs after
// every mutation; the total is never adjusted incrementally.
func (p *UtxoPool) recomputeTotal() {
	var total uint64
	for _, c := range p.coins {
		total += c.Amount
	}
	p.total = total
	p.cachedTotal.Store(total)
}

// sortCoins orders coins by amount descending, then txid ascending, then
// vout ascending, keeping selection deterministic.
func sortCoins(coins []indexer.Unspent) {
	sort.Slice(coins, func(i, j int) bool {
		if coins[i].Amount != coins[j].Amount {
			return coins[i].Amount > coins[j].Amount
		}
		if coins[i].TxID != coins[j].TxID {
			return coins[i].TxID < coins[j].TxID
		}
		return coins[i].Vout < coins[j].Vout
	})
}
