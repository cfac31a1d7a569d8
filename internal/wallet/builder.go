package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/internal/indexer"
	"github.com/satfaucet/faucetd/pkg/logging"
)

// Estimated serialized sizes for compressed-key P2PKH transactions.
const (
	txOverheadBytes = 10
	txInputBytes    = 148
	txOutputBytes   = 34
)

// Recipient is one (address, amount) output of a transaction.
type Recipient struct {
	Address string
	Amount  uint64
}

// TxOut describes one output of a built transaction.
type TxOut struct {
	Index   uint32 `json:"outputIndex"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	Script  string `json:"script"`
}

// BuiltTx is a fully signed, broadcast-ready transaction.
type BuiltTx struct {
	TxID   string
	RawHex string

	// Outputs lists every output including change, in vout order.
	Outputs []TxOut

	// RecipientIndex maps each input recipient to its vout.
	RecipientIndex []uint32
}

// FindOutput returns the first output paying amount to address.
func (t *BuiltTx) FindOutput(address string, amount uint64) (TxOut, bool) {
	for _, out := range t.Outputs {
		if out.Address == address && out.Amount == amount {
			return out, true
		}
	}
	return TxOut{}, false
}

// Builder turns recipient lists into signed transactions, consuming coins
// from the pool and signing with address pool keys.
type Builder struct {
	pool  *UtxoPool
	addrs *AddressPool
	idx   indexer.Client

	feePerKB     uint64
	safetyMargin uint64
	retryBackoff time.Duration

	log *logging.Logger
}

// BuilderConfig holds Builder configuration.
type BuilderConfig struct {
	Pool      *UtxoPool
	Addresses *AddressPool
	Indexer   indexer.Client

	// FeePerKB is the static fee rate in satoshis per kilobyte.
	FeePerKB uint64

	// SafetyMargin is added to the required amount before selection.
	SafetyMargin uint64

	// RetryBackoff is the wait between funding retries in SendWait.
	RetryBackoff time.Duration

	Logger *logging.Logger
}

// NewBuilder creates a transaction builder.
func NewBuilder(cfg *BuilderConfig) *Builder {
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("builder")
	}
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = 30 * time.Second
	}
	return &Builder{
		pool:         cfg.Pool,
		addrs:        cfg.Addresses,
		idx:          cfg.Indexer,
		feePerKB:     cfg.FeePerKB,
		safetyMargin: cfg.SafetyMargin,
		retryBackoff: backoff,
		log:          log,
	}
}

// estimateFee returns the fee for a transaction of the given shape at a
// per-kilobyte rate, rounding the size up to whole kilobytes.
func estimateFee(feePerKB uint64, inputs, outputs int) uint64 {
	size := txOverheadBytes + inputs*txInputBytes + outputs*txOutputBytes
	kb := uint64(size+999) / 1000
	return kb * feePerKB
}

// Build assembles and signs a transaction paying the recipients, selecting
// coins inside the pool's exclusive region. Selection and signing are
// indivisible with respect to every other selection.
func (b *Builder) Build(recipients []Recipient) (*BuiltTx, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrBuildFailed)
	}

	var outputsSum uint64
	for _, r := range recipients {
		outputsSum += r.Amount
	}

	// Outputs plus one change output; the margin absorbs fee growth from
	// the input count not being known until after selection.
	required := outputsSum + estimateFee(b.feePerKB, 1, len(recipients)+1) + b.safetyMargin

	var built *BuiltTx
	err := b.pool.WithExclusive(func(view *CoinView) error {
		selected, err := view.Select(required)
		if err != nil {
			return err
		}

		tx, err := b.assemble(recipients, selected)
		if err != nil {
			view.Restore(selected)
			return err
		}

		built = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return built, nil
}

// assemble builds, signs and verifies the transaction. Runs inside the
// exclusive region; the selected coins are already out of the pool.
func (b *Builder) assemble(recipients []Recipient, selected []indexer.Unspent) (*BuiltTx, error) {
	params := b.addrs.Params()

	var selectedSum uint64
	for _, c := range selected {
		selectedSum += c.Amount
	}
	var outputsSum uint64
	for _, r := range recipients {
		outputsSum += r.Amount
	}

	// Final fee now that the input count is known.
	fee := estimateFee(b.feePerKB, len(selected), len(recipients)+1)
	if outputsSum+fee > selectedSum {
		fee = selectedSum - outputsSum
	}
	change := selectedSum - outputsSum - fee

	tx := wire.NewMsgTx(wire.TxVersion)

	for _, coin := range selected {
		hash, err := chainhash.NewHashFromStr(coin.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid input txid %s: %v", ErrBuildFailed, coin.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, coin.Vout), nil, nil))
	}

	recipientIndex := make([]uint32, len(recipients))
	for i, r := range recipients {
		script, err := payToAddressScript(r.Address, params)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient address %s: %w", r.Address, err)
		}
		recipientIndex[i] = uint32(len(tx.TxOut))
		tx.AddTxOut(wire.NewTxOut(int64(r.Amount), script))
	}

	changeAddress := ""
	if change > chain.DustLimit {
		changeAddress = b.addrs.RandomAddress()
		script, err := payToAddressScript(changeAddress, params)
		if err != nil {
			return nil, fmt.Errorf("%w: change script: %v", ErrBuildFailed, err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), script))
	}

	if err := b.signInputs(tx, selected); err != nil {
		return nil, err
	}

	built, err := finishTx(tx, params)
	if err != nil {
		return nil, err
	}
	built.RecipientIndex = recipientIndex

	// Defensive invariant check: every recipient must be locatable in the
	// signed transaction at its recorded index.
	for i, r := range recipients {
		out := built.Outputs[recipientIndex[i]]
		if out.Address != r.Address || out.Amount != r.Amount {
			return nil, fmt.Errorf("%w: output %d is %s/%d, expected %s/%d",
				ErrBuildFailed, recipientIndex[i], out.Address, out.Amount, r.Address, r.Amount)
		}
	}

	b.log.Debug("built transaction",
		"txid", built.TxID, "inputs", len(selected), "outputs", len(built.Outputs), "fee", fee)
	return built, nil
}

// signInputs signs every input with the pool key of the coin it spends.
func (b *Builder) signInputs(tx *wire.MsgTx, selected []indexer.Unspent) error {
	for i, coin := range selected {
		key, ok := b.addrs.KeyFor(coin.Address)
		if !ok {
			return fmt.Errorf("%w: no key for address %s", ErrBuildFailed, coin.Address)
		}

		script, err := hex.DecodeString(coin.Script)
		if err != nil {
			return fmt.Errorf("%w: bad script on %s:%d: %v", ErrBuildFailed, coin.TxID, coin.Vout, err)
		}

		sigScript, err := txscript.SignatureScript(tx, i, script, txscript.SigHashAll, key, true)
		if err != nil {
			return fmt.Errorf("%w: failed to sign input %d: %v", ErrBuildFailed, i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}

// Send builds the transaction and broadcasts it. A broadcast failure
// schedules an async refresh so the consumed coins are re-adopted from the
// indexer view.
func (b *Builder) Send(ctx context.Context, recipients []Recipient) (*BuiltTx, error) {
	built, err := b.Build(recipients)
	if err != nil {
		return nil, err
	}

	if _, err := b.idx.BroadcastTransaction(ctx, built.RawHex); err != nil {
		b.log.Error("broadcast failed", "txid", built.TxID, "error", err)
		go func() {
			if rerr := b.pool.Refresh(context.Background()); rerr != nil {
				b.log.Error("pool refresh after failed broadcast", "error", rerr)
			}
		}()
		return nil, err
	}

	return built, nil
}

// SendWait is Send for internal callers that must eventually succeed: on
// insufficient funds or a transient indexer fault it refreshes the pool
// and retries after the configured backoff, until ctx is cancelled.
func (b *Builder) SendWait(ctx context.Context, recipients []Recipient) (*BuiltTx, error) {
	for {
		built, err := b.Send(ctx, recipients)
		if err == nil {
			return built, nil
		}
		if isFatalBuildErr(err) {
			return nil, err
		}

		b.log.Warn("funding attempt failed, retrying", "error", err, "backoff", b.retryBackoff)

		if rerr := b.pool.Refresh(ctx); rerr != nil {
			b.log.Error("pool refresh failed", "error", rerr)
		}

		select {
		case <-time.After(b.retryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// isFatalBuildErr reports whether an error is a builder invariant
// violation that retrying cannot fix.
func isFatalBuildErr(err error) bool {
	return errors.Is(err, ErrBuildFailed)
}

// buildSplitTx builds a signed self-send that splits one oversized coin
// into pieces at or below maxValue, paid to random pool addresses. Returns
// the transaction and its outputs in pool-coin form.
func buildSplitTx(coin indexer.Unspent, addrs *AddressPool, feePerKB, maxValue uint64) (*BuiltTx, []indexer.Unspent, error) {
	params := addrs.Params()

	// amount/maxValue+1 pieces guarantees every piece is below the cap.
	n := int(coin.Amount/maxValue) + 1

	fee := estimateFee(feePerKB, 1, n)
	if coin.Amount <= fee {
		return nil, nil, fmt.Errorf("%w: coin %d not worth splitting at fee %d", ErrBuildFailed, coin.Amount, fee)
	}
	share := (coin.Amount - fee) / uint64(n)
	remainder := (coin.Amount - fee) % uint64(n)

	tx := wire.NewMsgTx(wire.TxVersion)

	hash, err := chainhash.NewHashFromStr(coin.TxID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid txid %s: %v", ErrBuildFailed, coin.TxID, err)
	}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, coin.Vout), nil, nil))

	for i := 0; i < n; i++ {
		amount := share
		if i == 0 {
			amount += remainder
		}
		script, err := payToAddressScript(addrs.RandomAddress(), params)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: split script: %v", ErrBuildFailed, err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	}

	key, ok := addrs.KeyFor(coin.Address)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no key for address %s", ErrBuildFailed, coin.Address)
	}
	prevScript, err := hex.DecodeString(coin.Script)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad script on %s:%d: %v", ErrBuildFailed, coin.TxID, coin.Vout, err)
	}
	sigScript, err := txscript.SignatureScript(tx, 0, prevScript, txscript.SigHashAll, key, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to sign split input: %v", ErrBuildFailed, err)
	}
	tx.TxIn[0].SignatureScript = sigScript

	built, err := finishTx(tx, params)
	if err != nil {
		return nil, nil, err
	}

	pieces := make([]indexer.Unspent, len(built.Outputs))
	for i, out := range built.Outputs {
		pieces[i] = indexer.Unspent{
			Address: out.Address,
			TxID:    built.TxID,
			Vout:    out.Index,
			Script:  out.Script,
			Amount:  out.Amount,
		}
	}
	return built, pieces, nil
}

// finishTx serializes a signed transaction and decodes its outputs back
// into addressed form.
func finishTx(tx *wire.MsgTx, params *chaincfg.Params) (*BuiltTx, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", ErrBuildFailed, err)
	}

	built := &BuiltTx{
		TxID:    tx.TxHash().String(),
		RawHex:  hex.EncodeToString(buf.Bytes()),
		Outputs: make([]TxOut, len(tx.TxOut)),
	}

	for i, out := range tx.TxOut {
		_, addresses, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err != nil || len(addresses) == 0 {
			return nil, fmt.Errorf("%w: cannot decode output %d script", ErrBuildFailed, i)
		}
		built.Outputs[i] = TxOut{
			Index:   uint32(i),
			Address: addresses[0].EncodeAddress(),
			Amount:  uint64(out.Value),
			Script:  hex.EncodeToString(out.PkScript),
		}
	}
	return built, nil
}

// payToAddressScript parses an address and returns its output script.
func payToAddressScript(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}
