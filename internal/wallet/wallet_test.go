package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/internal/indexer"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeIndexer is an in-memory indexer.Client for tests.
type fakeIndexer struct {
	mu           sync.Mutex
	utxos        map[string][]indexer.Unspent
	broadcastErr error
	broadcasts   []string
	scans        int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{utxos: make(map[string][]indexer.Unspent)}
}

func (f *fakeIndexer) addUTXO(u indexer.Unspent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos[u.Address] = append(f.utxos[u.Address], u)
}

func (f *fakeIndexer) GetUnspentOutputs(ctx context.Context, addresses []string) ([]indexer.Unspent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	var all []indexer.Unspent
	for _, addr := range addresses {
		all = append(all, f.utxos[addr]...)
	}
	return all, nil
}

func (f *fakeIndexer) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	return nil, indexer.ErrTxNotFound
}

func (f *fakeIndexer) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("bad hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("bad tx: %w", err)
	}
	txid := tx.TxHash().String()
	f.broadcasts = append(f.broadcasts, txid)
	return txid, nil
}

func (f *fakeIndexer) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos = make(map[string][]indexer.Unspent)
}

func (f *fakeIndexer) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeIndexer) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func testAddrs(t *testing.T) *AddressPool {
	t.Helper()
	addrs, err := DeriveAddressPool(testMnemonic, "", chain.Regtest, 5)
	if err != nil {
		t.Fatalf("DeriveAddressPool() error = %v", err)
	}
	return addrs
}

var testCoinSeq int

// testCoin makes an unspent output owned by a pool address.
func testCoin(t *testing.T, addrs *AddressPool, index int, amount uint64) indexer.Unspent {
	t.Helper()
	address := addrs.Addresses()[index%addrs.Size()]
	script, err := payToAddressScript(address, addrs.Params())
	if err != nil {
		t.Fatalf("payToAddressScript() error = %v", err)
	}
	testCoinSeq++
	return indexer.Unspent{
		Address: address,
		TxID:    fmt.Sprintf("%064x", testCoinSeq),
		Vout:    0,
		Script:  hex.EncodeToString(script),
		Amount:  amount,
	}
}
