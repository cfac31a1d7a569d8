package indexer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/satfaucet/faucetd/internal/chain"
)

// testAddress returns a valid regtest address for utxo lookups; the
// client derives scripts from it.
func testAddress(t *testing.T) string {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash() error = %v", err)
	}
	return addr.EncodeAddress()
}

func newTestClient(t *testing.T, handler http.Handler) *EsploraClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewEsploraClient(srv.URL, 5*time.Second, chain.Regtest)
}

func TestGetUnspentOutputs(t *testing.T) {
	address := testAddress(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/address/"+address+"/utxo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"txid":"aa","vout":1,"value":5000,"status":{"confirmed":true}},
			{"txid":"bb","vout":0,"value":7000,"status":{"confirmed":false}}
		]`))
	})

	client := newTestClient(t, mux)
	utxos, err := client.GetUnspentOutputs(context.Background(), []string{address})
	if err != nil {
		t.Fatalf("GetUnspentOutputs() error = %v", err)
	}

	if len(utxos) != 2 {
		t.Fatalf("utxos = %d, want 2", len(utxos))
	}
	if utxos[0].TxID != "aa" || utxos[0].Vout != 1 || utxos[0].Amount != 5000 {
		t.Errorf("utxo[0] = %+v", utxos[0])
	}
	if utxos[0].Address != address {
		t.Errorf("utxo address = %s, want %s", utxos[0].Address, address)
	}
	if utxos[0].Script == "" {
		t.Error("script was not derived from the address")
	}
	if utxos[0].Script != utxos[1].Script {
		t.Error("same address produced different scripts")
	}
}

func TestGetUnspentOutputsRateLimited(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.GetUnspentOutputs(context.Background(), []string{testAddress(t)})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestBroadcastTransaction(t *testing.T) {
	var gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte("deadbeef\n"))
	})

	client := newTestClient(t, mux)
	txid, err := client.BroadcastTransaction(context.Background(), "0100abcd")
	if err != nil {
		t.Fatalf("BroadcastTransaction() error = %v", err)
	}
	if txid != "deadbeef" {
		t.Errorf("txid = %q, want deadbeef", txid)
	}
	if gotBody != "0100abcd" {
		t.Errorf("posted body = %q", gotBody)
	}
}

func TestBroadcastRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("sendrawtransaction RPC error: dust"))
	}))

	_, err := client.BroadcastTransaction(context.Background(), "0100abcd")
	if !errors.Is(err, ErrBroadcastRejected) {
		t.Errorf("error = %v, want ErrBroadcastRejected", err)
	}
}

func TestGetRawTransactionNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetRawTransaction(context.Background(), "aa")
	if !errors.Is(err, ErrTxNotFound) {
		t.Errorf("error = %v, want ErrTxNotFound", err)
	}
}

func TestGetRawTransaction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tx/aa/raw", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x01, 0x02, 0x03})
	})

	client := newTestClient(t, mux)
	raw, err := client.GetRawTransaction(context.Background(), "aa")
	if err != nil {
		t.Fatalf("GetRawTransaction() error = %v", err)
	}
	if len(raw) != 3 || raw[0] != 0x01 {
		t.Errorf("raw = %v", raw)
	}
}
