package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/satfaucet/faucetd/pkg/logging"
)

// EsploraClient implements Client against an Esplora-compatible HTTP API
// (blockstream.info, mempool.space, self-hosted electrs).
type EsploraClient struct {
	baseURL    string
	httpClient *http.Client
	network    chain.Network
	log        *logging.Logger
}

// NewEsploraClient creates a client for the given base URL. The network is
// needed to derive scriptPubKeys: the Esplora utxo endpoint does not carry
// scripts, and every queried address belongs to the pool anyway.
func NewEsploraClient(baseURL string, timeout time.Duration, network chain.Network) *EsploraClient {
	return &EsploraClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		network: network,
		log:     logging.GetDefault().Component("indexer"),
	}
}

// URL returns the configured base URL.
func (c *EsploraClient) URL() string {
	return c.baseURL
}

// esploraUTXO is the Esplora address utxo response shape.
type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  uint64 `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

// GetUnspentOutputs returns unspent outputs for all addresses.
func (c *EsploraClient) GetUnspentOutputs(ctx context.Context, addresses []string) ([]Unspent, error) {
	params, err := chain.Params(c.network)
	if err != nil {
		return nil, err
	}

	var all []Unspent
	for _, address := range addresses {
		var result []esploraUTXO
		if err := c.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
			return nil, fmt.Errorf("utxo lookup for %s: %w", address, err)
		}

		decoded, err := btcutil.DecodeAddress(address, params)
		if err != nil {
			return nil, fmt.Errorf("invalid pool address %s: %w", address, err)
		}
		script, err := txscript.PayToAddrScript(decoded)
		if err != nil {
			return nil, fmt.Errorf("script for %s: %w", address, err)
		}

		for _, u := range result {
			all = append(all, Unspent{
				Address: address,
				TxID:    u.TxID,
				Vout:    u.Vout,
				Script:  hex.EncodeToString(script),
				Amount:  u.Value,
			})
		}
	}

	c.log.Debug("fetched unspent outputs", "addresses", len(addresses), "utxos", len(all))
	return all, nil
}

// GetRawTransaction returns the raw transaction bytes.
func (c *EsploraClient) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/tx/"+txID+"/raw", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// BroadcastTransaction submits a raw transaction hex.
func (c *EsploraClient) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIndexerUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastRejected, strings.TrimSpace(string(body)))
	}

	txID := strings.TrimSpace(string(body))
	c.log.Debug("broadcast transaction", "txid", txID, "size", len(rawTxHex)/2)
	return txID, nil
}

// get performs a GET request and decodes the JSON response.
func (c *EsploraClient) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// Ensure EsploraClient implements Client.
var _ Client = (*EsploraClient)(nil)
