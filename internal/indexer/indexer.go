// Package indexer provides access to a remote blockchain indexing service.
// This package never touches private keys - all signing happens in the
// wallet package.
package indexer

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrTxNotFound         = errors.New("transaction not found")
	ErrBroadcastRejected  = errors.New("broadcast rejected")
	ErrRateLimited        = errors.New("rate limited")
	ErrIndexerUnavailable = errors.New("indexer unavailable")
)

// Unspent represents an unspent transaction output owned by a pool address.
// (TxID, Vout) is the uniqueness key.
type Unspent struct {
	Address string `json:"address"`
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Script  string `json:"script"` // hex encoded scriptPubKey
	Amount  uint64 `json:"amount"` // satoshis
}

// Client is the interface to the remote indexer. Implementations must be
// safe for concurrent use.
type Client interface {
	// GetUnspentOutputs returns all unspent outputs for the given
	// addresses, in indexer order.
	GetUnspentOutputs(ctx context.Context, addresses []string) ([]Unspent, error)

	// GetRawTransaction returns the raw serialized transaction.
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)

	// BroadcastTransaction submits a raw transaction (hex) to the network
	// and returns its id. Rejections wrap ErrBroadcastRejected.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
}
