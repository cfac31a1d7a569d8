// Package wallet implements the UTXO/wallet engine of the faucet: the
// address pool, the exclusively-owned coin pool, and transaction building.
package wallet

import (
	"fmt"
	"math/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/satfaucet/faucetd/internal/chain"
	"github.com/tyler-smith/go-bip39"
)

// AddressPool is a fixed set of spendable addresses derived from the
// master seed at m/0/0/i. The set is immutable after derivation; the same
// seed, passphrase, network and count always yield the same ordered set.
type AddressPool struct {
	network   chain.Network
	params    *chaincfg.Params
	addresses []string
	keys      map[string]*btcec.PrivateKey
}

// DeriveAddressPool derives count addresses from a BIP39 mnemonic.
// Returns ErrInvalidSeed when the mnemonic fails validation.
func DeriveAddressPool(mnemonic, passphrase string, network chain.Network, count int) (*AddressPool, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidSeed
	}
	if count <= 0 {
		return nil, fmt.Errorf("address pool size must be positive, got %d", count)
	}

	params, err := chain.Params(network)
	if err != nil {
		return nil, err
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	// m/0/0 is the pool chain; individual keys hang off it by index.
	branch, err := master.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool branch: %w", err)
	}
	branch, err = branch.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool branch: %w", err)
	}

	pool := &AddressPool{
		network:   network,
		params:    params,
		addresses: make([]string, 0, count),
		keys:      make(map[string]*btcec.PrivateKey, count),
	}

	for i := uint32(0); i < uint32(count); i++ {
		child, err := branch.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key %d: %w", i, err)
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("failed to extract key %d: %w", i, err)
		}

		addr, err := P2PKHAddress(priv.PubKey(), params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode address %d: %w", i, err)
		}

		pool.addresses = append(pool.addresses, addr)
		pool.keys[addr] = priv
	}

	return pool, nil
}

// P2PKHAddress returns the compressed-key P2PKH address for a public key.
func P2PKHAddress(pub *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// Network returns the pool's network.
func (p *AddressPool) Network() chain.Network {
	return p.network
}

// Params returns the pool's chain parameters.
func (p *AddressPool) Params() *chaincfg.Params {
	return p.params
}

// Addresses returns the ordered address list.
func (p *AddressPool) Addresses() []string {
	out := make([]string, len(p.addresses))
	copy(out, p.addresses)
	return out
}

// Size returns the number of addresses in the pool.
func (p *AddressPool) Size() int {
	return len(p.addresses)
}

// RandomAddress returns a uniformly picked pool address. Used for change
// outputs and donation responses.
func (p *AddressPool) RandomAddress() string {
	return p.addresses[rand.Intn(len(p.addresses))]
}

// KeyFor returns the private key for a pool address.
func (p *AddressPool) KeyFor(address string) (*btcec.PrivateKey, bool) {
	key, ok := p.keys[address]
	return key, ok
}
