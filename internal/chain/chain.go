// Package chain defines Bitcoin network parameters for the faucet.
// All network-specific values resolve here - no chaincfg lookups elsewhere.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// DustLimit is the minimum economically spendable output value in satoshis.
// Outputs at or below this value are rejected as dust.
const DustLimit = 546

// ParseNetwork parses a network name. The legacy names used by insight-style
// configs ("livenet", "testnet3") are accepted as aliases.
func ParseNetwork(name string) (Network, error) {
	switch name {
	case "mainnet", "livenet":
		return Mainnet, nil
	case "testnet", "testnet3":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	default:
		return "", fmt.Errorf("unknown network %q", name)
	}
}

// Params returns the chaincfg parameters for a network.
func Params(n Network) (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}

// ValidateAddress reports whether addr is a valid address for the network.
func ValidateAddress(addr string, n Network) bool {
	params, err := Params(n)
	if err != nil {
		return false
	}
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return false
	}
	return decoded.IsForNet(params)
}
