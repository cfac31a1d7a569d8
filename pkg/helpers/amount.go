// Package helpers provides small utility functions shared across the daemon.
package helpers

import (
	"fmt"
	"math/big"
)

// SatoshisPerBTC is the number of satoshis in one bitcoin.
const SatoshisPerBTC = 100_000_000

// FormatBTC formats a satoshi amount as a decimal BTC string.
// FormatBTC(150000000) returns "1.5".
func FormatBTC(satoshis uint64) string {
	whole := satoshis / SatoshisPerBTC
	frac := satoshis % SatoshisPerBTC

	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}

	fracStr := fmt.Sprintf("%08d", frac)
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}
	return fmt.Sprintf("%d.%s", whole, fracStr)
}

// ParseBTC parses a decimal BTC string into satoshis.
// ParseBTC("1.5") returns 150000000.
func ParseBTC(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" && fracStr == "" {
		wholeStr = s
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	if len(fracStr) > 8 {
		fracStr = fracStr[:8]
	}
	for len(fracStr) < 8 {
		fracStr += "0"
	}

	combined := new(big.Int)
	if _, ok := combined.SetString(wholeStr+fracStr, 10); !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !combined.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return combined.Uint64(), nil
}
