package wallet

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrInvalidSeed indicates the configured mnemonic failed its
	// checksum or validity check.
	ErrInvalidSeed = errors.New("invalid wallet seed")

	// ErrInsufficientFunds indicates the pool cannot cover a requested
	// amount. Use errors.As with *InsufficientFundsError for amounts.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBuildFailed indicates a signed transaction failed a
	// post-construction invariant check. This is a builder bug, not a
	// transient condition.
	ErrBuildFailed = errors.New("transaction build failed")

	// ErrPoolClosed indicates an operation reached the coin pool after
	// it shut down.
	ErrPoolClosed = errors.New("utxo pool is closed")
)

// InsufficientFundsError reports a failed coin selection. The selection
// that produced it left the pool untouched.
type InsufficientFundsError struct {
	Requested uint64
	Available uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: requested %d, available %d", e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientFunds) match.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
