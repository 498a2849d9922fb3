// Package errs defines the error taxonomy shared by the custody engine.
//
// Every error returned by a public operation wraps exactly one of the
// sentinels below. KindOf turns it into the machine-readable kind carried in
// API responses.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error kind exposed to clients.
type Kind string

const (
	KindMissingField        Kind = "MissingFieldError"
	KindWalletNotFound      Kind = "WalletNotFoundError"
	KindWalletExists        Kind = "WalletExistsError"
	KindSameAddress         Kind = "SameAddressError"
	KindUnsupportedAsset    Kind = "UnsupportedAssetError"
	KindUnknownAsset        Kind = "UnknownAssetError"
	KindInsufficientFunds   Kind = "InsufficientFundsError"
	KindInvalidDestination  Kind = "InvalidDestinationError"
	KindNonceResolution     Kind = "NonceResolutionError"
	KindBroadcast           Kind = "BroadcastError"
	KindExplorerUnavailable Kind = "ExplorerUnavailableError"
	KindInvalidAmount       Kind = "InvalidAmountError"
	KindInternal            Kind = "InternalError"
)

var (
	ErrMissingField        = errors.New("missing field")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrSameAddress         = errors.New("destination equals source address")
	ErrUnsupportedAsset    = errors.New("unsupported asset")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidDestination  = errors.New("invalid destination")
	ErrNonceResolution     = errors.New("nonce resolution failed")
	ErrBroadcast           = errors.New("broadcast failed")
	ErrExplorerUnavailable = errors.New("explorer unavailable")
	ErrInvalidAmount       = errors.New("invalid amount")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrMissingField, KindMissingField},
	{ErrWalletNotFound, KindWalletNotFound},
	{ErrWalletExists, KindWalletExists},
	{ErrSameAddress, KindSameAddress},
	{ErrUnsupportedAsset, KindUnsupportedAsset},
	{ErrUnknownAsset, KindUnknownAsset},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInvalidDestination, KindInvalidDestination},
	{ErrNonceResolution, KindNonceResolution},
	{ErrBroadcast, KindBroadcast},
	{ErrExplorerUnavailable, KindExplorerUnavailable},
	{ErrInvalidAmount, KindInvalidAmount},
}

// KindOf returns the kind of err, or KindInternal if it wraps no sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// MissingField reports the first missing request field.
func MissingField(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// WalletNotFound reports a missing (owner, asset) wallet.
func WalletNotFound(owner, asset string) error {
	return fmt.Errorf("%w: owner=%s asset=%s", ErrWalletNotFound, owner, asset)
}

// WalletExists reports a duplicate (owner, asset) wallet.
func WalletExists(owner, asset string) error {
	return fmt.Errorf("%w: owner=%s asset=%s", ErrWalletExists, owner, asset)
}

// UnknownAsset reports an asset symbol outside the known set.
func UnknownAsset(symbol string) error {
	return fmt.Errorf("%w: %q", ErrUnknownAsset, symbol)
}

// UnsupportedAsset reports an asset the selected engine cannot move.
func UnsupportedAsset(symbol string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedAsset, symbol)
}

// InsufficientFunds reports a shortfall in base units.
func InsufficientFunds(need, have string) error {
	return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, need, have)
}

// InvalidDestination wraps the reason a destination was rejected.
func InvalidDestination(addr string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrInvalidDestination, addr)
	}
	return fmt.Errorf("%w: %s: %v", ErrInvalidDestination, addr, cause)
}

// Broadcast wraps a relay or node submission failure.
func Broadcast(cause error) error {
	return fmt.Errorf("%w: %v", ErrBroadcast, cause)
}

// NonceResolution wraps a failure to read the sender's transaction counter.
func NonceResolution(cause error) error {
	return fmt.Errorf("%w: %v", ErrNonceResolution, cause)
}

// ExplorerUnavailable wraps an explorer failure.
func ExplorerUnavailable(explorer string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrExplorerUnavailable, explorer, cause)
}

// InvalidAmount reports an amount that cannot be encoded for an asset.
func InvalidAmount(amount, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidAmount, amount, reason)
}

// SameAddress reports a send whose destination is the source wallet.
func SameAddress(addr string) error {
	return fmt.Errorf("%w: %s", ErrSameAddress, addr)
}
