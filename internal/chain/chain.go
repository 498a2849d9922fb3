// Package chain defines the supported assets, their ledger families and the
// chain parameters used to derive keys and encode addresses.
// All chain-specific values are hardcoded here; token contract details come
// from configuration through TokenInfo.
package chain

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork returns Testnet for "testnet" and Mainnet otherwise.
func ParseNetwork(s string) Network {
	if s == string(Testnet) {
		return Testnet
	}
	return Mainnet
}

// ChainType represents the blockchain family a chain belongs to.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin"
	ChainTypeEVM     ChainType = "evm"
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH       AddressType = "p2pkh"       // Legacy (1...)
	AddressP2SH_P2WPKH AddressType = "p2sh-p2wpkh" // Nested SegWit (3...)
	AddressEVM         AddressType = "evm"         // 0x...
)

// Params contains all parameters for a blockchain.
type Params struct {
	Symbol   string
	Name     string
	Type     ChainType
	Decimals uint8

	// BIP44 derivation
	CoinType       uint32
	DefaultPurpose uint32

	// EVM chain ID, zero for bitcoin chains.
	ChainID uint64

	DefaultAddressType AddressType

	// btcd network parameters, nil for EVM chains.
	Net *chaincfg.Params
}

// DerivationPath returns the BIP44/49 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(purpose, account, change, index uint32) []uint32 {
	if purpose == 0 {
		purpose = p.DefaultPurpose
	}
	return []uint32{
		purpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// registry holds all chain parameters indexed by symbol and network.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// MustGet is Get for symbols registered in this package.
func MustGet(symbol string, network Network) *Params {
	p, ok := Get(symbol, network)
	if !ok {
		panic("chain: unregistered chain " + symbol + "/" + string(network))
	}
	return p
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}
