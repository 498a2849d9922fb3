// Package wallet is the custody keystore: it creates one keypair per
// (owner, asset), keeps private keys encrypted at rest with Argon2id +
// AES-256-GCM, and exposes them only through Sign.
package wallet

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/tyler-smith/go-bip39"
)

// Wallet is the public view of a stored wallet. It never carries key material.
type Wallet struct {
	ID          string            `json:"-"`
	Owner       string            `json:"-"`
	Asset       chain.Asset       `json:"type"`
	Address     string            `json:"address"`
	PublicKey   string            `json:"-"` // compressed, hex
	AddressType chain.AddressType `json:"-"`
	CreatedAt   time.Time         `json:"-"`
}

// PubKey parses the wallet's public key.
func (w *Wallet) PubKey() (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(w.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return btcec.ParsePubKey(raw)
}

// Family returns the ledger family of the wallet's asset.
func (w *Wallet) Family() chain.Family {
	return w.Asset.Family()
}

// generateKey creates a fresh private key from new BIP39 entropy, derived at
// the first external index of the chain's BIP44/49 path.
func generateKey(params *chain.Params, addrType chain.AddressType) (*btcec.PrivateKey, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer SecureClear(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	seed := bip39.NewSeed(mnemonic, "")
	defer SecureClear(seed)

	// Master key version bytes only matter for xprv serialization, which we
	// never do; EVM chains reuse bitcoin mainnet params.
	net := params.Net
	if net == nil {
		net = &chaincfg.MainNetParams
	}

	key, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	for _, child := range params.DerivationPath(purposeFor(params, addrType), 0, 0, 0) {
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	key.Zero()

	return privKey, nil
}

// purposeFor returns the BIP purpose for an address type: 49 for nested
// SegWit, 44 for legacy and EVM addresses.
func purposeFor(params *chain.Params, addrType chain.AddressType) uint32 {
	switch addrType {
	case chain.AddressP2SH_P2WPKH:
		return 49
	case chain.AddressP2PKH, chain.AddressEVM:
		return 44
	default:
		return params.DefaultPurpose
	}
}
