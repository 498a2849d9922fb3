package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
)

// EncodeAddress encodes pubKey as an address of the given type.
func EncodeAddress(pubKey *btcec.PublicKey, params *chain.Params, addrType chain.AddressType) (string, error) {
	switch addrType {
	case chain.AddressEVM:
		return crypto.PubkeyToAddress(*pubKey.ToECDSA()).Hex(), nil
	case chain.AddressP2PKH:
		return deriveP2PKH(pubKey, params.Net)
	case chain.AddressP2SH_P2WPKH:
		return DeriveP2SH_P2WPKH(pubKey, params.Net)
	default:
		return "", fmt.Errorf("unsupported address type %q", addrType)
	}
}

// deriveP2PKH derives a legacy P2PKH address (1... for BTC)
func deriveP2PKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2PKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// DeriveP2SH_P2WPKH derives a nested SegWit address (3... for BTC)
func DeriveP2SH_P2WPKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	redeemScript, err := P2WPKHRedeemScript(pubKey, params)
	if err != nil {
		return "", err
	}

	addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2SH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// P2WPKHRedeemScript returns the witness program (0 <hash160>) that a
// nested SegWit address commits to.
func P2WPKHRedeemScript(pubKey *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create witness address: %w", err)
	}

	script, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create witness script: %w", err)
	}
	return script, nil
}

// ValidateAddress checks if an address is valid for a chain/network.
func ValidateAddress(address string, params *chain.Params) bool {
	if params.Type == chain.ChainTypeEVM {
		return common.IsHexAddress(address)
	}
	addr, err := btcutil.DecodeAddress(address, params.Net)
	return err == nil && addr.IsForNet(params.Net)
}
