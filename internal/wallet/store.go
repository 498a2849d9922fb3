package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// Store owns every custody keypair. Private keys are decrypted only inside
// Sign and never leave this package.
type Store struct {
	storage        *storage.Storage
	cipher         *keyCipher
	network        chain.Network
	btcAddressType chain.AddressType
	log            *logging.Logger
}

// StoreConfig holds configuration for the wallet store.
type StoreConfig struct {
	Storage    *storage.Storage
	Network    chain.Network
	Passphrase string

	// BTCAddressType selects p2sh-p2wpkh (default) or p2pkh for new BTC wallets.
	BTCAddressType chain.AddressType

	Logger *logging.Logger
}

// NewStore opens the keystore. The passphrase must match the one the
// database was first opened with.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := ValidatePassphrase(cfg.Passphrase); err != nil {
		return nil, fmt.Errorf("weak passphrase: %w", err)
	}

	network := cfg.Network
	if network == "" {
		network = chain.Mainnet
	}

	addrType := cfg.BTCAddressType
	switch addrType {
	case "":
		addrType = chain.AddressP2SH_P2WPKH
	case chain.AddressP2SH_P2WPKH, chain.AddressP2PKH:
	default:
		return nil, fmt.Errorf("unsupported BTC address type %q", addrType)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("wallet")
	}

	kc, err := openKeyCipher(cfg.Storage, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	return &Store{
		storage:        cfg.Storage,
		cipher:         kc,
		network:        network,
		btcAddressType: addrType,
		log:            log,
	}, nil
}

// Network returns the network wallets are created for.
func (s *Store) Network() chain.Network {
	return s.network
}

// GetWallet returns the wallet of owner for asset.
func (s *Store) GetWallet(ctx context.Context, owner string, asset chain.Asset) (*Wallet, error) {
	rec, err := s.storage.GetWallet(owner, asset.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if rec == nil {
		return nil, errs.WalletNotFound(owner, asset.String())
	}
	return fromRecord(rec), nil
}

// ListWallets returns all wallets of owner ordered by asset symbol.
func (s *Store) ListWallets(ctx context.Context, owner string) ([]*Wallet, error) {
	recs, err := s.storage.ListWallets(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	wallets := make([]*Wallet, 0, len(recs))
	for _, rec := range recs {
		w := fromRecord(rec)
		if !w.Asset.Known() {
			s.log.Warn("Skipping wallet with unknown asset", "owner", owner, "asset", rec.Asset)
			continue
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// CreateWallet generates and stores a new keypair for (owner, asset). A
// token wallet shares the keypair of the owner's native wallet on its chain.
func (s *Store) CreateWallet(ctx context.Context, owner string, asset chain.Asset) (*Wallet, error) {
	if owner == "" {
		return nil, errs.MissingField("owner")
	}
	if !asset.Known() {
		return nil, errs.UnknownAsset(asset.String())
	}

	existing, err := s.storage.GetWallet(owner, asset.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if existing != nil {
		return nil, errs.WalletExists(owner, asset.String())
	}

	if asset.IsToken() {
		return s.createTokenWallet(ctx, owner, asset)
	}

	params, ok := chain.Get(asset.ChainSymbol(), s.network)
	if !ok {
		return nil, errs.UnsupportedAsset(asset.String())
	}

	addrType := chain.AddressEVM
	if asset.Family() == chain.FamilyUTXO {
		addrType = s.btcAddressType
	}

	privKey, err := generateKey(params, addrType)
	if err != nil {
		return nil, err
	}
	defer privKey.Zero()

	pubKey := privKey.PubKey()
	address, err := EncodeAddress(pubKey, params, addrType)
	if err != nil {
		return nil, err
	}

	keyBytes := privKey.Serialize()
	sealed, err := s.cipher.seal(keyBytes)
	SecureClear(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}

	return s.insert(&storage.WalletRecord{
		ID:           uuid.New().String(),
		Owner:        owner,
		Asset:        asset.String(),
		Address:      address,
		PublicKey:    hex.EncodeToString(pubKey.SerializeCompressed()),
		AddressType:  string(addrType),
		EncryptedKey: sealed,
	})
}

// createTokenWallet records a token wallet on the owner's native wallet of
// the same chain: same key, same address. The native wallet is created first
// when the owner has none.
func (s *Store) createTokenWallet(ctx context.Context, owner string, asset chain.Asset) (*Wallet, error) {
	native := chain.ParseAsset(asset.ChainSymbol())

	base, err := s.storage.GetWallet(owner, native.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if base == nil {
		if _, err := s.CreateWallet(ctx, owner, native); err != nil && !errors.Is(err, errs.ErrWalletExists) {
			return nil, fmt.Errorf("failed to create %s wallet: %w", native, err)
		}
		if base, err = s.storage.GetWallet(owner, native.String()); err != nil {
			return nil, fmt.Errorf("failed to load wallet: %w", err)
		}
		if base == nil {
			return nil, errs.WalletNotFound(owner, native.String())
		}
	}

	return s.insert(&storage.WalletRecord{
		ID:           uuid.New().String(),
		Owner:        owner,
		Asset:        asset.String(),
		Address:      base.Address,
		PublicKey:    base.PublicKey,
		AddressType:  base.AddressType,
		EncryptedKey: base.EncryptedKey,
	})
}

func (s *Store) insert(rec *storage.WalletRecord) (*Wallet, error) {
	if err := s.storage.CreateWallet(rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, errs.WalletExists(rec.Owner, rec.Asset)
		}
		return nil, err
	}

	s.log.Info("Wallet created", "owner", rec.Owner, "asset", rec.Asset, "address", rec.Address)
	return fromRecord(rec), nil
}

// ProvisionOwner makes sure owner has a wallet for every supported asset and
// returns the full set.
func (s *Store) ProvisionOwner(ctx context.Context, owner string) ([]*Wallet, error) {
	if owner == "" {
		return nil, errs.MissingField("owner")
	}

	for _, asset := range chain.Assets() {
		_, err := s.CreateWallet(ctx, owner, asset)
		if err != nil && !errors.Is(err, errs.ErrWalletExists) {
			return nil, fmt.Errorf("failed to provision %s wallet: %w", asset, err)
		}
	}
	return s.ListWallets(ctx, owner)
}

// Sign signs a 32-byte digest with the wallet's private key.
//
// UTXO wallets get a DER-encoded ECDSA signature (no sighash byte). Account
// wallets get a 65-byte [R || S || V] recoverable signature with V in {0, 1}.
func (s *Store) Sign(ctx context.Context, w *Wallet, payload []byte) ([]byte, error) {
	if w == nil {
		return nil, errs.MissingField("wallet")
	}
	if len(payload) != 32 {
		return nil, fmt.Errorf("payload must be a 32-byte digest, got %d bytes", len(payload))
	}

	rec, err := s.storage.GetWallet(w.Owner, w.Asset.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if rec == nil || rec.ID != w.ID {
		return nil, errs.WalletNotFound(w.Owner, w.Asset.String())
	}

	keyBytes, err := s.cipher.open(rec.EncryptedKey)
	if err != nil {
		return nil, err
	}
	privKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	SecureClear(keyBytes)
	defer privKey.Zero()

	switch w.Asset.Family() {
	case chain.FamilyUTXO:
		return ecdsa.Sign(privKey, payload).Serialize(), nil
	case chain.FamilyAccount:
		sig, err := crypto.Sign(payload, privKey.ToECDSA())
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		return sig, nil
	default:
		return nil, errs.UnsupportedAsset(w.Asset.String())
	}
}

func fromRecord(rec *storage.WalletRecord) *Wallet {
	return &Wallet{
		ID:          rec.ID,
		Owner:       rec.Owner,
		Asset:       chain.ParseAsset(rec.Asset),
		Address:     rec.Address,
		PublicKey:   rec.PublicKey,
		AddressType: chain.AddressType(rec.AddressType),
		CreatedAt:   rec.CreatedAt,
	}
}
