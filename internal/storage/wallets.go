package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// WalletRecord is a stored (owner, asset) keypair. EncryptedKey is opaque
// to this package.
type WalletRecord struct {
	ID           string
	Owner        string
	Asset        string
	Address      string
	PublicKey    string
	AddressType  string
	EncryptedKey []byte
	CreatedAt    time.Time
}

// CreateWallet inserts a new wallet. A second wallet for the same
// (owner, asset) returns ErrDuplicate and leaves the existing row untouched.
func (s *Storage) CreateWallet(w *WalletRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO wallets (id, owner, asset, address, public_key, address_type, encrypted_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Owner, w.Asset, w.Address, w.PublicKey, w.AddressType, w.EncryptedKey, w.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: wallet %s/%s", ErrDuplicate, w.Owner, w.Asset)
		}
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

// GetWallet returns the wallet for (owner, asset), or nil if none exists.
func (s *Storage) GetWallet(owner, asset string) (*WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, owner, asset, address, public_key, address_type, encrypted_key, created_at
		FROM wallets WHERE owner = ? AND asset = ?
	`, owner, asset)
	return scanWallet(row)
}

// GetWalletByAddress returns the first wallet holding address (case-insensitive).
func (s *Storage) GetWalletByAddress(address string) (*WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, owner, asset, address, public_key, address_type, encrypted_key, created_at
		FROM wallets WHERE lower(address) = lower(?)
		ORDER BY created_at LIMIT 1
	`, address)
	return scanWallet(row)
}

// ListWallets returns all wallets of an owner ordered by asset.
func (s *Storage) ListWallets(owner string) ([]*WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, owner, asset, address, public_key, address_type, encrypted_key, created_at
		FROM wallets WHERE owner = ?
		ORDER BY asset
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*WalletRecord
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (*WalletRecord, error) {
	var w WalletRecord
	var createdAt int64

	err := row.Scan(&w.ID, &w.Owner, &w.Asset, &w.Address, &w.PublicKey, &w.AddressType, &w.EncryptedKey, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	w.CreatedAt = time.Unix(createdAt, 0)
	return &w, nil
}
