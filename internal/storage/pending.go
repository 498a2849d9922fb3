package storage

import (
	"database/sql"
	"time"
)

// PendingStatus is the lifecycle state of a broadcast transaction.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusConfirmed PendingStatus = "confirmed"
	PendingStatusFailed    PendingStatus = "failed"
	PendingStatusDropped   PendingStatus = "dropped"
)

// PendingTx is a broadcast transaction waiting for its follow-up step.
type PendingTx struct {
	Hash        string
	Owner       string
	Asset       string
	Family      string
	Contract    string
	From        string
	To          string
	Value       string
	Fee         string
	FeePrice    string
	Nonce       *uint64
	Status      PendingStatus
	Attempts    int
	LastError   string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// EnqueuePending records a broadcast transaction. Enqueuing the same hash
// twice keeps the first row.
func (s *Storage) EnqueuePending(p *PendingTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = now
	}
	if p.Status == "" {
		p.Status = PendingStatusPending
	}

	var nonce sql.NullInt64
	if p.Nonce != nil {
		nonce = sql.NullInt64{Int64: int64(*p.Nonce), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO pending_transactions (
			hash, owner, asset, family, contract, from_addr, to_addr, value,
			fee, fee_price, nonce, status, attempts, submitted_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`,
		p.Hash, p.Owner, p.Asset, p.Family, p.Contract, p.From, p.To, p.Value,
		p.Fee, p.FeePrice, nonce, string(p.Status), p.SubmittedAt.Unix(), now.Unix(),
	)
	return err
}

// ListPending returns up to limit rows still in the pending state, oldest first.
func (s *Storage) ListPending(limit int) ([]*PendingTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT hash, owner, asset, family, contract, from_addr, to_addr, value,
			fee, fee_price, nonce, status, attempts, last_error, submitted_at, updated_at
		FROM pending_transactions
		WHERE status = ?
		ORDER BY submitted_at, hash
		LIMIT ?
	`, string(PendingStatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingTx
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPending returns a pending row by hash, or nil.
func (s *Storage) GetPending(hash string) (*PendingTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT hash, owner, asset, family, contract, from_addr, to_addr, value,
			fee, fee_price, nonce, status, attempts, last_error, submitted_at, updated_at
		FROM pending_transactions WHERE hash = ?
	`, hash)
	return scanPending(row)
}

// UpdatePendingStatus moves a row to a new status.
func (s *Storage) UpdatePendingStatus(hash string, status PendingStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE pending_transactions SET status = ?, last_error = ?, updated_at = ?
		WHERE hash = ?
	`, string(status), lastError, time.Now().Unix(), hash)
	return err
}

// IncrementPendingAttempts bumps the poll counter and returns the new value.
func (s *Storage) IncrementPendingAttempts(hash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		UPDATE pending_transactions SET attempts = attempts + 1, updated_at = ?
		WHERE hash = ?
	`, time.Now().Unix(), hash); err != nil {
		return 0, err
	}

	var attempts int
	err := s.db.QueryRow("SELECT attempts FROM pending_transactions WHERE hash = ?", hash).Scan(&attempts)
	return attempts, err
}

// CleanupPending deletes finished rows last updated before olderThan.
func (s *Storage) CleanupPending(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM pending_transactions
		WHERE status != ? AND updated_at < ?
	`, string(PendingStatusPending), olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanPending(row rowScanner) (*PendingTx, error) {
	var p PendingTx
	var status string
	var nonce sql.NullInt64
	var lastError sql.NullString
	var submittedAt, updatedAt int64

	err := row.Scan(
		&p.Hash, &p.Owner, &p.Asset, &p.Family, &p.Contract, &p.From, &p.To, &p.Value,
		&p.Fee, &p.FeePrice, &nonce, &status, &p.Attempts, &lastError, &submittedAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.Status = PendingStatus(status)
	if nonce.Valid {
		n := uint64(nonce.Int64)
		p.Nonce = &n
	}
	if lastError.Valid {
		p.LastError = lastError.String
	}
	p.SubmittedAt = time.Unix(submittedAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}
