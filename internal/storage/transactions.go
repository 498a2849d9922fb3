package storage

import (
	"database/sql"
	"strings"
	"time"
)

// TxRecord is a canonical transaction row. Contract is empty for the
// native asset and lower-cased otherwise.
type TxRecord struct {
	Hash        string
	Contract    string
	From        string
	To          string
	Value       string // base units
	BlockNumber string
	Fee         string // base units
	FeePrice    string
	Symbol      string
	Timestamp   int64
}

// SaveTransaction inserts tx unless a row with the same (hash, contract)
// exists. inserted reports whether a new row was written; a duplicate is not
// an error.
func (s *Storage) SaveTransaction(tx *TxRecord) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO transactions (
			hash, contract, from_addr, to_addr, value, block_number,
			fee, fee_price, symbol, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash, contract) DO NOTHING
	`,
		tx.Hash, strings.ToLower(tx.Contract), tx.From, tx.To, tx.Value, tx.BlockNumber,
		tx.Fee, tx.FeePrice, tx.Symbol, tx.Timestamp, time.Now().Unix(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetTransaction returns the row for (hash, contract), or nil.
func (s *Storage) GetTransaction(hash, contract string) (*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT hash, contract, from_addr, to_addr, value, block_number, fee, fee_price, symbol, timestamp
		FROM transactions WHERE hash = ? AND contract = ?
	`, hash, strings.ToLower(contract))
	return scanTx(row)
}

// ListTransactionsByAddress returns rows where address is the sender or the
// recipient, compared case-insensitively, newest first. An empty symbol
// matches every symbol. limit <= 0 means no limit.
func (s *Storage) ListTransactionsByAddress(address, symbol string, limit int) ([]*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT hash, contract, from_addr, to_addr, value, block_number, fee, fee_price, symbol, timestamp
		FROM transactions
		WHERE (lower(from_addr) = lower(?) OR lower(to_addr) = lower(?))
	`
	args := []interface{}{address, address}

	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY timestamp DESC, hash, contract"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*TxRecord
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// CorrectSymbol rewrites the symbol of an existing row. It is the only
// mutation allowed on canonical transactions.
func (s *Storage) CorrectSymbol(hash, contract, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE transactions SET symbol = ? WHERE hash = ? AND contract = ?",
		symbol, hash, strings.ToLower(contract),
	)
	return err
}

// CountTransactions returns the number of canonical rows.
func (s *Storage) CountTransactions() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM transactions").Scan(&n)
	return n, err
}

func scanTx(row rowScanner) (*TxRecord, error) {
	var tx TxRecord
	err := row.Scan(
		&tx.Hash, &tx.Contract, &tx.From, &tx.To, &tx.Value, &tx.BlockNumber,
		&tx.Fee, &tx.FeePrice, &tx.Symbol, &tx.Timestamp,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
