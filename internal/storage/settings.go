package storage

import (
	"database/sql"
	"time"
)

// GetSetting returns a stored setting. ok is false if the key is absent.
func (s *Storage) GetSetting(key string) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v sql.NullString
	err = s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

// SetSetting stores or replaces a setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// SetSettingIfAbsent stores a setting only if the key is not yet present and
// returns the value that ends up stored.
func (s *Storage) SetSettingIfAbsent(key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, value, time.Now().Unix()); err != nil {
		return "", err
	}

	var stored string
	if err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&stored); err != nil {
		return "", err
	}
	return stored, nil
}
