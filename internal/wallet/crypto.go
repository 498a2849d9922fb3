package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

// Settings keys holding the keystore parameters.
const (
	settingSalt  = "keystore_salt"
	settingCheck = "keystore_check"
)

// checkPlaintext is sealed once per keystore so a wrong passphrase is caught
// at startup instead of at the first signature.
var checkPlaintext = []byte("klingon-custody keystore v1")

// ErrWrongPassphrase is returned when the passphrase does not open the keystore.
var ErrWrongPassphrase = errors.New("failed to decrypt keystore (wrong passphrase?)")

// keyCipher encrypts private keys at rest with AES-256-GCM under a key
// derived by Argon2id from the operator passphrase.
type keyCipher struct {
	aead cipher.AEAD
}

func newKeyCipher(passphrase string, salt []byte) (*keyCipher, error) {
	// Derive key using Argon2id (resistant to side-channel and GPU attacks)
	key := argon2.IDKey(
		[]byte(passphrase),
		salt,
		argon2Time,
		argon2Memory,
		argon2Parallelism,
		argon2KeyLen,
	)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &keyCipher{aead: gcm}, nil
}

// seal encrypts plaintext and returns nonce || ciphertext.
func (c *keyCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal. The caller must SecureClear the result.
func (c *keyCipher) open(data []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// settingsStore is the part of storage the keystore parameters live in.
type settingsStore interface {
	GetSetting(key string) (string, bool, error)
	SetSettingIfAbsent(key, value string) (string, error)
}

// openKeyCipher loads (or creates on first run) the keystore salt and
// verifies the passphrase against the stored check value.
func openKeyCipher(settings settingsStore, passphrase string) (*keyCipher, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	storedSalt, err := settings.SetSettingIfAbsent(settingSalt, hex.EncodeToString(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to store keystore salt: %w", err)
	}
	salt, err = hex.DecodeString(storedSalt)
	if err != nil {
		return nil, fmt.Errorf("corrupt keystore salt: %w", err)
	}

	kc, err := newKeyCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}

	check, ok, err := settings.GetSetting(settingCheck)
	if err != nil {
		return nil, err
	}
	if !ok {
		sealed, err := kc.seal(checkPlaintext)
		if err != nil {
			return nil, err
		}
		if _, err := settings.SetSettingIfAbsent(settingCheck, hex.EncodeToString(sealed)); err != nil {
			return nil, fmt.Errorf("failed to store keystore check: %w", err)
		}
		return kc, nil
	}

	sealed, err := hex.DecodeString(check)
	if err != nil {
		return nil, fmt.Errorf("corrupt keystore check: %w", err)
	}
	plain, err := kc.open(sealed)
	if err != nil {
		return nil, err
	}
	if string(plain) != string(checkPlaintext) {
		return nil, ErrWrongPassphrase
	}
	return kc, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Passphrase validation constants
const (
	MinPassphraseLength = 8
	MaxPassphraseLength = 256
)

// ValidatePassphrase validates passphrase strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLength)
	}
	if len(passphrase) > MaxPassphraseLength {
		return fmt.Errorf("passphrase must be at most %d characters", MaxPassphraseLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range passphrase {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, has := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if has {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("passphrase must contain at least 3 of: uppercase, lowercase, number, special character")
	}

	return nil
}
