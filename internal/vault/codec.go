package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecryption is returned for any ciphertext that fails to open:
// wrong key, corrupted blob or a blob too short to carry the fixed
// IV/tag layout.
var ErrDecryption = errors.New("decryption failed")

const (
	ivLen  = 12
	tagLen = 16
)

// Encrypt seals an entire record payload under the vault key and
// returns the blob IV(12) ‖ ciphertext ‖ tag(16) as one base64 string.
// Encryption is unit-of-record: there is no field-level granularity.
func Encrypt(plaintext, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}
	// Seal appends ciphertext+tag after the IV prefix.
	blob := aead.Seal(iv, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. The blob length is validated before slicing
// so a truncated blob fails as ErrDecryption rather than a panic or an
// ambiguous AEAD error.
func Decrypt(encoded string, key []byte) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(blob) < ivLen+tagLen {
		return nil, ErrDecryption
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, blob[:ivLen], blob[ivLen:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
