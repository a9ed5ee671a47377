// Package vault implements the client-side cryptography of MarkVault:
// vault key generation, passphrase wrapping of the key into a durable
// envelope, the per-record AEAD codec and the canonical record-set
// checksum used by the pull short-circuit.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/akarpov/markvault/internal/models"
)

// ErrWrongPassphrase is returned when an envelope cannot be unwrapped.
// An authentication-tag mismatch is the only signal available, so a
// corrupted envelope is indistinguishable from a wrong passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted envelope")

const (
	// vaultKeyLen is the AES-256 vault key size.
	vaultKeyLen = 32
	saltLen     = 16
)

// DefaultKDFParams are the argon2id cost parameters recorded into new
// envelopes. Unwrapping always uses the parameters stored in the
// envelope, so these can change without breaking old envelopes.
var DefaultKDFParams = models.KDFParams{
	Algorithm: "argon2id",
	Time:      1,
	MemoryKiB: 64 * 1024,
	Threads:   4,
	KeyLen:    vaultKeyLen,
}

// GenerateVaultKey produces a fresh random symmetric vault key.
func GenerateVaultKey() ([]byte, error) {
	key := make([]byte, vaultKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	return key, nil
}

// deriveKEK re-derives the key-encryption key from a secret and the
// stored salt/cost parameters.
func deriveKEK(secret, salt []byte, p models.KDFParams) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}

// wrapKey seals vaultKey under a KEK derived from secret with a fresh
// salt, producing one wrapper triple.
func wrapKey(secret, vaultKey []byte, params models.KDFParams) (models.KeyWrapper, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return models.KeyWrapper{}, fmt.Errorf("generate salt: %w", err)
	}
	kek := deriveKEK(secret, salt, params)
	sealed, err := Encrypt(vaultKey, kek)
	if err != nil {
		return models.KeyWrapper{}, fmt.Errorf("wrap vault key: %w", err)
	}
	return models.KeyWrapper{
		WrappedKey: sealed,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		KDFParams:  params,
	}, nil
}

// unwrapKey reverses wrapKey. Any AEAD failure surfaces as
// ErrWrongPassphrase.
func unwrapKey(w models.KeyWrapper, secret []byte) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	kek := deriveKEK(secret, salt, w.KDFParams)
	key, err := Decrypt(w.WrappedKey, kek)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return key, nil
}

// CreateEnvelope wraps vaultKey under a KEK derived from passphrase and
// self-verifies the result by unwrapping it again. A failed round trip
// is a construction error and the envelope is never returned.
func CreateEnvelope(passphrase string, vaultKey []byte) (*models.VaultKeyEnvelope, error) {
	w, err := wrapKey([]byte(passphrase), vaultKey, DefaultKDFParams)
	if err != nil {
		return nil, err
	}
	env := &models.VaultKeyEnvelope{KeyWrapper: w}

	// Self-check: the envelope must round-trip before it is persisted.
	got, err := Unwrap(env, passphrase)
	if err != nil || !bytes.Equal(got, vaultKey) {
		return nil, fmt.Errorf("envelope self-verification failed")
	}
	return env, nil
}

// AddRecoveryWrapper wraps the same vault key under an alternate secret
// (e.g. a recovery code) and appends it to the envelope.
func AddRecoveryWrapper(env *models.VaultKeyEnvelope, secret string, vaultKey []byte) error {
	w, err := wrapKey([]byte(secret), vaultKey, DefaultKDFParams)
	if err != nil {
		return err
	}
	if got, err := unwrapKey(w, []byte(secret)); err != nil || !bytes.Equal(got, vaultKey) {
		return fmt.Errorf("recovery wrapper self-verification failed")
	}
	env.RecoveryWrappers = append(env.RecoveryWrappers, w)
	return nil
}

// Unwrap recovers the vault key from the envelope's primary wrapper.
// Returns ErrWrongPassphrase on any mismatch.
func Unwrap(env *models.VaultKeyEnvelope, passphrase string) ([]byte, error) {
	return unwrapKey(env.KeyWrapper, []byte(passphrase))
}

// UnwrapRecovery tries every recovery wrapper with the given secret.
// Any one unwrapping successfully yields the same vault key.
func UnwrapRecovery(env *models.VaultKeyEnvelope, secret string) ([]byte, error) {
	for _, w := range env.RecoveryWrappers {
		if key, err := unwrapKey(w, []byte(secret)); err == nil {
			return key, nil
		}
	}
	return nil, ErrWrongPassphrase
}

// newAEAD builds the AES-GCM cipher used for both key wrapping and
// record payloads.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}
