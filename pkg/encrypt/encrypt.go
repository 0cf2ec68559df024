// Package encrypt seals key material at rest with AES-256-GCM.
//
// The homomorphic secret key is the one artifact that can decrypt stored
// ciphertexts, so the key cache never writes it in the clear. A sealing key is
// derived from an operator passphrase with Argon2id and bound to its purpose
// through additional authenticated data.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the size of AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// SaltSize is the size of salts for key derivation.
	SaltSize = 16

	// Argon2Time is the time parameter for Argon2id.
	Argon2Time = 1

	// Argon2Memory is the memory parameter for Argon2id (64 MB).
	Argon2Memory = 64 * 1024

	// Argon2Threads is the parallelism parameter for Argon2id.
	Argon2Threads = 4
)

var (
	// ErrInvalidKey is returned when the sealing key is not 32 bytes.
	ErrInvalidKey = errors.New("invalid sealing key: must be 32 bytes")

	// ErrInvalidCiphertext is returned when a sealed payload is too short.
	ErrInvalidCiphertext = errors.New("invalid sealed payload: too short")

	// ErrDecryptionFailed is returned for a wrong passphrase or tampered payload.
	ErrDecryptionFailed = errors.New("unseal failed: authentication error")
)

// AESGCM seals and opens payloads with a fixed 256-bit key.
type AESGCM struct {
	key    []byte
	cipher cipher.AEAD
}

// NewAESGCM creates a sealer for key, which must be exactly 32 bytes.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	keyCopy := make([]byte, KeySize)
	copy(keyCopy, key)

	return &AESGCM{
		key:    keyCopy,
		cipher: gcm,
	}, nil
}

// Seal encrypts plaintext bound to aad.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (e *AESGCM) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.cipher.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a payload produced by Seal with the same aad.
func (e *AESGCM) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize+e.cipher.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := e.cipher.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// KeyFingerprint returns the first 8 bytes of the key's SHA-256, hex encoded.
func (e *AESGCM) KeyFingerprint() string {
	hash := sha256.Sum256(e.key)
	return fmt.Sprintf("%x", hash[:8])
}

// DeriveKey derives a 256-bit key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		Argon2Time,
		Argon2Memory,
		Argon2Threads,
		KeySize,
	)
}

// SealWithPassphrase derives a fresh key from passphrase and seals plaintext.
// The returned payload is salt (16 bytes) || Seal output.
func SealWithPassphrase(passphrase string, plaintext, aad []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	sealer, err := NewAESGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	sealed, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(passphrase string, payload, aad []byte) ([]byte, error) {
	if len(payload) < SaltSize {
		return nil, ErrInvalidCiphertext
	}

	sealer, err := NewAESGCM(DeriveKey(passphrase, payload[:SaltSize]))
	if err != nil {
		return nil, err
	}
	return sealer.Open(payload[SaltSize:], aad)
}
