// Package vault seals persisted snapshots with a passphrase-derived key.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// magic prefixes every sealed blob so readers can tell sealed data from
// plain JSON written before a passphrase was configured.
var magic = []byte("CRV1")

// ErrNotSealed is returned by Open for data without the sealed header.
var ErrNotSealed = errors.New("data is not sealed")

// Vault seals blobs with AES-256-GCM under an Argon2id key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key from passphrase. The salt is the SHA-256 of the
// passphrase, so the same passphrase opens blobs across restarts.
func New(passphrase string) (*Vault, error) {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext into magic | nonce | ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, magic...)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	body := sealed[len(magic):]
	ns := v.aead.NonceSize()
	if len(body) < ns {
		return nil, fmt.Errorf("decrypt: sealed data truncated")
	}
	plaintext, err := v.aead.Open(nil, body[:ns], body[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the sealed header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}
