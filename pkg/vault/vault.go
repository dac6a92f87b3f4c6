// Package vault provides authenticated symmetric encryption for stored
// service credentials. A single 256-bit key is derived once at process
// startup from an operator-supplied secret via scrypt and held only in
// memory; it is never logged or serialized.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	keyLen     = 32 // AES-256
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
	nonceBytes = 12 // AES-GCM standard nonce size
)

// ErrCiphertextInvalid is returned when decryption fails because the
// authentication tag does not verify or the ciphertext is malformed.
var ErrCiphertextInvalid = errors.New("vault: ciphertext invalid")

// Vault encrypts and decrypts credential plaintext with AES-256-GCM.
// The derived key is immutable for the lifetime of the process and is
// safe for concurrent use.
type Vault struct {
	gcm cipher.AEAD
}

// New derives the encryption key from secret+salt via scrypt and
// constructs a Vault. secret must be at least 32 characters; this is
// enforced by pkg/config before New is ever called, but is re-checked
// here since Vault has no other caller-independent invariant to lean on.
func New(secret, salt string) (*Vault, error) {
	if len(secret) < 32 {
		return nil, errors.New("vault: encryption secret must be at least 32 characters")
	}
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm init failed: %w", err)
	}

	return &Vault{gcm: gcm}, nil
}

// Encrypt returns nonce||ciphertext||authTag as a single opaque byte
// slice; the tag follows the ciphertext rather than preceding it. A
// fresh random nonce is drawn for every call; nonces are never reused.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce generation failed: %w", err)
	}
	// Seal appends the auth tag to the ciphertext; prefixing the nonce
	// gives the nonce||ct||authTag layout Decrypt expects.
	sealed := v.gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt reverses Encrypt. Any tampering with the iv, tag, or
// ciphertext bytes causes ErrCiphertextInvalid.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceBytes {
		return nil, ErrCiphertextInvalid
	}
	nonce, sealed := ciphertext[:nonceBytes], ciphertext[nonceBytes:]
	plaintext, err := v.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return plaintext, nil
}
