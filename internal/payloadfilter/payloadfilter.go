// Package payloadfilter implements the "opaque filter" boundary from spec
// §1 ("TLS/DTLS encryption: treated as an opaque filter that may wrap
// payloads before exposure and unwrap after pull"): an optional seal/open
// step applied to the object bytes before they are handed to Surface.New,
// and after they come back from Reception.Object.
//
// Grounded on internal/encoder/crypto.go and internal/decoder/crypto.go's
// AEAD-over-random-nonce shape, adapted from password+PBKDF2 (the spec has
// no passphrase concept; peer authentication is explicitly out of scope per
// §1) to HKDF-derived keys from a caller-supplied shared secret.
package payloadfilter

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Filter seals an object's bytes before exposure and opens them again after
// reconstruction. Nil is a valid Filter value everywhere one is accepted,
// meaning "no filter": callers that don't need confidentiality pay nothing.
type Filter interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

const (
	saltSize  = 32
	nonceSize = chacha20poly1305.NonceSize
)

// aeadFilter implements Filter with ChaCha20-Poly1305 over a per-call random
// salt and nonce, keyed by HKDF-SHA256 from a long-term shared secret.
type aeadFilter struct {
	secret []byte
	info   []byte
}

// NewAEADFilter builds a Filter from a long-term shared secret (e.g. a
// pre-shared key established out of band — peer authentication is out of
// scope per the core's Non-goals). info is bound into the HKDF expansion as
// domain separation context and may be nil.
func NewAEADFilter(secret, info []byte) (Filter, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("payloadfilter: secret must be non-empty")
	}
	return &aeadFilter{secret: secret, info: info}, nil
}

func (f *aeadFilter) deriveKey(salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, f.secret, salt, f.info)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("payloadfilter: key derivation: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext, returning salt || nonce || ciphertext-with-tag.
func (f *aeadFilter) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("payloadfilter: salt generation: %w", err)
	}
	key, err := f.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("payloadfilter: cipher init: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("payloadfilter: nonce generation: %w", err)
	}

	sealed := make([]byte, 0, saltSize+nonceSize+len(plaintext)+aead.Overhead())
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, plaintext, nil)
	return sealed, nil
}

// Open reverses Seal, authenticating the ciphertext before returning
// plaintext.
func (f *aeadFilter) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize+nonceSize {
		return nil, fmt.Errorf("payloadfilter: sealed payload too short")
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+nonceSize]
	ciphertext := sealed[saltSize+nonceSize:]

	key, err := f.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("payloadfilter: cipher init: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("payloadfilter: authentication failed: %w", err)
	}
	return plaintext, nil
}
