// Package crypto seals portal secrets (identity cookies, case tokens) before they reach storage.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Envelope format versions (first byte of a stored value).
const (
	formatPlain   byte = 0x00
	formatXChaCha byte = 0x01
)

// KeyLen is the derived key length.
const KeyLen = chacha20poly1305.KeySize

// ErrMalformed is returned for values that cannot be opened.
var ErrMalformed = errors.New("sealed value malformed")

// Sealer encrypts values bound to a row identifier (aad).
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives a purpose-specific key from the master secret via HKDF-SHA256.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master key")
	}
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// XChaCha seals with XChaCha20-Poly1305 and a random nonce.
type XChaCha struct{ key []byte }

// NewXChaCha constructs a sealer from the master secret and a purpose label.
func NewXChaCha(master []byte, purpose string) (*XChaCha, error) {
	key, err := DeriveKey(master, purpose)
	if err != nil {
		return nil, err
	}
	return &XChaCha{key: key}, nil
}

// Seal returns version || nonce || ciphertext.
func (s *XChaCha) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, formatXChaCha)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open accepts sealed values and values stored before sealing was enabled.
func (s *XChaCha) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, ErrMalformed
	}
	switch sealed[0] {
	case formatPlain:
		return sealed[1:], nil
	case formatXChaCha:
	default:
		return nil, ErrMalformed
	}
	body := sealed[1:]
	if len(body) < chacha20poly1305.NonceSizeX {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, body[:chacha20poly1305.NonceSizeX], body[chacha20poly1305.NonceSizeX:], aad)
}

// Plain stores values unencrypted behind the same envelope.
type Plain struct{}

// Seal prefixes the plaintext with the plain format byte.
func (Plain) Seal(plaintext, _ []byte) ([]byte, error) {
	return append([]byte{formatPlain}, plaintext...), nil
}

// Open rejects encrypted values, which need a key.
func (Plain) Open(sealed, _ []byte) ([]byte, error) {
	if len(sealed) == 0 || sealed[0] != formatPlain {
		return nil, ErrMalformed
	}
	return sealed[1:], nil
}
