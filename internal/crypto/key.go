package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// AES-256-GCM parameters.
const (
	NonceSize = 12
	TagSize   = 16
	KeySize   = 32

	// Overhead is the number of bytes Seal adds to its input.
	Overhead = NonceSize + TagSize
)

// Errors returned by key handling and sealing.
var (
	ErrInvalidKey       = errors.New("invalid encryption key: must be 32 bytes")
	ErrKeyFileNotFound  = errors.New("encryption key file not found")
	ErrInvalidKeyFormat = errors.New("invalid key format: must be 32 bytes or 64 hex chars")
	ErrSealedTooShort   = errors.New("sealed data too short")
	ErrOpenFailed       = errors.New("decryption failed: wrong key or tampered data")
)

// Key seals and opens journal records and dump bodies. A Key is safe for
// concurrent use.
type Key struct {
	raw  []byte
	aead cipher.AEAD
	id   uint64
}

// NewKey creates a key from 32 raw bytes.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	k := &Key{raw: make([]byte, KeySize), aead: aead}
	copy(k.raw, raw)
	// id hashes a seal of a fixed block under a zero nonce.
	sample := aead.Seal(nil, make([]byte, NonceSize), []byte("dirmgr key id"), nil)
	k.id = xxhash.Sum64(sample)
	return k, nil
}

// GenerateKey returns 32 random bytes.
func GenerateKey() ([]byte, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// LoadKey reads a key file holding either 32 raw bytes or 64 hex
// characters. Surrounding whitespace is ignored for the hex form.
func LoadKey(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyFileNotFound
		}
		return nil, err
	}
	if len(data) == KeySize {
		return NewKey(data)
	}

	trimmed := strings.TrimSpace(string(data))
	switch len(trimmed) {
	case KeySize:
		return NewKey([]byte(trimmed))
	case KeySize * 2:
		raw, err := hex.DecodeString(trimmed)
		if err != nil {
			return nil, ErrInvalidKeyFormat
		}
		return NewKey(raw)
	default:
		return nil, ErrInvalidKeyFormat
	}
}

// SaveKey writes raw to path in hex form, readable by the owner only.
func SaveKey(raw []byte, path string) error {
	if len(raw) != KeySize {
		return ErrInvalidKey
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600)
}

// ID identifies the key without exposing it. Two keys with the same bytes
// have the same id.
func (k *Key) ID() uint64 {
	return k.id
}

// Seal encrypts plaintext under a fresh random nonce. ad is authenticated
// but not stored; Open must be given the same ad. The result is the
// nonce followed by the ciphertext and tag.
func (k *Key) Seal(plaintext, ad []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return k.aead.Seal(out, out[:NonceSize], plaintext, ad), nil
}

// Open reverses Seal.
func (k *Key) Open(sealed, ad []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, ErrSealedTooShort
	}
	plain, err := k.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], ad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

// Clear zeroes the retained key bytes. The cipher stays usable.
func (k *Key) Clear() {
	for i := range k.raw {
		k.raw[i] = 0
	}
}
