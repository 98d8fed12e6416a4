// Package codec encrypts payloads and credentials before they reach disk.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLen is the master key length in bytes (AES-256).
	KeyLen = 32

	// IVLen is the GCM nonce length in bytes.
	IVLen = 12

	// gcmKeyInfo is the HKDF info string for the payload subkey.
	gcmKeyInfo = "offsync-aes-gcm"
)

// IVPolicy selects how initialization vectors are chosen.
type IVPolicy string

const (
	// IVRandom draws a fresh IV for every payload.
	IVRandom IVPolicy = "random"

	// IVFixed reuses one configured IV, making output deterministic for
	// a given key and plaintext. Identical plaintexts become linkable and
	// GCM loses confidentiality when one IV covers many plaintexts, so
	// this exists only for deployments that need byte-stable ciphertext.
	IVFixed IVPolicy = "fixed"
)

// Cipher is what the store needs from a codec.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Codec encrypts with AES-256-GCM. Output format is
// [12-byte IV][ciphertext+GCM tag] regardless of IV policy, so a store
// written under one policy stays readable under the other.
type Codec struct {
	gcm      cipher.AEAD
	policy   IVPolicy
	fixedIV  []byte
	randRead func([]byte) (int, error)
}

// Option configures a Codec.
type Option func(*Codec)

// WithFixedIV switches the codec to the fixed IV policy.
func WithFixedIV(iv []byte) Option {
	return func(c *Codec) {
		c.policy = IVFixed
		c.fixedIV = append([]byte(nil), iv...)
	}
}

// New creates a codec from a 32-byte master key. The GCM key is an HKDF
// subkey of the master key; derived key material is zeroed once the
// cipher is constructed.
func New(key []byte, opts ...Option) (*Codec, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("invalid key length %d: expected %d bytes", len(key), KeyLen)
	}

	gcmKey, err := hkdfDeriveKey(key, nil, []byte(gcmKeyInfo), KeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving GCM key: %w", err)
	}

	block, err := aes.NewCipher(gcmKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	subtle.ConstantTimeCopy(1, gcmKey, make([]byte, len(gcmKey)))

	c := &Codec{gcm: gcm, policy: IVRandom, randRead: rand.Read}
	for _, opt := range opts {
		opt(c)
	}

	if c.policy == IVFixed && len(c.fixedIV) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d: expected %d bytes", len(c.fixedIV), gcm.NonceSize())
	}

	return c, nil
}

// Policy returns the IV policy in effect.
func (c *Codec) Policy() IVPolicy {
	return c.policy
}

// Encrypt seals plaintext and returns [IV][ciphertext+tag].
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if c.policy == IVFixed {
		copy(iv, c.fixedIV)
	} else if _, err := c.randRead(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := c.gcm.Seal(nil, iv, plaintext, nil)
	result := make([]byte, len(iv)+len(ct))
	copy(result, iv)
	copy(result[len(iv):], ct)

	return result, nil
}

// Decrypt opens [IV][ciphertext+tag]. Any malformed or tampered input
// yields an error wrapping ErrDecryptionFailed.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", syncerr.ErrDecryptionFailed, len(data))
	}

	plain, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrDecryptionFailed, err)
	}

	if plain == nil {
		plain = []byte{}
	}

	return plain, nil
}

// hkdfDeriveKey derives keyLen bytes using HKDF-SHA256 with the given IKM,
// salt, and info parameters.
func hkdfDeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

// ZeroKey overwrites key material in place.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
