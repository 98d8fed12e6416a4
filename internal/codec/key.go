package codec

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// saltLen is the length of the generated passphrase salt.
	saltLen = 16
)

// Secret names used in the key store.
const (
	SecretEncryptionKey = "encryption_key"
	SecretKDFSalt       = "kdf_salt"
)

// KeyStore persists named secrets. Get returns nil, nil for a missing name.
type KeyStore interface {
	Get(name string) ([]byte, error)
	Put(name string, value []byte) error
}

// KeySource records where ResolveKey found the key.
type KeySource string

const (
	KeyFromConfig     KeySource = "config"
	KeyFromPassphrase KeySource = "passphrase"
	KeyFromStore      KeySource = "keystore"
	KeyGenerated      KeySource = "generated"
)

// ResolveKey returns the master key. Order: the configured value (64 hex
// characters are used as raw key bytes, anything else is a passphrase);
// else the key persisted in ks; else a new random key, persisted before
// it is returned.
func ResolveKey(configured string, ks KeyStore) ([]byte, KeySource, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if raw, err := hex.DecodeString(configured); err == nil && len(raw) == KeyLen {
			return raw, KeyFromConfig, nil
		}

		salt, err := passphraseSalt(ks)
		if err != nil {
			return nil, "", err
		}

		key, err := DeriveKey(configured, salt)
		if err != nil {
			return nil, "", err
		}

		return key, KeyFromPassphrase, nil
	}

	stored, err := ks.Get(SecretEncryptionKey)
	if err != nil {
		return nil, "", fmt.Errorf("reading stored key: %w", err)
	}

	if stored != nil {
		if len(stored) != KeyLen {
			return nil, "", fmt.Errorf("stored key has length %d: expected %d bytes", len(stored), KeyLen)
		}

		return stored, KeyFromStore, nil
	}

	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("generating key: %w", err)
	}

	if err := ks.Put(SecretEncryptionKey, key); err != nil {
		return nil, "", fmt.Errorf("persisting generated key: %w", err)
	}

	return key, KeyGenerated, nil
}

// Open resolves the master key like ResolveKey, builds a codec from it
// and zeroes the master key before returning. Only the derived cipher
// state outlives the call.
func Open(configured string, ks KeyStore, opts ...Option) (*Codec, KeySource, error) {
	key, source, err := ResolveKey(configured, ks)
	if err != nil {
		return nil, "", err
	}
	defer ZeroKey(key)

	c, err := New(key, opts...)
	if err != nil {
		return nil, "", err
	}

	return c, source, nil
}

// DeriveKey derives a 32-byte key from a passphrase using scrypt.
// Parameters: N=32768, r=8, p=1. The passphrase is NFKC-normalized first
// so visually identical input from different keyboards agrees.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ParseIV decodes a hex-encoded 12-byte IV.
func ParseIV(s string) ([]byte, error) {
	iv, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding IV: %w", err)
	}

	if len(iv) != IVLen {
		return nil, fmt.Errorf("invalid IV length %d: expected %d bytes", len(iv), IVLen)
	}

	return iv, nil
}

func passphraseSalt(ks KeyStore) ([]byte, error) {
	salt, err := ks.Get(SecretKDFSalt)
	if err != nil {
		return nil, fmt.Errorf("reading kdf salt: %w", err)
	}

	if salt != nil {
		return salt, nil
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating kdf salt: %w", err)
	}

	if err := ks.Put(SecretKDFSalt, salt); err != nil {
		return nil, fmt.Errorf("persisting kdf salt: %w", err)
	}

	return salt, nil
}
