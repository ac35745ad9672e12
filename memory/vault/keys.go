// Package vault provisions the store's symmetric key and seals note text with it.
//
// One 256-bit key exists per store. It is generated on first use, exported as
// base64 text into a Slot, and cached by the KeyManager for the rest of the
// process. Sealing uses AES-256-GCM with a fresh random 96-bit nonce per call.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
)

// KeySize is the key length in bytes (AES-256).
const KeySize = 32

var (
	// ErrKeyUnavailable means no usable key could be loaded or created.
	// Writes must not proceed without one.
	ErrKeyUnavailable = errors.New("encryption key unavailable")

	// ErrDecryptionFailed means a ciphertext/nonce/key triple did not authenticate.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Key is a loaded symmetric key. It is read-only and safe for concurrent use.
type Key struct {
	aead cipher.AEAD
}

// NewKey builds a Key from raw key bytes.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Key{aead: aead}, nil
}

// GenerateKey creates a fresh random key and returns it with its exported form.
func GenerateKey() (*Key, string, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("read random: %w", err)
	}
	key, err := NewKey(raw)
	if err != nil {
		return nil, "", err
	}
	return key, base64.StdEncoding.EncodeToString(raw), nil
}

// ParseKey decodes an exported key.
func ParseKey(exported string) (*Key, error) {
	raw, err := base64.StdEncoding.DecodeString(exported)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return NewKey(raw)
}

// KeyManager owns the store's key: load from the slot, or create and persist
// it, then serve the cached instance.
type KeyManager struct {
	slot Slot

	mu  sync.Mutex
	key *Key
}

// NewKeyManager creates a KeyManager backed by slot.
func NewKeyManager(slot Slot) *KeyManager {
	return &KeyManager{slot: slot}
}

// Key returns the store key, creating and persisting it on first use.
// Failures are not cached; the next call tries again.
func (m *KeyManager) Key(ctx context.Context) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key != nil {
		return m.key, nil
	}
	if m.slot == nil {
		return nil, fmt.Errorf("%w: no key slot configured", ErrKeyUnavailable)
	}

	exported, ok, err := m.slot.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load slot: %v", ErrKeyUnavailable, err)
	}

	if ok {
		// A corrupt slot is reported, never replaced: the old key may still
		// be needed to read existing entries.
		key, err := ParseKey(exported)
		if err != nil {
			return nil, fmt.Errorf("%w: stored key: %v", ErrKeyUnavailable, err)
		}
		log.Printf("[VAULT] Loaded existing key")
		m.key = key
		return key, nil
	}

	key, exported, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrKeyUnavailable, err)
	}
	if err := m.slot.Store(ctx, exported); err != nil {
		return nil, fmt.Errorf("%w: persist: %v", ErrKeyUnavailable, err)
	}

	log.Printf("[VAULT] Generated and persisted new key")
	m.key = key
	return key, nil
}

// Ready reports whether a key is already cached.
func (m *KeyManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key != nil
}
