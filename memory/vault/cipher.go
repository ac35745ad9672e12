package vault

import (
	"crypto/rand"
	"fmt"
)

// NonceSize is the GCM nonce length in bytes (96 bits).
const NonceSize = 12

// Seal encrypts plaintext under key with a freshly generated nonce.
func Seal(key *Key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if key == nil {
		return nil, nil, ErrKeyUnavailable
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("read nonce: %w", err)
	}

	ciphertext = key.aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext sealed with nonce under key.
// Any mismatch (tampering, wrong key, wrong nonce) yields ErrDecryptionFailed.
func Open(key *Key, ciphertext, nonce []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrKeyUnavailable
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d", ErrDecryptionFailed, len(nonce))
	}

	plaintext, err := key.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
