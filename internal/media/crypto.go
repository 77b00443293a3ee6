package media

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the symmetric key length. A fresh key is generated per blob
// and travels only inside the message payload between the two participants.
const KeySize = 32

const nonceSize = 24

// GenerateKey creates a fresh random symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with NaCl secretbox (authenticated encryption).
// The random nonce is prepended to the returned ciphertext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	var k [KeySize]byte
	copy(k[:], key)
	return secretbox.Seal(nonce[:], plaintext, &nonce, &k), nil
}

// Decrypt opens a blob produced by Encrypt. Authentication failure (wrong
// key or tampered ciphertext) is an error, not a partial result.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) <= nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	var k [KeySize]byte
	copy(k[:], key)

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &k)
	if !ok {
		return nil, errors.New("decryption failed: message authentication failed")
	}
	return plaintext, nil
}
