package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"openclawchat/internal/domain"
)

// SealedPrefix marks a value produced by Seal.
const SealedPrefix = "enc:"

const saltSize = 16

// Seal encrypts plaintext with AES-256-GCM under a key derived from passphrase
// via Argon2id. Output: "enc:" + hex(salt) + ":" + hex(nonce+ciphertext).
func Seal(plaintext []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return SealedPrefix + hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Failures wrap domain.ErrDecryption.
func Open(sealed, passphrase string) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, fmt.Errorf("%w: missing %q prefix", domain.ErrDecryption, SealedPrefix)
	}
	parts := strings.SplitN(strings.TrimPrefix(sealed, SealedPrefix), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plaintext, nil
}

// SealString is Seal for string secrets such as gateway tokens.
func SealString(plaintext, passphrase string) (string, error) {
	return Seal([]byte(plaintext), passphrase)
}

// OpenString is Open for string secrets. Values without the "enc:" prefix are
// returned as-is (plaintext passthrough).
func OpenString(value, passphrase string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	b, err := Open(value, passphrase)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsSealed checks if a string has the "enc:" prefix.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, SealedPrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
