package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each gets its own subkey of the master encryption key.
const (
	PurposeOwnerKey   = "gasless/owner-key/v1"
	PurposeSessionKey = "gasless/session-key/v1"
)

// DeriveKey expands the hex-encoded master key into a 32-byte subkey bound to purpose.
func DeriveKey(masterHex, purpose string) ([]byte, error) {
	master, err := hex.DecodeString(strings.TrimPrefix(masterHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(master) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars)")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// KeyCipher seals private key material with AES-256-GCM.
// The additional data binds a ciphertext to its owner so rows cannot be swapped.
type KeyCipher struct {
	gcm cipher.AEAD
}

func NewKeyCipher(masterHex, purpose string) (*KeyCipher, error) {
	key, err := DeriveKey(masterHex, purpose)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &KeyCipher{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (c *KeyCipher) Seal(plaintext []byte, additionalData string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := c.gcm.Seal(nonce, nonce, plaintext, []byte(additionalData))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *KeyCipher) Open(encoded, additionalData string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, []byte(additionalData))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
