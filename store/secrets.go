package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
)

const (
	// SecretKeyEnv names the environment variable holding the encryption key.
	SecretKeyEnv = "FLOWFORGE_SECRET_KEY"

	encryptedValuePrefix = "enc:v1:"
)

// SecretCodec encrypts credential values with AES-GCM.
type SecretCodec struct {
	aead cipher.AEAD
}

// NewSecretCodec builds a codec from key material. An empty key falls back
// to FLOWFORGE_SECRET_KEY, then to a key derived from the local user and host.
func NewSecretCodec(key string) (*SecretCodec, error) {
	block, err := aes.NewCipher(deriveSecretKey(key))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretCodec{aead: aead}, nil
}

// SecretKeyConfigured reports whether key or FLOWFORGE_SECRET_KEY supplies key
// material. When neither does, NewSecretCodec derives a host-local key that
// anyone who knows the user and host name can reproduce.
func SecretKeyConfigured(key string) bool {
	return strings.TrimSpace(key) != "" || strings.TrimSpace(os.Getenv(SecretKeyEnv)) != ""
}

func deriveSecretKey(key string) []byte {
	material := strings.TrimSpace(key)
	if material == "" {
		material = strings.TrimSpace(os.Getenv(SecretKeyEnv))
	}
	if material != "" {
		if decoded, err := base64.StdEncoding.DecodeString(material); err == nil && len(decoded) > 0 {
			sum := sha256.Sum256(decoded)
			return sum[:]
		}
		sum := sha256.Sum256([]byte(material))
		return sum[:]
	}

	username := "unknown"
	if current, err := user.Current(); err == nil && current != nil {
		username = current.Username
	}
	hostname, _ := os.Hostname()
	sum := sha256.Sum256([]byte(fmt.Sprintf("flowforge:credential:%s:%s", username, hostname)))
	return sum[:]
}

// Encrypt seals value. Empty and already-encrypted values are returned as-is.
func (c *SecretCodec) Encrypt(value string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("credential: secret codec is not initialized")
	}
	if value == "" || isEncryptedValue(value) {
		return value, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := c.aead.Seal(nil, nonce, []byte(value), nil)
	payload := append(nonce, ciphertext...)
	return encryptedValuePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens a value produced by Encrypt. Plain values are returned as-is.
func (c *SecretCodec) Decrypt(value string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("credential: secret codec is not initialized")
	}
	if !isEncryptedValue(value) {
		return value, nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), encryptedValuePrefix))
	if err != nil {
		return "", err
	}
	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize {
		return "", errors.New("credential: encrypted payload is too short")
	}
	plaintext, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func isEncryptedValue(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), encryptedValuePrefix)
}
