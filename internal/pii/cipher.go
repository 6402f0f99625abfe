// Package pii encrypts personal fields of client records at rest.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// TokenPrefix marks values produced by Encrypt.
	TokenPrefix = "pii:v1:"

	keyIterations = 100000
	keyLength     = 32
	nonceSize     = 12
	tagSize       = 16
)

// ErrDecryption is returned for malformed, foreign or tampered tokens.
var ErrDecryption = errors.New("pii: decryption failed")

// Cipher seals strings with AES-256-GCM under a key derived once from the
// master secret. It is safe for concurrent use.
type Cipher struct {
	aead            cipher.AEAD
	legacyPlaintext bool
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithLegacyPlaintext makes Decrypt return values without the token prefix
// unchanged. Use only while migrating tables that still hold plaintext.
func WithLegacyPlaintext() Option {
	return func(c *Cipher) { c.legacyPlaintext = true }
}

// NewCipher derives the field key with PBKDF2-SHA256 over masterKey and salt.
func NewCipher(masterKey, salt string, opts ...Option) (*Cipher, error) {
	if masterKey == "" || salt == "" {
		return nil, errors.New("pii: master key and salt are required")
	}
	key := pbkdf2.Key([]byte(masterKey), []byte(salt), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	c := &Cipher{aead: aead}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encrypt returns a self-describing token: prefix + base64(nonce|ct|tag).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	return c.seal(plaintext, nil)
}

// Decrypt opens a token produced by Encrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	return c.open(token, nil)
}

// EncryptField is Encrypt with the token bound to field as additional
// data. The token only opens through DecryptField with the same name.
func (c *Cipher) EncryptField(field, plaintext string) (string, error) {
	return c.seal(plaintext, []byte(field))
}

// DecryptField opens a token produced by EncryptField for field.
func (c *Cipher) DecryptField(field, token string) (string, error) {
	return c.open(token, []byte(field))
}

func (c *Cipher) seal(plaintext string, aad []byte) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), aad)
	return TokenPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) open(token string, aad []byte) (string, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		if c.legacyPlaintext {
			return token, nil
		}
		return "", fmt.Errorf("%w: missing token prefix", ErrDecryption)
	}
	raw, err := base64.StdEncoding.DecodeString(token[len(TokenPrefix):])
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryption)
	}
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: token too short", ErrDecryption)
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], aad)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value looks like a token from Encrypt. It
// does not authenticate the token.
func IsEncrypted(value string) bool {
	if !strings.HasPrefix(value, TokenPrefix) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(TokenPrefix):])
	return err == nil && len(raw) >= nonceSize+tagSize
}

// IsEncrypted is a convenience wrapper for the package function.
func (c *Cipher) IsEncrypted(value string) bool {
	return IsEncrypted(value)
}
