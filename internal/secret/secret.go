// Package secret seals host credentials before they reach the store.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealedPrefix = "enc:v1:"
	saltSize     = 32
	iterations   = 10000
)

// Box encrypts short strings with a key derived from a passphrase. A Box with
// an empty passphrase stores values in the clear.
type Box struct {
	passphrase string
}

func NewBox(passphrase string) *Box {
	return &Box{passphrase: passphrase}
}

func (b *Box) Enabled() bool {
	return b != nil && b.passphrase != ""
}

func (b *Box) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(b.passphrase), salt, iterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal returns the sealed form of plaintext. Empty values and values that
// are already sealed are returned unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if !b.Enabled() || plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	gcm, err := b.gcm(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	result := make([]byte, len(salt)+len(ciphertext))
	copy(result, salt)
	copy(result[len(salt):], ciphertext)

	return sealedPrefix + base64.StdEncoding.EncodeToString(result), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if !b.Enabled() {
		return "", fmt.Errorf("no secret key set for decryption")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(data) < saltSize {
		return "", fmt.Errorf("encrypted data too short")
	}

	salt, ciphertext := data[:saltSize], data[saltSize:]

	gcm, err := b.gcm(salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
