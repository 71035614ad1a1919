// Package secret seals configuration values so they can be committed
// alongside the config file.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// Prefix marks a sealed value
const Prefix = "sealed:"

const (
	// KeySize is the minimum master key length in bytes
	KeySize   = 32
	nonceSize = 24
	info      = "certmailer-config-v1"
)

var (
	ErrInvalidKey        = errors.New("invalid secrets key: must be base64 encoding of at least 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid sealed value")
	ErrOpenFailed        = errors.New("failed to open sealed value")
)

// Box seals and opens values with a key derived from the master key
type Box struct {
	key [32]byte
}

// NewBox derives a box from a base64 encoded master key
func NewBox(masterKey string) (*Box, error) {
	master, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterKey))
	if err != nil || len(master) < KeySize {
		return nil, ErrInvalidKey
	}

	b := &Box{}
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, b.key[:]); err != nil {
		return nil, errors.Join(ErrInvalidKey, err)
	}
	return b, nil
}

// GenerateKey returns a new random master key, base64 encoded
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// IsSealed reports whether s carries the sealed prefix
func IsSealed(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// Seal encrypts plaintext and returns it with the sealed prefix
func (b *Box) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return Prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Values without the prefix are returned as is.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil || len(data) < nonceSize+secretbox.Overhead {
		return "", ErrInvalidCiphertext
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}
