// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DefaultKeyEnv holds the process-wide cache encryption key.
const DefaultKeyEnv = "ORCH_SECRETS_KEY"

const keyInfo = "orchestrator/secret-cache/v1"

// MinKeyBytes is the minimum accepted key material length.
const MinKeyBytes = 32

// LoadKey reads key material from env. Missing material fails closed unless
// insecureDev is set, in which case an ephemeral random key is generated.
// The material may be raw or base64 encoded; it is stretched through HKDF.
func LoadKey(env string, insecureDev bool) ([]byte, error) {
	if env == "" {
		env = DefaultKeyEnv
	}
	raw := os.Getenv(env)
	if raw == "" {
		if !insecureDev {
			return nil, fmt.Errorf("secret cache key %s is not set; refusing to start without insecure_dev_mode", env)
		}
		slog.Warn("credentials.key.ephemeral", slog.String("reason", "insecure_dev_mode"))
		material := make([]byte, MinKeyBytes)
		if _, err := io.ReadFull(rand.Reader, material); err != nil {
			return nil, err
		}
		return DeriveKey(material)
	}
	material := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= MinKeyBytes {
		material = decoded
	}
	if len(material) < MinKeyBytes {
		return nil, fmt.Errorf("secret cache key %s must carry at least %d bytes", env, MinKeyBytes)
	}
	return DeriveKey(material)
}

// DeriveKey stretches material into a chacha20poly1305 key.
func DeriveKey(material []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, material, nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}
	return key, nil
}

type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cache cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal encrypts plaintext under a fresh random nonce bound to aad.
func (s *sealer) seal(plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return s.aead.Seal(nil, nonce, plaintext, aad), nonce, nil
}

func (s *sealer) open(ciphertext, nonce, aad []byte) ([]byte, error) {
	return s.aead.Open(nil, nonce, ciphertext, aad)
}
