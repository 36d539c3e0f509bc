// transform/aesgcm.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the AES-256 key length used by the encryption stage.
const KeySize = 32

const pbkdf2Rounds = 65536

// aesGCMStage encrypts block payloads with AES-256-GCM. Every block gets
// a fresh random nonce, recorded in the stage metadata; the GCM tag rides
// at the end of the ciphertext, so a tampered payload fails authentication
// on decode and surfaces as ErrIntegrity.
type aesGCMStage struct {
	aead cipher.AEAD
}

// NewAESGCM returns an authenticated-encryption stage using the given
// 32-byte key.
func NewAESGCM(key []byte) (Transform, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aes256gcm: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aesGCMStage{aead: aead}, nil
}

// KeyFromPassphrase derives an encryption key from a passphrase and salt
// using PBKDF2 with 65536 rounds of SHA-256.
func KeyFromPassphrase(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, KeySize, sha256.New)
}

func (s *aesGCMStage) Name() string { return "aes256gcm" }

func (s *aesGCMStage) Encode(data []byte) ([]byte, Meta, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, Meta{}, err
	}
	out := s.aead.Seal(nil, nonce, data, nil)
	return out, Meta{Algo: "aes256gcm", Nonce: nonce, Size: len(data)}, nil
}

func (s *aesGCMStage) Decode(data []byte, m Meta) ([]byte, error) {
	if len(m.Nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d: %w", len(m.Nonce), ErrIntegrity)
	}
	out, err := s.aead.Open(nil, m.Nonce, data, nil)
	if err != nil {
		// Authentication failure is a data-integrity error, never a
		// retryable I/O error.
		return nil, fmt.Errorf("%v: %w", err, ErrIntegrity)
	}
	return out, nil
}
