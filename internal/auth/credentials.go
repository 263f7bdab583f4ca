package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrSealedInvalid = errors.New("auth: sealed credential cannot be opened")

// Sealer encrypts caller-supplied upstream API keys at rest.
type Sealer struct {
	key [32]byte
}

// NewSealer parses a 32-byte hex key. An empty key yields a random one,
// which makes stored credentials unreadable after a restart; fine for dev.
func NewSealer(hexKey string) (*Sealer, error) {
	var s Sealer
	if hexKey == "" {
		if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
			return nil, err
		}
		return &s, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("auth: credentials key: %w", err)
	}
	if len(raw) != len(s.key) {
		return nil, fmt.Errorf("auth: credentials key must be %d bytes, got %d", len(s.key), len(raw))
	}
	copy(s.key[:], raw)
	return &s, nil
}

func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) (string, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrSealedInvalid
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrSealedInvalid
	}
	return string(out), nil
}
