package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrAuthFailed    = fmt.Errorf("frame authentication failed")
	ErrFrameTooShort = fmt.Errorf("frame shorter than nonce and tag")
)

// Sealer authenticates and encrypts operational-link frames with a session
// key. A frame that fails to open is dropped by the transport, never parsed.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from derived session key material.
func NewSealer(secret *SharedSecret) (*Sealer, error) {
	key, err := secret.Bytes()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize frame cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts and authenticates a frame. Output layout: nonce || ciphertext+tag.
func (s *Sealer) Seal(frame []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate frame nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(frame)+s.aead.Overhead())
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, frame, nil), nil
}

// Open authenticates and decrypts a sealed frame.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrFrameTooShort
	}
	frame, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return frame, nil
}
