// Package secure implements the key-bootstrap step: one-time derivation of the
// shared operational-link secret from a nonce exchanged over the bootstrap
// link, and authenticated sealing of operational frames with that secret.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
)

const (
	// NonceSize is the length of the server-generated key-exchange nonce.
	NonceSize = 16

	// KeySize is the length of the derived operational-link key.
	KeySize = 32

	// derivationInfo binds derived keys to this protocol version. Bumping the
	// suffix invalidates all keys derived under the old label.
	derivationInfo = "mlehaptics/operational-key/v1"
)

var (
	ErrInvalidNonce = fmt.Errorf("nonce must be %d bytes", NonceSize)
	ErrKeyDestroyed = fmt.Errorf("shared secret has been zeroized")
)

// SharedSecret is fixed-length key material owned by one peer session. It is
// derived once per session and zeroized when the session ends; it is never
// persisted.
type SharedSecret struct {
	key       [KeySize]byte
	destroyed bool
}

// GenerateNonce produces the server's key-exchange nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate key-exchange nonce: %w", err)
	}
	return nonce, nil
}

// Derive computes the session secret from the exchanged nonce and both unit
// identities. Both sides call this independently and must arrive at identical
// key material: the identities are fed in address order, not in self/peer
// order, so the inputs are the same on both units.
func Derive(nonce []byte, a, b identity.Unit) (*SharedSecret, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}

	lo, hi := a, b
	if identity.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	secret := make([]byte, 0, 2*identity.AddrLen)
	secret = append(secret, lo.Addr[:]...)
	secret = append(secret, hi.Addr[:]...)

	r := hkdf.New(sha256.New, secret, nonce, []byte(derivationInfo))

	s := &SharedSecret{}
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return s, nil
}

// Bytes returns the raw key material for installing on a transport.
func (s *SharedSecret) Bytes() ([]byte, error) {
	if s.destroyed {
		return nil, ErrKeyDestroyed
	}
	out := make([]byte, KeySize)
	copy(out, s.key[:])
	return out, nil
}

// Destroy zeroizes the key material. Further use returns ErrKeyDestroyed.
func (s *SharedSecret) Destroy() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.destroyed = true
}
