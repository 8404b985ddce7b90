// Package secret implements hashlock secret generation and verification.
// Secrets are 32 random bytes; the committed hashlock is SHA-256 of the
// secret on every chain, so a single revealed pre-image unlocks both legs.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Size is the secret length in bytes. Hashes are the same length.
const Size = 32

var (
	ErrWrongLength = errors.New("secret must be 32 bytes")
	ErrMismatch    = errors.New("secret does not match hash")
)

// Secret is a 32-byte hashlock pre-image.
type Secret [Size]byte

// Hash is the 32-byte SHA-256 digest committed on-chain.
type Hash [Size]byte

// New draws a fresh secret from the CSPRNG.
func New() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return s, nil
}

// HashOf computes the hashlock for a secret.
func HashOf(s Secret) Hash {
	return Hash(sha256.Sum256(s[:]))
}

// Verify reports whether sha256(s) equals h, in constant time.
func Verify(s Secret, h Hash) bool {
	computed := sha256.Sum256(s[:])
	return subtle.ConstantTimeCompare(computed[:], h[:]) == 1
}

// FromBytes converts a byte slice into a Secret.
func FromBytes(b []byte) (Secret, error) {
	if len(b) != Size {
		return Secret{}, ErrWrongLength
	}
	var s Secret
	copy(s[:], b)
	return s, nil
}

// HashFromBytes converts a byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != Size {
		return Hash{}, ErrWrongLength
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// Bytes returns a copy of the secret bytes.
func (s Secret) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, s[:])
	return out
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// NewPairs generates n independent secret/hash pairs for partial fills.
// Revealing one part's secret discloses nothing about its siblings.
func NewPairs(n int) ([]Secret, []Hash, error) {
	if n < 1 {
		return nil, nil, fmt.Errorf("part count must be positive, got %d", n)
	}
	secrets := make([]Secret, n)
	hashes := make([]Hash, n)
	for i := 0; i < n; i++ {
		s, err := New()
		if err != nil {
			return nil, nil, err
		}
		secrets[i] = s
		hashes[i] = HashOf(s)
	}
	return secrets, hashes, nil
}
