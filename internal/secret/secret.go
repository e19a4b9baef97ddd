// Package secret keeps the remote shutdown password in locked memory and
// derives the digest exchanged with peers.
package secret

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"
)

// Secret is a shared password held in memguard-protected memory.
//
// A nil *Secret is valid and behaves as an unset password.
type Secret struct {
	buf *memguard.LockedBuffer
}

// New stores plaintext in locked memory. Empty input yields an empty Secret.
func New(plaintext string) *Secret {
	if plaintext == "" {
		return &Secret{}
	}
	return &Secret{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// IsEmpty reports whether no password is configured.
func (s *Secret) IsEmpty() bool {
	if s == nil || s.buf == nil || !s.buf.IsAlive() {
		return true
	}
	return s.buf.Size() == 0
}

// Hash returns the lowercase hex digest of the password, or "" when empty.
func (s *Secret) Hash() string {
	if s.IsEmpty() {
		return ""
	}
	sum := blake2b.Sum256(s.buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// MatchesHash reports whether digest equals the password digest.
// Comparison is constant time and case-insensitive on the hex text.
func (s *Secret) MatchesHash(digest string) bool {
	if s.IsEmpty() {
		return false
	}
	want := s.Hash()
	got := strings.ToLower(strings.TrimSpace(digest))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Destroy wipes the password. The Secret reads as empty afterwards.
func (s *Secret) Destroy() {
	if s == nil || s.buf == nil {
		return
	}
	s.buf.Destroy()
	s.buf = nil
}

// Hash returns the hex digest of plaintext using the same derivation as
// (*Secret).Hash.
func Hash(plaintext string) string {
	sum := blake2b.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
