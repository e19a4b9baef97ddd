// Package session provides the per-process session identity shared with peers.
package session

import "github.com/google/uuid"

// Identity is a random token unique to one running process lifetime.
type Identity string

// NewIdentity generates a fresh random identity.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

func (id Identity) String() string {
	return string(id)
}

// Valid reports whether id parses as a UUID.
func (id Identity) Valid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}
