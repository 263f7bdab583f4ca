package common

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a lexicographically sortable 26-char id.
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites where crypto/rand failing is unrecoverable.
func MustULID() string {
	id, err := NewULID()
	if err != nil {
		panic(err)
	}
	return id
}
