package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTripKeepsType(t *testing.T) {
	tok, err := SignJWT(Identity{UserID: "guest-1", Type: Guest}, "s3cret", time.Hour)
	require.NoError(t, err)

	id, err := ParseJWT(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "guest-1", Type: Guest}, id)
}

func TestJWT_UnknownTypeIsRegular(t *testing.T) {
	tok, err := SignJWT(Identity{UserID: "u-9"}, "s3cret", time.Hour)
	require.NoError(t, err)

	id, err := ParseJWT(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, Regular, id.Type)
}

func TestJWT_Rejects(t *testing.T) {
	tok, err := SignJWT(Identity{UserID: "u"}, "s3cret", time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "other")
	assert.Error(t, err)

	expired, err := SignJWT(Identity{UserID: "u"}, "s3cret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, "s3cret")
	assert.Error(t, err)

	_, err = SignJWT(Identity{}, "s3cret", time.Hour)
	assert.Error(t, err)
}

func TestSealer(t *testing.T) {
	key := strings.Repeat("ab", 32)
	s, err := NewSealer(key)
	require.NoError(t, err)

	sealed, err := s.Seal("sk-or-v1-abc")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-or-v1-abc")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-or-v1-abc", plain)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedInvalid)

	_, err = NewSealer("abcd")
	assert.Error(t, err)
}
