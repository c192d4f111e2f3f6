package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clanhub/appcore/internal/models"
)

func TestSessionRoundTrip(t *testing.T) {
	ks := NewMemory()

	// Nothing stored yet.
	session, err := LoadSession(ks)
	require.NoError(t, err)
	assert.Nil(t, session)

	stored := &models.AuthSession{
		AccessToken:  "at",
		RefreshToken: "rt",
		SubjectID:    "u1",
		ExpiresAt:    1700000000000,
	}
	require.NoError(t, SaveSession(ks, stored))

	loaded, err := LoadSession(ks)
	require.NoError(t, err)
	assert.Equal(t, stored, loaded)

	require.NoError(t, ClearSession(ks))
	loaded, err = LoadSession(ks)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryIsolation(t *testing.T) {
	ks := NewMemory()
	require.NoError(t, ks.Set("k", []byte("abc")))

	v, ok, err := ks.Get("k")
	require.NoError(t, err)
	require.True(t, ok)

	// Mutating the returned slice must not affect the stored copy.
	v[0] = 'z'
	v2, _, _ := ks.Get("k")
	assert.Equal(t, []byte("abc"), v2)
}
