package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clanhub/appcore/internal/models"
)

func TestFileKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks, err := OpenFile(dir, []byte("device-secret"))
	require.NoError(t, err)

	require.NoError(t, ks.Set("k1", []byte("v1")))
	got, ok, err := ks.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	_, ok, err = ks.Get("absent")
	require.NoError(t, err)
	assert.False(t, ok)

	// A stored empty value is still present, unlike an absent key.
	require.NoError(t, ks.Set("empty", nil))
	got, ok, err = ks.Get("empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)

	require.NoError(t, ks.Delete("k1"))
	_, ok, err = ks.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileKeystoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	secret := []byte("device-secret")

	ks, err := OpenFile(dir, secret)
	require.NoError(t, err)
	require.NoError(t, SaveSession(ks, &models.AuthSession{
		AccessToken:  "t1",
		RefreshToken: "r1",
		SubjectID:    "u1",
	}))

	reopened, err := OpenFile(dir, secret)
	require.NoError(t, err)
	session, err := LoadSession(reopened)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "r1", session.RefreshToken)
	assert.Equal(t, "u1", session.SubjectID)
}

func TestFileKeystoreWrongSecretStartsEmpty(t *testing.T) {
	dir := t.TempDir()

	ks, err := OpenFile(dir, []byte("right"))
	require.NoError(t, err)
	require.NoError(t, ks.Set("k1", []byte("v1")))

	other, err := OpenFile(dir, []byte("wrong"))
	require.NoError(t, err)
	_, ok, err := other.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileKeystoreEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	ks, err := OpenFile(dir, []byte("device-secret"))
	require.NoError(t, err)
	require.NoError(t, ks.Set("token", []byte("super-secret-value")))

	raw, err := os.ReadFile(filepath.Join(dir, "keystore.bin"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-value")
	assert.NotContains(t, string(raw), "token")
}
