package signer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	s, err := Generate("operator-1")
	require.NoError(t, err)

	msg := []byte("block canonical bytes")
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	assert.True(t, Verify(s.PublicKey(), msg, sig))
	assert.False(t, Verify(s.PublicKey(), []byte("tampered"), sig))
}

func TestSaveAndLoadFileRoundTrip(t *testing.T) {
	s, err := Generate("operator-2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, s.SaveFile(path))

	loaded, err := LoadFile("operator-2", path)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), loaded.PublicKey())

	msg := []byte("payload")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	assert.True(t, Verify(s.PublicKey(), msg, sig))
}

func TestLoadFileRejectsWrongBlockType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN SOMETHING ELSE-----\nAAAA\n-----END SOMETHING ELSE-----\n"), 0o600))

	_, err := LoadFile("operator-3", path)
	assert.Error(t, err)
}
