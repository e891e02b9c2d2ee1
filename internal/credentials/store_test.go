package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCleartext(t *testing.T) {
	s := New(map[string]string{"alice": "hunter2"})
	assert.True(t, s.VerifyCleartext(context.Background(), "alice", "hunter2"))
	assert.False(t, s.VerifyCleartext(context.Background(), "alice", "wrong"))
	assert.False(t, s.VerifyCleartext(context.Background(), "bob", "hunter2"))
}

func TestMD5HashIsDeterministic(t *testing.T) {
	s := New(map[string]string{"alice": "hunter2"})
	h1, ok := s.MD5Hash(context.Background(), "alice")
	require.True(t, ok)
	h2, _ := s.MD5Hash(context.Background(), "alice")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
}

func TestSCRAMSecretStableAcrossCalls(t *testing.T) {
	s := New(map[string]string{"alice": "hunter2"})
	salt1, iter1, key1, ok := s.SCRAMSecret(context.Background(), "alice")
	require.True(t, ok)
	salt2, iter2, key2, _ := s.SCRAMSecret(context.Background(), "alice")
	assert.Equal(t, salt1, salt2)
	assert.Equal(t, iter1, iter2)
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, 32)
}

func TestSCRAMSecretUnknownUser(t *testing.T) {
	s := New(nil)
	_, _, _, ok := s.SCRAMSecret(context.Background(), "nobody")
	assert.False(t, ok)
}

func TestSetAddsCredential(t *testing.T) {
	s := New(nil)
	s.Set("carol", "swordfish")
	assert.True(t, s.VerifyCleartext(context.Background(), "carol", "swordfish"))
}
