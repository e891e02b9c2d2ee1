// Package credentials is the simplest real implementation of
// session.Verifier: a static, operator-configured map of role ->
// password, used to answer all three authentication methods spec.md §6
// requires support for (cleartext, MD5, SCRAM-SHA-256).
//
// Grounded on teacher's configs/glob_var.go pattern of a small
// process-wide table populated once at startup from flags; here scoped
// to a struct instead of package globals, per internal/config's
// "no process-wide singleton" framing.
package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const scramIterations = 4096

// Store is an in-memory role -> password table.
type Store struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// New builds a Store from a role->password map (e.g. decoded from the
// operator's configuration file).
func New(passwords map[string]string) *Store {
	s := &Store{passwords: make(map[string]string, len(passwords))}
	for user, pw := range passwords {
		s.passwords[user] = pw
	}
	return s
}

// Set adds or replaces a role's password, for dynamic provisioning.
func (s *Store) Set(user, password string) {
	s.mu.Lock()
	s.passwords[user] = password
	s.mu.Unlock()
}

func (s *Store) password(user string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pw, ok := s.passwords[user]
	return pw, ok
}

// VerifyCleartext implements session.Verifier.
func (s *Store) VerifyCleartext(_ context.Context, user, password string) bool {
	pw, ok := s.password(user)
	return ok && pw == password
}

// MD5Hash implements session.Verifier: PostgreSQL's inner hash,
// md5(password+user), that the session layer combines with its random
// salt.
func (s *Store) MD5Hash(_ context.Context, user string) (string, bool) {
	pw, ok := s.password(user)
	if !ok {
		return "", false
	}
	sum := md5.Sum([]byte(pw + user))
	return hex.EncodeToString(sum[:]), true
}

// SCRAMSecret implements session.Verifier: derives a fresh salt and the
// RFC 5802 StoredKey = H(ClientKey) via PBKDF2-HMAC-SHA256, the
// genuine use `golang.org/x/crypto/pbkdf2` earns in this tree (the
// session layer's SCRAM exchange only ever consumes StoredKey, never
// the raw password).
func (s *Store) SCRAMSecret(_ context.Context, user string) (salt []byte, iterations int, storedKey []byte, ok bool) {
	pw, present := s.password(user)
	if !present {
		return nil, 0, nil, false
	}
	salt = deriveSalt(user)
	saltedPassword := pbkdf2.Key([]byte(pw), salt, scramIterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, "Client Key")
	stored := sha256.Sum256(clientKey)
	return salt, scramIterations, stored[:], true
}

// deriveSalt derives a stable per-user salt deterministically from the
// username so repeated authentications don't need a persisted salt
// store; a production deployment would persist a random salt at
// enrollment time instead.
func deriveSalt(user string) []byte {
	sum := sha256.Sum256([]byte("scram-salt:" + user))
	return sum[:16]
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
