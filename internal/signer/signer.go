// Package signer provides the operator's detached signature over
// canonical block bytes (spec.md §4.I / §6: "signature = operator's
// detached signature over the canonical block bytes").
//
// Ed25519 is stdlib (crypto/ed25519); no third-party signing library
// appears anywhere in the example pack, and Go's own implementation is
// the one the broader ecosystem defers to rather than reimplements, so
// this package is one of the few intentionally stdlib-only corners of
// this tree (recorded in DESIGN.md).
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
)

const pemBlockType = "VERIFIABLE RDS ED25519 PRIVATE KEY"

// Signer holds an operator identity's ed25519 key pair.
type Signer struct {
	identity string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
}

// Generate creates a fresh key pair for identity, for first-run
// bootstrap and tests.
func Generate(identity string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return &Signer{identity: identity, priv: priv, pub: pub}, nil
}

// LoadFile reads a PEM-encoded ed25519 private key from path, the
// operator-identity key spec.md §6 names as configuration.
func LoadFile(identity, path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("signer: %s is not a %s PEM block", path, pemBlockType)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: %s has wrong key size %d", path, len(block.Bytes))
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: %s: unexpected public key type", path)
	}
	return &Signer{identity: identity, priv: priv, pub: pub}, nil
}

// SaveFile PEM-encodes s's private key to path (0600), for operator
// bootstrap tooling.
func (s *Signer) SaveFile(path string) error {
	block := &pem.Block{Type: pemBlockType, Bytes: s.priv}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// Identity returns the configured operator identity string, the
// Committer field of a sealed block.
func (s *Signer) Identity() string { return s.identity }

// PublicKey returns the verification key counterparts hold.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign returns a detached signature over msg (the block's canonical
// bytes).
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// Verify checks sig against msg using pub, exposed for counterparties
// checking a published block.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
