// Package signature signs and verifies image digests with Ed25519
// keys. Signatures cover the digest bytes rather than the image
// itself, so verification never has to re-read the payload.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSigning reports that a key could not be produced or loaded.
	ErrSigning = errors.New("signing unavailable")
	// ErrVerification reports that a signature does not match.
	ErrVerification = errors.New("signature verification failed")
)

// Signer holds a private key and signs digests with it.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps an existing private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrSigning, len(priv), ed25519.PrivateKeySize)
	}

	return &Signer{priv: priv}, nil
}

// Generate creates a fresh keypair.
func Generate() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to generate keypair: %v", ErrSigning, err)
	}

	return pub, priv, nil
}

// WriteKeypair stores a keypair on disk. The private key is only
// readable by the owner.
func WriteKeypair(privPath, pubPath string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}

// LoadSigner reads a private key from disk.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read private key: %v", ErrSigning, err)
	}

	return NewSigner(ed25519.PrivateKey(raw))
}

// LoadPublicKey reads a public key from disk.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(raw), nil
}

// Sign signs the given digest bytes.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// Public returns the public half of the signer's key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Verify checks a signature over the given digest bytes.
func Verify(pub ed25519.PublicKey, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes, want %d", ErrVerification, len(pub), ed25519.PublicKeySize)
	}

	if !ed25519.Verify(pub, data, sig) {
		return ErrVerification
	}

	return nil
}
