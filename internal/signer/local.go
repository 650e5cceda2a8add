package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// LocalSigner signs with an in-process key. It exists for development,
// tests, and explicitly non-production deployments; SigningContext
// refuses to select it when production signing is required.
type LocalSigner struct {
	signerID string
	alg      Algorithm

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	macKey []byte
}

// NewLocalSigner generates an ephemeral Ed25519 keypair.
func NewLocalSigner(signerID string) (*LocalSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &LocalSigner{signerID: signerID, alg: AlgEd25519, priv: priv, pub: pub}, nil
}

// NewLocalSignerFromSeed builds an Ed25519 signer from a 32-byte seed,
// so a deployment can pin a dev key across restarts.
func NewLocalSignerFromSeed(signerID string, seed []byte) (*LocalSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &LocalSigner{
		signerID: signerID,
		alg:      AlgEd25519,
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewMACSigner derives a per-signer MAC key from masterKey with
// HKDF-SHA256 and produces hmac-sha256 signatures. Deriving rather than
// using the master key directly keeps one shared secret usable for many
// signer identities without key reuse across them.
func NewMACSigner(signerID string, masterKey []byte) (*LocalSigner, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("mac master key is empty")
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte("chainseal/mac/"+signerID))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	return &LocalSigner{signerID: signerID, alg: AlgHMACSHA256, macKey: key}, nil
}

// NewMockSigner is a deterministic-id ephemeral signer for tests.
func NewMockSigner() *LocalSigner {
	s, err := NewLocalSigner("mock-signer")
	if err != nil {
		panic(err)
	}
	return s
}

// SignDigest implements Backend.
func (l *LocalSigner) SignDigest(_ context.Context, hashHex string) (Signature, error) {
	dig, err := DigestBytes(hashHex)
	if err != nil {
		return Signature{}, err
	}

	switch l.alg {
	case AlgEd25519:
		return Signature{
			SignerID:  l.signerID,
			Algorithm: AlgEd25519,
			Bytes:     ed25519.Sign(l.priv, dig),
		}, nil
	case AlgHMACSHA256:
		mac := hmac.New(sha256.New, l.macKey)
		mac.Write(dig)
		return Signature{
			SignerID:  l.signerID,
			Algorithm: AlgHMACSHA256,
			Bytes:     mac.Sum(nil),
		}, nil
	}
	return Signature{}, fmt.Errorf("local signer: unsupported algorithm %q", l.alg)
}

// SignerID implements Backend.
func (l *LocalSigner) SignerID() string { return l.signerID }

// Algorithm implements Backend.
func (l *LocalSigner) Algorithm() Algorithm { return l.alg }

// PublicKeyMaterial returns the verification material for this signer:
// the Ed25519 public key, or the MAC key for hmac-sha256 (a MAC can
// only be verified by a party holding the key).
func (l *LocalSigner) PublicKeyMaterial() []byte {
	if l.alg == AlgHMACSHA256 {
		return l.macKey
	}
	return l.pub
}
