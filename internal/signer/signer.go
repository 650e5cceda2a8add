// Package signer provides the pluggable signing backends used by the
// audit ledger: a hardware/KMS digest signer, a remote signing proxy,
// and a local software signer for non-production use. Backend selection
// and the fail-closed production policy live in SigningContext.
package signer

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

// Algorithm identifies a supported signing algorithm.
type Algorithm string

const (
	AlgHMACSHA256 Algorithm = "hmac-sha256"
	AlgRSASHA256  Algorithm = "rsa-sha256"
	AlgEd25519    Algorithm = "ed25519"
)

// ParseAlgorithm validates s and returns it as an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgHMACSHA256, AlgRSASHA256, AlgEd25519:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("unsupported algorithm %q", s)
}

// Signature is the result of signing a chain digest.
type Signature struct {
	SignerID  string
	Algorithm Algorithm
	Bytes     []byte
}

// Backend is the capability interface every signing implementation
// satisfies. SignDigest receives the hex-encoded SHA-256 chain digest
// and signs its raw bytes.
type Backend interface {
	SignDigest(ctx context.Context, hashHex string) (Signature, error)
	SignerID() string
	Algorithm() Algorithm
}

// ErrSigningUnavailable is returned when no acceptable backend can
// produce a signature under the active policy.
var ErrSigningUnavailable = errors.New("signing unavailable")

// DigestBytes decodes a hex chain digest and checks it is a SHA-256
// output.
func DigestBytes(hashHex string) ([]byte, error) {
	b, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest %q: %w", hashHex, err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("digest is %d bytes, want %d", len(b), sha256.Size)
	}
	return b, nil
}

// Verify checks sig over the raw bytes of hashHex using the given
// public key material.
//
// Semantics per algorithm:
//   - rsa-sha256: PKCS#1 v1.5 verification in digest mode, i.e. the
//     32-byte digest is the literal signing input and is never
//     re-hashed. keyMaterial is a PKIX (SubjectPublicKeyInfo) DER blob.
//   - ed25519: the digest bytes are signed as the message (Ed25519 has
//     no separate digest mode). keyMaterial is the 32-byte public key.
//   - hmac-sha256: keyMaterial is the MAC key itself; verification
//     recomputes the keyed MAC over the digest bytes.
func Verify(alg Algorithm, keyMaterial []byte, hashHex string, sig []byte) (bool, error) {
	dig, err := DigestBytes(hashHex)
	if err != nil {
		return false, err
	}

	switch alg {
	case AlgEd25519:
		if len(keyMaterial) != ed25519.PublicKeySize {
			return false, fmt.Errorf("ed25519 public key is %d bytes, want %d", len(keyMaterial), ed25519.PublicKeySize)
		}
		return ed25519.Verify(ed25519.PublicKey(keyMaterial), dig, sig), nil

	case AlgRSASHA256:
		pub, err := parseRSAPublicKey(keyMaterial)
		if err != nil {
			return false, err
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, dig, sig); err != nil {
			return false, nil
		}
		return true, nil

	case AlgHMACSHA256:
		mac := hmac.New(sha256.New, keyMaterial)
		mac.Write(dig)
		return hmac.Equal(mac.Sum(nil), sig), nil
	}
	return false, fmt.Errorf("unsupported algorithm %q", alg)
}

func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", pub)
	}
	return rsaPub, nil
}
