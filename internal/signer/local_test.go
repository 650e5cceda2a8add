package signer_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"testing"

	"github.com/chainseal/chainseal/internal/signer"
)

var ctx = context.Background()

func testDigest(t *testing.T) string {
	t.Helper()
	sum := sha256.Sum256([]byte("test payload"))
	return hex.EncodeToString(sum[:])
}

func TestLocalSigner_ed25519RoundTrip(t *testing.T) {
	s, err := signer.NewLocalSigner("local-1")
	if err != nil {
		t.Fatal(err)
	}

	dig := testDigest(t)
	sig, err := s.SignDigest(ctx, dig)
	if err != nil {
		t.Fatal(err)
	}
	if sig.SignerID != "local-1" || sig.Algorithm != signer.AlgEd25519 {
		t.Errorf("unexpected signature metadata: %+v", sig)
	}

	ok, err := signer.Verify(signer.AlgEd25519, s.PublicKeyMaterial(), dig, sig.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid signature did not verify")
	}
}

func TestLocalSigner_macRoundTrip(t *testing.T) {
	s, err := signer.NewMACSigner("mac-1", []byte("master-secret"))
	if err != nil {
		t.Fatal(err)
	}

	dig := testDigest(t)
	sig, err := s.SignDigest(ctx, dig)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Algorithm != signer.AlgHMACSHA256 {
		t.Errorf("algorithm: got %q", sig.Algorithm)
	}

	ok, err := signer.Verify(signer.AlgHMACSHA256, s.PublicKeyMaterial(), dig, sig.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid mac did not verify")
	}
}

func TestMACSigner_distinctSignerIDsDeriveDistinctKeys(t *testing.T) {
	a, _ := signer.NewMACSigner("mac-a", []byte("master-secret"))
	b, _ := signer.NewMACSigner("mac-b", []byte("master-secret"))

	dig := testDigest(t)
	sigA, _ := a.SignDigest(ctx, dig)
	sigB, _ := b.SignDigest(ctx, dig)
	if string(sigA.Bytes) == string(sigB.Bytes) {
		t.Error("different signer ids produced identical macs")
	}
}

func TestVerify_rsaDigestMode(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	dig := testDigest(t)
	digBytes, _ := hex.DecodeString(dig)

	// Digest-mode: sign the precomputed hash directly.
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digBytes)
	if err != nil {
		t.Fatal(err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := signer.Verify(signer.AlgRSASHA256, pubDER, dig, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid rsa signature did not verify")
	}
}

func TestVerify_flippedByteFails(t *testing.T) {
	algs := []struct {
		name string
		make func(t *testing.T) (signer.Backend, []byte, signer.Algorithm)
	}{
		{"ed25519", func(t *testing.T) (signer.Backend, []byte, signer.Algorithm) {
			s, err := signer.NewLocalSigner("flip")
			if err != nil {
				t.Fatal(err)
			}
			return s, s.PublicKeyMaterial(), signer.AlgEd25519
		}},
		{"hmac", func(t *testing.T) (signer.Backend, []byte, signer.Algorithm) {
			s, err := signer.NewMACSigner("flip", []byte("k"))
			if err != nil {
				t.Fatal(err)
			}
			return s, s.PublicKeyMaterial(), signer.AlgHMACSHA256
		}},
	}

	dig := testDigest(t)
	for _, tc := range algs {
		t.Run(tc.name, func(t *testing.T) {
			backend, key, alg := tc.make(t)
			sig, err := backend.SignDigest(ctx, dig)
			if err != nil {
				t.Fatal(err)
			}

			for i := range sig.Bytes {
				tampered := append([]byte{}, sig.Bytes...)
				tampered[i] ^= 0x01
				ok, err := signer.Verify(alg, key, dig, tampered)
				if err != nil {
					t.Fatal(err)
				}
				if ok {
					t.Fatalf("flipped byte %d still verified", i)
				}
			}
		})
	}
}

func TestVerify_rejectsShortDigest(t *testing.T) {
	s, _ := signer.NewLocalSigner("short")
	if _, err := s.SignDigest(ctx, "abcd"); err == nil {
		t.Error("expected error for digest that is not 32 bytes")
	}
	if _, err := signer.Verify(signer.AlgEd25519, s.PublicKeyMaterial(), "abcd", nil); err == nil {
		t.Error("expected error for digest that is not 32 bytes")
	}
}
