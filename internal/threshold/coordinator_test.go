package threshold_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/chainseal/chainseal/internal/signer"
	"github.com/chainseal/chainseal/internal/threshold"
	"go.uber.org/zap"
)

var ctx = context.Background()

func testDigest() string {
	sum := sha256.Sum256([]byte("threshold round input"))
	return hex.EncodeToString(sum[:])
}

// failingBackend always refuses to sign.
type failingBackend struct {
	id string
}

func (f *failingBackend) SignDigest(context.Context, string) (signer.Signature, error) {
	return signer.Signature{}, errors.New("participant offline")
}
func (f *failingBackend) SignerID() string            { return f.id }
func (f *failingBackend) Algorithm() signer.Algorithm { return signer.AlgEd25519 }

func newParties(t *testing.T, n int) ([]signer.Backend, *signer.Registry) {
	t.Helper()
	registry := signer.NewRegistry()
	backends := make([]signer.Backend, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("party-%d", i)
		s, err := signer.NewLocalSigner(id)
		if err != nil {
			t.Fatalf("local signer %s: %v", id, err)
		}
		backends = append(backends, s)
		registry.Add(id, s.PublicKeyMaterial(), s.Algorithm())
	}
	return backends, registry
}

func TestCollectAllPartiesSign(t *testing.T) {
	backends, registry := newParties(t, 5)
	coord, err := threshold.NewCoordinator(backends, 3, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	proof, err := coord.Collect(ctx, testDigest())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if proof.OKCount != 5 {
		t.Errorf("okCount = %d, want 5", proof.OKCount)
	}
	if !proof.MeetsThreshold() {
		t.Error("proof does not meet threshold")
	}

	res, err := threshold.Verify(proof, registry)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.ValidCount != 5 {
		t.Errorf("verify = (%v, %d), want (true, 5)", res.OK, res.ValidCount)
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected verification errors: %v", res.Errors)
	}
}

func TestCollectToleratesMinorityFailure(t *testing.T) {
	backends, registry := newParties(t, 3)
	backends = append(backends, &failingBackend{id: "party-3"}, &failingBackend{id: "party-4"})

	coord, err := threshold.NewCoordinator(backends, 3, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	proof, err := coord.Collect(ctx, testDigest())
	if err != nil {
		t.Fatalf("collect with 2 failures: %v", err)
	}
	if proof.OKCount != 3 {
		t.Errorf("okCount = %d, want 3", proof.OKCount)
	}

	res, err := threshold.Verify(proof, registry)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.ValidCount != 3 {
		t.Errorf("verify = (%v, %d), want (true, 3)", res.OK, res.ValidCount)
	}
}

func TestCollectQuorumNotMet(t *testing.T) {
	backends, _ := newParties(t, 2)
	for i := 2; i < 5; i++ {
		backends = append(backends, &failingBackend{id: fmt.Sprintf("party-%d", i)})
	}

	coord, err := threshold.NewCoordinator(backends, 3, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	proof, err := coord.Collect(ctx, testDigest())
	if !errors.Is(err, threshold.ErrQuorumNotMet) {
		t.Fatalf("err = %v, want ErrQuorumNotMet", err)
	}
	if proof == nil {
		t.Fatal("partial proof not returned with quorum error")
	}
	if proof.OKCount != 2 {
		t.Errorf("okCount = %d, want 2", proof.OKCount)
	}
	if proof.MeetsThreshold() {
		t.Error("partial proof claims to meet threshold")
	}
}

func TestVerifyExcludesUnknownAndForgedSigners(t *testing.T) {
	backends, registry := newParties(t, 4)
	coord, err := threshold.NewCoordinator(backends, 3, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	proof, err := coord.Collect(ctx, testDigest())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	// Tamper: swap two parties' signatures so both fail verification.
	proof.Signatures[0].Signature, proof.Signatures[1].Signature =
		proof.Signatures[1].Signature, proof.Signatures[0].Signature

	res, err := threshold.Verify(proof, registry)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.ValidCount != 2 {
		t.Errorf("validCount = %d, want 2 after tampering", res.ValidCount)
	}
	if res.OK {
		t.Error("tampered proof verified")
	}
	if len(res.Errors) != 2 {
		t.Errorf("errors = %v, want one per tampered signature", res.Errors)
	}
}

func TestVerifyRejectsRelabeledAlgorithm(t *testing.T) {
	backends, registry := newParties(t, 3)
	coord, err := threshold.NewCoordinator(backends, 3, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	proof, err := coord.Collect(ctx, testDigest())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	// Replace one contribution with a MAC keyed on that party's ed25519
	// public key, relabeling the algorithm to match the forgery. The
	// registered algorithm must win over the proof's claim.
	target := &proof.Signatures[0]
	pub, err := registry.KeyMaterial(target.SignerID)
	if err != nil {
		t.Fatal(err)
	}
	dig, err := signer.DigestBytes(proof.DigestHex)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, pub)
	mac.Write(dig)
	target.Algorithm = signer.AlgHMACSHA256
	target.Signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	res, err := threshold.Verify(proof, registry)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.OK {
		t.Error("proof with relabeled algorithm verified")
	}
	if res.ValidCount != 2 {
		t.Errorf("validCount = %d, want 2", res.ValidCount)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want one for the forged signature", res.Errors)
	}
}

func TestNewCoordinatorRejectsBadConfig(t *testing.T) {
	backends, _ := newParties(t, 2)

	if _, err := threshold.NewCoordinator(backends, 0, 0, zap.NewNop()); err == nil {
		t.Error("threshold 0 accepted")
	}
	if _, err := threshold.NewCoordinator(backends, 3, 0, zap.NewNop()); err == nil {
		t.Error("threshold above backend count accepted")
	}

	dup, err := signer.NewLocalSigner(backends[0].SignerID())
	if err != nil {
		t.Fatalf("local signer: %v", err)
	}
	if _, err := threshold.NewCoordinator(append(backends, dup), 2, 0, zap.NewNop()); err == nil {
		t.Error("duplicate signer id accepted")
	}
}

func TestCollectRejectsMalformedDigest(t *testing.T) {
	backends, _ := newParties(t, 3)
	coord, err := threshold.NewCoordinator(backends, 2, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if _, err := coord.Collect(ctx, "not-hex"); err == nil {
		t.Error("malformed digest accepted")
	}
}
