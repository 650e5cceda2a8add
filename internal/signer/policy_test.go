package signer_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chainseal/chainseal/internal/signer"
	"go.uber.org/zap"
)

func TestSigningContext_failClosedWithoutProductionBackend(t *testing.T) {
	_, err := signer.NewSigningContext(signer.Config{
		RequireProduction: true,
		Local:             &signer.LocalConfig{SignerID: "dev"},
	}, zap.NewNop())
	if !errors.Is(err, signer.ErrSigningUnavailable) {
		t.Errorf("got %v, want ErrSigningUnavailable", err)
	}

	_, err = signer.NewSigningContext(signer.Config{RequireProduction: true}, zap.NewNop())
	if !errors.Is(err, signer.ErrSigningUnavailable) {
		t.Errorf("got %v, want ErrSigningUnavailable", err)
	}
}

func TestSigningContext_failClosedOnBackendFailure(t *testing.T) {
	// A proxy that always fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hsm offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sc, err := signer.NewSigningContext(signer.Config{
		RequireProduction: true,
		Proxy: &signer.ProxyConfig{
			Endpoint:  srv.URL,
			SignerID:  "prod-signer",
			Algorithm: signer.AlgEd25519,
			Timeout:   time.Second,
			Retries:   1,
		},
		// A local config present alongside must NOT become a fallback
		// under the production flag.
		Local: &signer.LocalConfig{SignerID: "dev"},
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	_, err = sc.SignDigest(ctx, testDigest(t))
	if !errors.Is(err, signer.ErrSigningUnavailable) {
		t.Errorf("got %v, want ErrSigningUnavailable", err)
	}
}

func TestSigningContext_fallsBackWhenNotProduction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sc, err := signer.NewSigningContext(signer.Config{
		Proxy: &signer.ProxyConfig{
			Endpoint:  srv.URL,
			SignerID:  "remote",
			Algorithm: signer.AlgEd25519,
			Timeout:   time.Second,
			Retries:   1,
		},
		Local: &signer.LocalConfig{SignerID: "dev-fallback"},
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	sig, err := sc.SignDigest(ctx, testDigest(t))
	if err != nil {
		t.Fatalf("expected fallback signature, got error: %v", err)
	}
	if sig.SignerID != "dev-fallback" {
		t.Errorf("signer id: got %q, want dev-fallback", sig.SignerID)
	}
}

func TestSigningContext_selectionOrder(t *testing.T) {
	// Local only, no production flag: local is the primary.
	sc, err := signer.NewSigningContext(signer.Config{
		Local: &signer.LocalConfig{SignerID: "only-local"},
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if sc.SignerID() != "only-local" {
		t.Errorf("primary: got %q, want only-local", sc.SignerID())
	}
	if sc.Algorithm() != signer.AlgEd25519 {
		t.Errorf("algorithm: got %q, want ed25519", sc.Algorithm())
	}
}
