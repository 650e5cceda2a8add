package signer_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainseal/chainseal/internal/signer"
	"go.uber.org/zap"
)

// fakeKMS signs submitted digests with an in-memory Ed25519 key and
// asserts the digest-mode contract.
type fakeKMS struct {
	t    *testing.T
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	signCalls atomic.Int64
	failFirst int64
}

func newFakeKMS(t *testing.T) *fakeKMS {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeKMS{t: t, pub: pub, priv: priv}
}

func (f *fakeKMS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sign", func(w http.ResponseWriter, r *http.Request) {
		n := f.signCalls.Add(1)
		if n <= f.failFirst {
			http.Error(w, "transient", http.StatusServiceUnavailable)
			return
		}

		var req struct {
			KeyID       string `json:"keyId"`
			Algorithm   string `json:"algorithm"`
			MessageType string `json:"messageType"`
			DigestB64   string `json:"digest_b64"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.MessageType != "DIGEST" {
			f.t.Errorf("messageType: got %q, want DIGEST", req.MessageType)
		}
		dig, err := base64.StdEncoding.DecodeString(req.DigestB64)
		if err != nil || len(dig) != 32 {
			http.Error(w, "bad digest", http.StatusBadRequest)
			return
		}

		sig := ed25519.Sign(f.priv, dig)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"signature_b64": base64.StdEncoding.EncodeToString(sig),
			"signer_id":     "kms-signer-1",
		})
	})
	mux.HandleFunc("/v1/publickey", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"public_key_b64": base64.StdEncoding.EncodeToString(f.pub),
		})
	})
	return mux
}

func TestHSMSigner_signsDigestMode(t *testing.T) {
	kms := newFakeKMS(t)
	srv := httptest.NewServer(kms.handler())
	defer srv.Close()

	s, err := signer.NewHSMSigner(signer.HSMConfig{
		Endpoint:  srv.URL,
		KeyID:     "key-1",
		SignerID:  "kms-signer-1",
		Algorithm: signer.AlgEd25519,
		Timeout:   time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	dig := testDigest(t)
	sig, err := s.SignDigest(ctx, dig)
	if err != nil {
		t.Fatal(err)
	}
	if sig.SignerID != "kms-signer-1" {
		t.Errorf("signer id: got %q", sig.SignerID)
	}

	ok, err := signer.Verify(signer.AlgEd25519, kms.pub, dig, sig.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("kms signature did not verify")
	}
	if string(s.PublicKeyMaterial()) != string(kms.pub) {
		t.Error("public key fetch did not cache the kms key")
	}
}

func TestHSMSigner_retriesTransientFailures(t *testing.T) {
	kms := newFakeKMS(t)
	kms.failFirst = 2
	srv := httptest.NewServer(kms.handler())
	defer srv.Close()

	s, err := signer.NewHSMSigner(signer.HSMConfig{
		Endpoint:  srv.URL,
		KeyID:     "key-1",
		SignerID:  "kms-signer-1",
		Algorithm: signer.AlgEd25519,
		Timeout:   time.Second,
		Retries:   2,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.SignDigest(ctx, testDigest(t)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := kms.signCalls.Load(); got != 3 {
		t.Errorf("sign calls: got %d, want 3", got)
	}
}

func TestHSMSigner_negativeRetriesDisablesRetry(t *testing.T) {
	kms := newFakeKMS(t)
	kms.failFirst = 1
	srv := httptest.NewServer(kms.handler())
	defer srv.Close()

	s, err := signer.NewHSMSigner(signer.HSMConfig{
		Endpoint:  srv.URL,
		KeyID:     "key-1",
		SignerID:  "kms-signer-1",
		Algorithm: signer.AlgEd25519,
		Timeout:   time.Second,
		Retries:   -1,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.SignDigest(ctx, testDigest(t)); err == nil {
		t.Fatal("expected the transient failure to surface with retries disabled")
	}
	if got := kms.signCalls.Load(); got != 1 {
		t.Errorf("sign calls: got %d, want 1", got)
	}
}

func TestHSMSigner_doesNotRetryRejections(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sign" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		http.Error(w, "key disabled", http.StatusForbidden)
	}))
	defer srv.Close()

	s, err := signer.NewHSMSigner(signer.HSMConfig{
		Endpoint:  srv.URL,
		KeyID:     "key-1",
		SignerID:  "kms-signer-1",
		Algorithm: signer.AlgEd25519,
		Timeout:   time.Second,
		Retries:   3,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.SignDigest(ctx, testDigest(t)); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("a 403 was retried: %d calls", got)
	}
}

func TestHSMSigner_rejectsBadDigestBeforeNetwork(t *testing.T) {
	s, err := signer.NewHSMSigner(signer.HSMConfig{
		Endpoint:  "http://127.0.0.1:1", // never reached
		KeyID:     "key-1",
		SignerID:  "kms-signer-1",
		Algorithm: signer.AlgEd25519,
		Timeout:   100 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SignDigest(ctx, hex.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for malformed digest")
	}
}
