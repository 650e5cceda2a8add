package signer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HSMConfig configures the KMS-backed hardware signer.
type HSMConfig struct {
	// Endpoint is the base URL of the KMS signing service.
	Endpoint string

	// KeyID is the logical key identifier inside the KMS.
	KeyID string

	// SignerID is the identity recorded on produced signatures. The KMS
	// response may override it.
	SignerID string

	// Algorithm the KMS key implements.
	Algorithm Algorithm

	// BearerToken, if set, is sent as an Authorization header.
	BearerToken string

	// Timeout bounds each request attempt. Defaults to 5s.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first.
	// Zero means the default of 2; a negative value disables retries.
	Retries int

	// RateLimit caps requests per second to the KMS. Zero disables the
	// limiter.
	RateLimit float64

	// ClientCert/ClientKey/CACert hold PEM content or a path to a PEM
	// file, enabling mTLS towards the KMS.
	ClientCert string
	ClientKey  string
	CACert     string

	// HTTPClient overrides the constructed client (tests).
	HTTPClient *http.Client
}

// HSMSigner delegates digest signing to an external KMS over HTTP.
//
// The request always carries messageType "DIGEST": the KMS must treat
// the submitted bytes as a precomputed hash, not as a message to be
// hashed again. A message-mode signature over the same bytes would not
// verify against the chain digest.
type HSMSigner struct {
	endpoint string
	keyID    string
	signerID string
	alg      Algorithm
	bearer   string
	client   *http.Client
	timeout  time.Duration
	retries  int
	limiter  *rate.Limiter
	logger   *zap.Logger

	publicKey []byte
}

type hsmSignRequest struct {
	KeyID       string `json:"keyId"`
	Algorithm   string `json:"algorithm"`
	MessageType string `json:"messageType"`
	DigestB64   string `json:"digest_b64"`
}

type hsmSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

// NewHSMSigner builds the KMS client and attempts a best-effort public
// key fetch. The fetch failing is not fatal here; the verifier reads
// keys from the registry, not from the backend.
func NewHSMSigner(cfg HSMConfig, logger *zap.Logger) (*HSMSigner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("hsm: endpoint required")
	}
	if cfg.SignerID == "" {
		return nil, fmt.Errorf("hsm: signer id required")
	}
	if _, err := ParseAlgorithm(string(cfg.Algorithm)); err != nil {
		return nil, fmt.Errorf("hsm: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 2
	}

	client := cfg.HTTPClient
	if client == nil {
		tlsCfg, err := buildTLSConfig(cfg.ClientCert, cfg.ClientKey, cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("hsm: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   cfg.Timeout,
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	s := &HSMSigner{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		keyID:    cfg.KeyID,
		signerID: cfg.SignerID,
		alg:      cfg.Algorithm,
		bearer:   cfg.BearerToken,
		client:   client,
		timeout:  cfg.Timeout,
		retries:  cfg.Retries,
		limiter:  limiter,
		logger:   logger,
	}

	if pk, err := s.fetchPublicKey(context.Background()); err != nil {
		logger.Warn("hsm: public key fetch failed", zap.Error(err))
	} else {
		s.publicKey = pk
	}
	return s, nil
}

// SignDigest implements Backend.
func (s *HSMSigner) SignDigest(ctx context.Context, hashHex string) (Signature, error) {
	dig, err := DigestBytes(hashHex)
	if err != nil {
		return Signature{}, err
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Signature{}, fmt.Errorf("hsm: rate limiter: %w", err)
		}
	}

	req := hsmSignRequest{
		KeyID:       s.keyID,
		Algorithm:   string(s.alg),
		MessageType: "DIGEST",
		DigestB64:   base64.StdEncoding.EncodeToString(dig),
	}

	var resp hsmSignResponse
	if err := s.postWithRetry(ctx, s.endpoint+"/v1/sign", req, &resp); err != nil {
		return Signature{}, fmt.Errorf("hsm sign: %w", err)
	}
	if resp.SignatureB64 == "" {
		return Signature{}, fmt.Errorf("hsm sign: response missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignatureB64)
	if err != nil {
		return Signature{}, fmt.Errorf("hsm sign: invalid base64 signature: %w", err)
	}

	signerID := s.signerID
	if resp.SignerID != "" {
		signerID = resp.SignerID
	}
	return Signature{SignerID: signerID, Algorithm: s.alg, Bytes: sig}, nil
}

// SignerID implements Backend.
func (s *HSMSigner) SignerID() string { return s.signerID }

// Algorithm implements Backend.
func (s *HSMSigner) Algorithm() Algorithm { return s.alg }

// PublicKeyMaterial returns the key material cached at construction,
// or nil if the KMS did not provide one.
func (s *HSMSigner) PublicKeyMaterial() []byte { return s.publicKey }

func (s *HSMSigner) fetchPublicKey(ctx context.Context) ([]byte, error) {
	req := map[string]string{"keyId": s.keyID, "signerId": s.signerID}
	var resp struct {
		PublicKeyB64 string `json:"public_key_b64"`
	}
	if err := s.postWithRetry(ctx, s.endpoint+"/v1/publickey", req, &resp); err != nil {
		return nil, err
	}
	if resp.PublicKeyB64 == "" {
		return nil, fmt.Errorf("response missing public key")
	}
	return base64.StdEncoding.DecodeString(resp.PublicKeyB64)
}

func (s *HSMSigner) postWithRetry(ctx context.Context, url string, in, out any) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}

		err := s.postJSON(ctx, url, in, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && !httpErr.retryable() {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.retries+1, lastErr)
}

func (s *HSMSigner) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// httpStatusError carries a non-2xx response; 5xx responses are
// retryable, 4xx are not.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func (e *httpStatusError) retryable() bool { return e.StatusCode >= 500 }

// buildTLSConfig assembles an mTLS-capable TLS config. cert/key/ca each
// accept either literal PEM content or a path to a PEM file.
func buildTLSConfig(certVal, keyVal, caVal string) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certVal != "" && keyVal != "" {
		certPEM, err := readValueOrFile(certVal)
		if err != nil {
			return nil, fmt.Errorf("read client cert: %w", err)
		}
		keyPEM, err := readValueOrFile(keyVal)
		if err != nil {
			return nil, fmt.Errorf("read client key: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if caVal != "" {
		caPEM, err := readValueOrFile(caVal)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse ca certificate")
		}
		tlsCfg.RootCAs = cp
	}

	return tlsCfg, nil
}

func readValueOrFile(value string) ([]byte, error) {
	if _, err := os.Stat(value); err == nil {
		return os.ReadFile(value)
	}
	return []byte(value), nil
}
