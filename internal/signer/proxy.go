package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ProxyConfig configures the remote signing proxy backend.
type ProxyConfig struct {
	// Endpoint is the base URL of the signing proxy.
	Endpoint string

	// SignerID is the identity hint sent with each request; the proxy's
	// response is authoritative.
	SignerID string

	// Algorithm the proxy signs with.
	Algorithm Algorithm

	// AuthSecret signs the short-lived HS256 bearer minted per request.
	AuthSecret []byte

	// Issuer is the iss claim on minted tokens.
	Issuer string

	// Timeout bounds each request attempt. Defaults to 5s.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first.
	// Zero means the default of 2; a negative value disables retries.
	Retries int

	// ClientCert/ClientKey/CACert enable mTLS; PEM content or file path.
	ClientCert string
	ClientKey  string
	CACert     string

	// HTTPClient overrides the constructed client (tests).
	HTTPClient *http.Client
}

// ProxySigner delegates signing to a remote signing service over an
// authenticated channel. Algorithm semantics are identical to
// HSMSigner: the proxy signs the submitted digest bytes in digest mode.
type ProxySigner struct {
	endpoint   string
	signerID   string
	alg        Algorithm
	authSecret []byte
	issuer     string
	client     *http.Client
	timeout    time.Duration
	retries    int
	logger     *zap.Logger
}

type proxySignRequest struct {
	SignerID  string `json:"signerId"`
	Algorithm string `json:"algorithm"`
	DigestB64 string `json:"digest_b64"`
}

type proxySignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

// NewProxySigner constructs the remote signing proxy client.
func NewProxySigner(cfg ProxyConfig, logger *zap.Logger) (*ProxySigner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("proxy: endpoint required")
	}
	if cfg.SignerID == "" {
		return nil, fmt.Errorf("proxy: signer id required")
	}
	if _, err := ParseAlgorithm(string(cfg.Algorithm)); err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
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
			return nil, fmt.Errorf("proxy: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   cfg.Timeout,
		}
	}

	return &ProxySigner{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		signerID:   cfg.SignerID,
		alg:        cfg.Algorithm,
		authSecret: cfg.AuthSecret,
		issuer:     cfg.Issuer,
		client:     client,
		timeout:    cfg.Timeout,
		retries:    cfg.Retries,
		logger:     logger,
	}, nil
}

// SignDigest implements Backend.
func (p *ProxySigner) SignDigest(ctx context.Context, hashHex string) (Signature, error) {
	dig, err := DigestBytes(hashHex)
	if err != nil {
		return Signature{}, err
	}

	req := proxySignRequest{
		SignerID:  p.signerID,
		Algorithm: string(p.alg),
		DigestB64: base64.StdEncoding.EncodeToString(dig),
	}

	var resp proxySignResponse
	if err := p.postWithRetry(ctx, p.endpoint+"/v1/sign", req, &resp); err != nil {
		return Signature{}, fmt.Errorf("proxy sign: %w", err)
	}
	if resp.SignatureB64 == "" {
		return Signature{}, fmt.Errorf("proxy sign: response missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignatureB64)
	if err != nil {
		return Signature{}, fmt.Errorf("proxy sign: invalid base64 signature: %w", err)
	}

	signerID := p.signerID
	if resp.SignerID != "" {
		signerID = resp.SignerID
	}
	return Signature{SignerID: signerID, Algorithm: p.alg, Bytes: sig}, nil
}

// SignerID implements Backend.
func (p *ProxySigner) SignerID() string { return p.signerID }

// Algorithm implements Backend.
func (p *ProxySigner) Algorithm() Algorithm { return p.alg }

// mintToken produces a short-lived HS256 bearer for one request.
func (p *ProxySigner) mintToken() (string, error) {
	if len(p.authSecret) == 0 {
		return "", nil
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    p.issuer,
		Subject:   p.signerID,
		Audience:  jwt.ClaimStrings{"chainseal-signing"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Second)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.authSecret)
}

func (p *ProxySigner) postWithRetry(ctx context.Context, url string, in, out any) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= p.retries; attempt++ {
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

		err := p.postJSON(ctx, url, in, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && !httpErr.retryable() {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.retries+1, lastErr)
}

func (p *ProxySigner) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := p.mintToken()
	if err != nil {
		return fmt.Errorf("mint bearer token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
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
