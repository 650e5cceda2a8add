package signer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures the signing backends for one process.
// Exactly one of HSM/Proxy/Local becomes the primary backend; selection
// order is HSM, then Proxy, then Local.
type Config struct {
	// RequireProduction enforces the fail-closed rule: signing must go
	// through a hardware or proxy backend, and any failure there is
	// fatal rather than falling back to a software key.
	RequireProduction bool

	HSM   *HSMConfig
	Proxy *ProxyConfig
	Local *LocalConfig
}

// LocalConfig configures the non-production software signer.
type LocalConfig struct {
	SignerID string

	// Algorithm is ed25519 (default) or hmac-sha256.
	Algorithm Algorithm

	// Ed25519Seed pins the dev key when set (32 bytes).
	Ed25519Seed []byte

	// MACMasterKey is required for hmac-sha256.
	MACMasterKey []byte
}

// SigningContext is the process-wide signing policy, constructed once
// from configuration and passed by reference to the appender and the
// threshold coordinator. There is no package-level signer state.
type SigningContext struct {
	primary    Backend
	fallback   Backend
	failClosed bool
	logger     *zap.Logger
}

// NewSigningContext selects a backend per the policy.
//
// Fail-closed: when RequireProduction is set and neither an HSM nor a
// proxy backend is configured (or its construction fails), the error is
// returned immediately. A production deployment can therefore never
// silently run on a local key.
//
// When RequireProduction is unset and a Local config is present
// alongside a remote backend, the local signer is kept as a fallback
// for transient remote failures. Falling back logs a warning on every
// use.
func NewSigningContext(cfg Config, logger *zap.Logger) (*SigningContext, error) {
	sc := &SigningContext{failClosed: cfg.RequireProduction, logger: logger}

	switch {
	case cfg.HSM != nil:
		b, err := NewHSMSigner(*cfg.HSM, logger)
		if err != nil {
			return nil, fmt.Errorf("signing context: %w", err)
		}
		sc.primary = b
	case cfg.Proxy != nil:
		b, err := NewProxySigner(*cfg.Proxy, logger)
		if err != nil {
			return nil, fmt.Errorf("signing context: %w", err)
		}
		sc.primary = b
	case cfg.Local != nil:
		if cfg.RequireProduction {
			return nil, fmt.Errorf("signing context: production signing required but only a local backend is configured: %w", ErrSigningUnavailable)
		}
		b, err := newLocalFromConfig(*cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("signing context: %w", err)
		}
		sc.primary = b
	default:
		return nil, fmt.Errorf("signing context: no backend configured: %w", ErrSigningUnavailable)
	}

	if !cfg.RequireProduction && cfg.Local != nil {
		if _, isLocal := sc.primary.(*LocalSigner); !isLocal {
			fb, err := newLocalFromConfig(*cfg.Local)
			if err != nil {
				return nil, fmt.Errorf("signing context: fallback: %w", err)
			}
			sc.fallback = fb
		}
	}

	return sc, nil
}

func newLocalFromConfig(cfg LocalConfig) (*LocalSigner, error) {
	if cfg.SignerID == "" {
		cfg.SignerID = "local-signer"
	}
	switch cfg.Algorithm {
	case AlgHMACSHA256:
		return NewMACSigner(cfg.SignerID, cfg.MACMasterKey)
	case "", AlgEd25519:
		if len(cfg.Ed25519Seed) > 0 {
			return NewLocalSignerFromSeed(cfg.SignerID, cfg.Ed25519Seed)
		}
		return NewLocalSigner(cfg.SignerID)
	}
	return nil, fmt.Errorf("local backend does not support %q", cfg.Algorithm)
}

// SignDigest signs through the primary backend, applying the fail-closed
// rule on failure.
func (sc *SigningContext) SignDigest(ctx context.Context, hashHex string) (Signature, error) {
	sig, err := sc.primary.SignDigest(ctx, hashHex)
	if err == nil {
		return sig, nil
	}

	if sc.failClosed {
		return Signature{}, fmt.Errorf("%w: backend %s failed: %v", ErrSigningUnavailable, sc.primary.SignerID(), err)
	}
	if sc.fallback == nil {
		return Signature{}, fmt.Errorf("sign digest: %w", err)
	}

	sc.logger.Warn("signing backend failed, falling back to local signer; this signature is NOT production-authoritative",
		zap.String("backend", sc.primary.SignerID()),
		zap.Error(err),
	)
	return sc.fallback.SignDigest(ctx, hashHex)
}

// Backend returns the primary backend, for callers that need direct
// access (the threshold coordinator).
func (sc *SigningContext) Backend() Backend { return sc.primary }

// SignerID returns the primary backend's signer identity.
func (sc *SigningContext) SignerID() string { return sc.primary.SignerID() }

// Algorithm returns the primary backend's algorithm.
func (sc *SigningContext) Algorithm() Algorithm { return sc.primary.Algorithm() }
