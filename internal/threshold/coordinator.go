// Package threshold implements N-of-M multi-party attestation over a
// chain digest: a coordinator fans the digest out to independent
// signing backends and assembles a proof that at least N of them
// signed it.
package threshold

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainseal/chainseal/internal/signer"
	"go.uber.org/zap"
)

// ErrQuorumNotMet is returned when fewer than the required number of
// backends produced a signature. The partial proof is still returned
// alongside it for diagnostics.
var ErrQuorumNotMet = errors.New("signature quorum not met")

// PartySignature is one participant's contribution to a proof.
type PartySignature struct {
	SignerID  string           `json:"signerId"`
	Algorithm signer.Algorithm `json:"algorithm"`
	Signature string           `json:"signature"` // base64-encoded
}

// Proof records a threshold signing round. Signatures are ordered by
// completion, not by the backend list, so two rounds over the same
// digest may order them differently.
type Proof struct {
	DigestHex   string           `json:"digestHex"`
	Threshold   int              `json:"threshold"`
	RequestedAt time.Time        `json:"requestedAt"`
	Signatures  []PartySignature `json:"signatures"`
	OKCount     int              `json:"okCount"`
}

// MeetsThreshold reports whether the proof carries enough signatures.
func (p *Proof) MeetsThreshold() bool {
	return p.OKCount >= p.Threshold
}

// Coordinator drives threshold signing rounds against a fixed set of
// backends.
type Coordinator struct {
	backends  []signer.Backend
	threshold int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewCoordinator wires a Coordinator over backends requiring threshold
// signatures per round. timeout bounds each round; zero means 30s.
func NewCoordinator(backends []signer.Backend, threshold int, timeout time.Duration, logger *zap.Logger) (*Coordinator, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	if threshold > len(backends) {
		return nil, fmt.Errorf("threshold %d exceeds backend count %d", threshold, len(backends))
	}
	seen := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		if _, dup := seen[b.SignerID()]; dup {
			return nil, fmt.Errorf("duplicate signer id %q", b.SignerID())
		}
		seen[b.SignerID()] = struct{}{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		backends:  backends,
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Collect runs one signing round: every backend is asked concurrently
// to sign hashHex, individual failures are logged and excluded, and the
// successful signatures are assembled into a Proof. If fewer than the
// threshold succeed the proof is returned together with ErrQuorumNotMet.
func (c *Coordinator) Collect(ctx context.Context, hashHex string) (*Proof, error) {
	if _, err := signer.DigestBytes(hashHex); err != nil {
		return nil, fmt.Errorf("threshold collect: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proof := &Proof{
		DigestHex:   hashHex,
		Threshold:   c.threshold,
		RequestedAt: time.Now().UTC(),
	}

	results := make(chan signer.Signature, len(c.backends))
	var wg sync.WaitGroup
	for _, b := range c.backends {
		wg.Add(1)
		go func(b signer.Backend) {
			defer wg.Done()
			sig, err := b.SignDigest(ctx, hashHex)
			if err != nil {
				c.logger.Warn("threshold participant failed",
					zap.String("signer_id", b.SignerID()),
					zap.Error(err),
				)
				return
			}
			results <- sig
		}(b)
	}
	wg.Wait()
	close(results)

	for sig := range results {
		proof.Signatures = append(proof.Signatures, PartySignature{
			SignerID:  sig.SignerID,
			Algorithm: sig.Algorithm,
			Signature: base64.StdEncoding.EncodeToString(sig.Bytes),
		})
	}
	proof.OKCount = len(proof.Signatures)

	if !proof.MeetsThreshold() {
		return proof, fmt.Errorf("%w: %d of %d required", ErrQuorumNotMet, proof.OKCount, proof.Threshold)
	}
	return proof, nil
}

// Result is the outcome of verifying a proof: how many signatures held
// up and what was wrong with each one that did not.
type Result struct {
	OK         bool     `json:"ok"`
	ValidCount int      `json:"validCount"`
	Errors     []string `json:"errors,omitempty"`
}

// Verify checks every signature in the proof against the registry.
// Signatures from unknown signers or that fail verification are
// excluded and reported in Result.Errors, not fatal; the proof passes
// when the remaining valid count meets the proof's threshold.
func Verify(proof *Proof, registry *signer.Registry) (Result, error) {
	if proof == nil {
		return Result{}, errors.New("nil proof")
	}
	if _, err := signer.DigestBytes(proof.DigestHex); err != nil {
		return Result{}, fmt.Errorf("threshold verify: %w", err)
	}

	var res Result
	seen := make(map[string]struct{}, len(proof.Signatures))
	for _, ps := range proof.Signatures {
		if _, dup := seen[ps.SignerID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: duplicate signer in proof", ps.SignerID))
			continue
		}
		seen[ps.SignerID] = struct{}{}

		ki, known := registry.Get(ps.SignerID)
		if !known {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: unknown signer", ps.SignerID))
			continue
		}
		// The declared algorithm is attacker-controlled; verifying with it
		// would let a MAC keyed on a registered public key pass. Only the
		// registered algorithm counts.
		if ps.Algorithm != ki.Algorithm {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: algorithm %q does not match registered %q", ps.SignerID, ps.Algorithm, ki.Algorithm))
			continue
		}
		key, err := registry.KeyMaterial(ps.SignerID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ps.SignerID, err))
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(ps.Signature)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: malformed signature: %v", ps.SignerID, err))
			continue
		}
		ok, err := signer.Verify(ki.Algorithm, key, proof.DigestHex, sig)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ps.SignerID, err))
			continue
		}
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: signature invalid", ps.SignerID))
			continue
		}
		res.ValidCount++
	}
	res.OK = res.ValidCount >= proof.Threshold
	return res, nil
}
