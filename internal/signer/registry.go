package signer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// KeyInfo is the public metadata the registry holds for one signer.
// For hmac-sha256 signers the "public" material is the MAC key itself,
// since verifying a MAC requires the key.
type KeyInfo struct {
	SignerID  string    `json:"signerId"`
	Algorithm Algorithm `json:"algorithm"`
	PublicKey string    `json:"publicKey"` // base64-encoded key material
	CreatedAt time.Time `json:"createdAt"`
}

// Registry maps signer ids to verification key material. It is
// populated out-of-band by key provisioning and rotation tooling;
// multiple entries may be concurrently valid during a rotation overlap
// window, each under its own signer id. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]KeyInfo)}
}

// Add registers (or replaces) a signer's key material.
func (r *Registry) Add(signerID string, keyMaterial []byte, alg Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signerID] = KeyInfo{
		SignerID:  signerID,
		Algorithm: alg,
		PublicKey: base64.StdEncoding.EncodeToString(keyMaterial),
		CreatedAt: time.Now().UTC(),
	}
}

// Get returns the KeyInfo for signerID.
func (r *Registry) Get(signerID string) (KeyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ki, ok := r.keys[signerID]
	return ki, ok
}

// KeyMaterial returns the decoded key material for signerID.
func (r *Registry) KeyMaterial(signerID string) ([]byte, error) {
	ki, ok := r.Get(signerID)
	if !ok {
		return nil, fmt.Errorf("unknown signer %q", signerID)
	}
	b, err := base64.StdEncoding.DecodeString(ki.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key material for signer %q: %w", signerID, err)
	}
	return b, nil
}

// List returns all registered signers.
func (r *Registry) List() []KeyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, ki := range r.keys {
		out = append(out, ki)
	}
	return out
}

// LoadFile merges signer entries from a JSON file written by the key
// provisioning tooling: an array of KeyInfo objects.
func (r *Registry) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	var entries []KeyInfo
	if err := json.Unmarshal(b, &entries); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.SignerID == "" || e.PublicKey == "" {
			return fmt.Errorf("registry entry missing signerId or publicKey")
		}
		if _, err := ParseAlgorithm(string(e.Algorithm)); err != nil {
			return fmt.Errorf("registry entry %s: %w", e.SignerID, err)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		r.keys[e.SignerID] = e
	}
	return nil
}
