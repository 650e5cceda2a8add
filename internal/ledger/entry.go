// Package ledger implements the append-only audit ledger: the entry
// model, the storage abstraction with its per-stream append lock and
// delivery claim queue, and the Appender that turns a payload into a
// signed, chained entry.
package ledger

import (
	"errors"
	"time"

	"github.com/chainseal/chainseal/internal/signer"
)

// StreamStatus tracks an entry through the delivery pipeline. It is the
// only mutable state on a persisted entry.
type StreamStatus string

const (
	StatusPending    StreamStatus = "pending"
	StatusInProgress StreamStatus = "in_progress"
	StatusComplete   StreamStatus = "complete"
	StatusFailed     StreamStatus = "failed"
)

// Entry is one audit record. Every field above the delivery-state block
// is immutable once the entry is persisted.
type Entry struct {
	ID        string           `json:"id"`
	StreamID  string           `json:"streamId"`
	Seq       int64            `json:"-"`
	EventType string           `json:"eventType"`
	Payload   any              `json:"payload"`
	PrevHash  string           `json:"prevHash"`
	Hash      string           `json:"hash"`
	Signature string           `json:"signature"` // base64-encoded
	SignerID  string           `json:"signerId"`
	Algorithm signer.Algorithm `json:"algorithm"`
	CreatedAt time.Time        `json:"createdAt"`

	// Delivery state, owned by the delivery pipeline.
	StreamStatus     StreamStatus `json:"-"`
	Attempts         int          `json:"-"`
	LastError        string       `json:"-"`
	NextAttemptAt    time.Time    `json:"-"`
	ClaimedAt        time.Time    `json:"-"`
	BusProducedAt    *time.Time   `json:"-"`
	ArchiveObjectKey string       `json:"-"`
}

// ErrNotFound is returned when a requested entry or stream does not
// exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRequest is returned when an idempotency key is replayed
// with a payload that does not match the original request.
var ErrDuplicateRequest = errors.New("idempotency key already used with a different payload")
