// Package delivery moves persisted ledger entries to their two
// destinations: the message bus and the immutable archive. It claims
// pending entries from storage, delivers them with bounded concurrency,
// and records the outcome so the store remains the source of truth for
// retries.
package delivery

import (
	"time"

	"github.com/chainseal/chainseal/internal/canonical"
	"github.com/chainseal/chainseal/internal/ledger"
)

// Envelope builds the canonical delivery envelope of an entry: the full
// immutable record, identical byte-for-byte at the bus and the archive.
func Envelope(e *ledger.Entry) map[string]any {
	return map[string]any{
		"id":        e.ID,
		"eventType": e.EventType,
		"payload":   e.Payload,
		"prevHash":  e.PrevHash,
		"hash":      e.Hash,
		"signature": e.Signature,
		"signerId":  e.SignerID,
		"algorithm": string(e.Algorithm),
		"createdAt": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// EnvelopeBytes canonicalizes the envelope once; both destinations
// receive exactly these bytes.
func EnvelopeBytes(e *ledger.Entry) ([]byte, error) {
	return canonical.Marshal(Envelope(e))
}
