package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"
	"github.com/chainseal/chainseal/internal/digest"
	"github.com/chainseal/chainseal/internal/signer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Appender is the only write path into the ledger. It orchestrates
// canonicalization, hash chaining, signing, and persistence as one
// atomic unit per append: if signing fails under a fail-closed policy,
// nothing is persisted.
type Appender struct {
	store   Store
	signing *signer.SigningContext
	logger  *zap.Logger
}

// NewAppender wires an Appender.
func NewAppender(store Store, signing *signer.SigningContext, logger *zap.Logger) *Appender {
	return &Appender{store: store, signing: signing, logger: logger}
}

// AppendOption customises a single append.
type AppendOption func(*appendOptions)

type appendOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey makes the append idempotent: replaying the same
// key with a semantically equal payload returns the original entry
// instead of creating a duplicate.
func WithIdempotencyKey(key string) AppendOption {
	return func(o *appendOptions) { o.idempotencyKey = key }
}

// Append creates one signed, chained ledger entry in streamID.
//
// The payload is canonicalized before the stream lock is taken (it is
// pure); the head read, digest, signature and insert all happen under
// the lock so concurrent appends can never compute the same prevHash.
func (a *Appender) Append(ctx context.Context, eventType string, payload any, streamID string, opts ...AppendOption) (*Entry, error) {
	if eventType == "" {
		return nil, fmt.Errorf("append: event type required")
	}
	if streamID == "" {
		return nil, fmt.Errorf("append: stream id required")
	}

	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	canon, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("append: canonicalize payload: %w", err)
	}
	payloadHash := digest.SumHex(canon)

	entry, created, err := a.store.Append(ctx, streamID, o.idempotencyKey, payloadHash,
		func(prevHash string, seq int64, createdAt time.Time) (*Entry, error) {
			hashHex, err := digest.Compute(canon, prevHash)
			if err != nil {
				return nil, fmt.Errorf("compute chain digest: %w", err)
			}

			sig, err := a.signing.SignDigest(ctx, hashHex)
			if err != nil {
				return nil, fmt.Errorf("sign digest: %w", err)
			}

			return &Entry{
				ID:        uuid.New().String(),
				EventType: eventType,
				Payload:   payload,
				PrevHash:  prevHash,
				Hash:      hashHex,
				Signature: base64.StdEncoding.EncodeToString(sig.Bytes),
				SignerID:  sig.SignerID,
				Algorithm: sig.Algorithm,
				CreatedAt: createdAt,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	if !created {
		a.logger.Debug("append deduplicated by idempotency key",
			zap.String("key", o.idempotencyKey),
			zap.String("entry_id", entry.ID),
		)
	}
	return entry, nil
}
