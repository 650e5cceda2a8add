package ledger

import (
	"context"
	"time"
)

// BuildFunc constructs the immutable fields of a new entry while the
// stream's append lock is held. prevHash is the current head digest
// (empty for the first entry), seq the next sequence number, createdAt
// the storage-assigned timestamp (monotonic within the stream).
// Returning an error aborts the append with nothing persisted.
type BuildFunc func(prevHash string, seq int64, createdAt time.Time) (*Entry, error)

// DeliveryResult records the outcome of one delivery attempt.
type DeliveryResult struct {
	Success          bool
	BusProducedAt    time.Time
	ArchiveObjectKey string

	// Failure fields.
	Err           string
	NextAttemptAt time.Time
	Dead          bool // move to failed instead of pending
}

// Store is the persistence abstraction shared by the appender, the
// verifier, and the delivery pipeline. Implementations must provide
// storage-level mutual exclusion: the append path serialises per
// stream, and ClaimPending never hands the same entry to two workers.
type Store interface {
	// Append runs build under the stream's append lock and persists the
	// result atomically with streamStatus pending. When idemKey is
	// non-empty and was seen before: if payloadHash matches the original
	// request the previously created entry is returned with created ==
	// false; otherwise ErrDuplicateRequest.
	Append(ctx context.Context, streamID, idemKey, payloadHash string, build BuildFunc) (entry *Entry, created bool, err error)

	// Head returns the current head hash of a stream, or "" for an
	// empty stream.
	Head(ctx context.Context, streamID string) (string, error)

	// Get returns the entry with the given id.
	Get(ctx context.Context, id string) (*Entry, error)

	// ListStream returns all entries of a stream in chain order.
	ListStream(ctx context.Context, streamID string) ([]*Entry, error)

	// ClaimPending claims up to batchSize due pending entries: each
	// claimed entry transitions to in_progress with attempts
	// incremented, and no other worker can claim it concurrently.
	ClaimPending(ctx context.Context, batchSize int) ([]*Entry, error)

	// MarkDeliveryResult records the outcome of a delivery attempt for
	// a claimed entry.
	MarkDeliveryResult(ctx context.Context, entryID string, res DeliveryResult) error

	// ReclaimStale returns in_progress entries whose claim is older
	// than olderThan to pending, covering workers that died mid-flight.
	// Returns the number of entries reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
