package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/chainseal/chainseal/internal/signer"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists the ledger to PostgreSQL. Appends are
// serialised per stream with a transaction-scoped advisory lock; the
// delivery claim queue uses FOR UPDATE SKIP LOCKED so that multiple
// worker processes never claim the same entry.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// streamLockKey derives a stable advisory lock key for a stream id.
func streamLockKey(streamID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("chainseal/stream/" + streamID))
	return int64(h.Sum64())
}

const entryColumns = `id, stream_id, seq, event_type, payload, prev_hash, hash,
	signature, signer_id, algorithm, created_at, stream_status, attempts,
	last_error, next_attempt_at, claimed_at, bus_produced_at, archive_object_key`

// Append implements Store. The advisory lock is held for the duration
// of the transaction, which includes the caller's build step (and
// therefore the signing call); concurrent appends to the same stream
// queue behind it instead of computing the same prevHash.
func (p *PostgresStore) Append(ctx context.Context, streamID, idemKey, payloadHash string, build BuildFunc) (*Entry, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", streamLockKey(streamID)); err != nil {
		return nil, false, fmt.Errorf("acquire stream lock: %w", err)
	}

	if idemKey != "" {
		var entryID, storedHash string
		err := tx.QueryRow(ctx,
			"SELECT entry_id, payload_hash FROM ledger_request_keys WHERE request_key = $1",
			idemKey,
		).Scan(&entryID, &storedHash)
		switch {
		case err == nil:
			if storedHash != payloadHash {
				return nil, false, ErrDuplicateRequest
			}
			entry, err := p.getTx(ctx, tx, entryID)
			if err != nil {
				return nil, false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, false, fmt.Errorf("commit dedup read: %w", err)
			}
			return entry, false, nil
		case errors.Is(err, pgx.ErrNoRows):
			// first use of this key
		default:
			return nil, false, fmt.Errorf("check request key: %w", err)
		}
	}

	// Read the stream head.
	prevHash := ""
	var seq int64 = 1
	createdAt := time.Now().UTC()
	var headCreatedAt time.Time
	err = tx.QueryRow(ctx,
		"SELECT seq, hash, created_at FROM ledger_entries WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1",
		streamID,
	).Scan(&seq, &prevHash, &headCreatedAt)
	switch {
	case err == nil:
		seq++
		// Keep createdAt non-decreasing within the stream even if the
		// clock stepped backwards.
		if createdAt.Before(headCreatedAt) {
			createdAt = headCreatedAt
		}
	case errors.Is(err, pgx.ErrNoRows):
		// first entry in the stream
	default:
		return nil, false, fmt.Errorf("read stream head: %w", err)
	}

	entry, err := build(prevHash, seq, createdAt)
	if err != nil {
		return nil, false, err
	}
	entry.StreamID = streamID
	entry.Seq = seq
	entry.StreamStatus = StatusPending

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries
		   (id, stream_id, seq, event_type, payload, prev_hash, hash,
		    signature, signer_id, algorithm, created_at, stream_status, next_attempt_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'pending',$11)`,
		entry.ID, streamID, seq, entry.EventType, payloadJSON, entry.PrevHash,
		entry.Hash, entry.Signature, entry.SignerID, string(entry.Algorithm), entry.CreatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	if idemKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_request_keys (request_key, stream_id, entry_id, payload_hash)
			 VALUES ($1,$2,$3,$4)`,
			idemKey, streamID, entry.ID, payloadHash,
		); err != nil {
			return nil, false, fmt.Errorf("insert request key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit append: %w", err)
	}

	p.logger.Debug("ledger entry appended",
		zap.String("id", entry.ID),
		zap.String("stream", streamID),
		zap.Int64("seq", seq),
		zap.String("event_type", entry.EventType),
	)
	return entry, true, nil
}

// Head implements Store.
func (p *PostgresStore) Head(ctx context.Context, streamID string) (string, error) {
	var hash string
	err := p.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_entries WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1",
		streamID,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read stream head: %w", err)
	}
	return hash, nil
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", id)
	return scanEntry(row)
}

func (p *PostgresStore) getTx(ctx context.Context, tx pgx.Tx, id string) (*Entry, error) {
	row := tx.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", id)
	return scanEntry(row)
}

// ListStream implements Store.
func (p *PostgresStore) ListStream(ctx context.Context, streamID string) ([]*Entry, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE stream_id = $1 ORDER BY seq ASC",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stream: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimPending implements Store.
func (p *PostgresStore) ClaimPending(ctx context.Context, batchSize int) ([]*Entry, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM ledger_entries
		 WHERE stream_status = 'pending' AND next_attempt_at <= now()
		 ORDER BY created_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT $1`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending entries: %w", err)
	}

	var claimed []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}

	for _, e := range claimed {
		if _, err := tx.Exec(ctx,
			`UPDATE ledger_entries
			 SET stream_status = 'in_progress',
			     attempts = attempts + 1,
			     claimed_at = now()
			 WHERE id = $1`, e.ID,
		); err != nil {
			return nil, fmt.Errorf("claim entry %s: %w", e.ID, err)
		}
		e.StreamStatus = StatusInProgress
		e.Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkDeliveryResult implements Store.
func (p *PostgresStore) MarkDeliveryResult(ctx context.Context, entryID string, res DeliveryResult) error {
	if res.Success {
		_, err := p.pool.Exec(ctx,
			`UPDATE ledger_entries
			 SET stream_status = 'complete',
			     bus_produced_at = $1,
			     archive_object_key = $2,
			     last_error = NULL
			 WHERE id = $3`,
			res.BusProducedAt, res.ArchiveObjectKey, entryID,
		)
		if err != nil {
			return fmt.Errorf("mark delivery success: %w", err)
		}
		return nil
	}

	status := string(StatusPending)
	if res.Dead {
		status = string(StatusFailed)
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE ledger_entries
		 SET stream_status = $1,
		     last_error = $2,
		     next_attempt_at = $3
		 WHERE id = $4`,
		status, res.Err, res.NextAttemptAt, entryID,
	)
	if err != nil {
		return fmt.Errorf("mark delivery failure: %w", err)
	}
	return nil
}

// ReclaimStale implements Store.
func (p *PostgresStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE ledger_entries
		 SET stream_status = 'pending'
		 WHERE stream_status = 'in_progress'
		   AND claimed_at < now() - $1::interval`,
		fmt.Sprintf("%f seconds", olderThan.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		p.logger.Warn("reclaimed stale delivery claims", zap.Int("count", n))
	}
	return n, nil
}

// Ping implements Store.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e            Entry
		payloadBytes []byte
		algorithm    string
		status       string
		lastError    *string
		nextAttempt  *time.Time
		claimedAt    *time.Time
		busProduced  *time.Time
		archiveKey   *string
	)
	if err := row.Scan(
		&e.ID, &e.StreamID, &e.Seq, &e.EventType, &payloadBytes, &e.PrevHash,
		&e.Hash, &e.Signature, &e.SignerID, &algorithm, &e.CreatedAt,
		&status, &e.Attempts, &lastError, &nextAttempt, &claimedAt,
		&busProduced, &archiveKey,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	if len(payloadBytes) > 0 {
		// UseNumber keeps numeric text intact, so re-canonicalizing the
		// payload reproduces the signed bytes exactly.
		dec := json.NewDecoder(bytes.NewReader(payloadBytes))
		dec.UseNumber()
		if err := dec.Decode(&e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for %s: %w", e.ID, err)
		}
	}
	e.Algorithm = signer.Algorithm(algorithm)
	e.StreamStatus = StreamStatus(status)
	if lastError != nil {
		e.LastError = *lastError
	}
	if nextAttempt != nil {
		e.NextAttemptAt = *nextAttempt
	}
	if claimedAt != nil {
		e.ClaimedAt = *claimedAt
	}
	e.BusProducedAt = busProduced
	if archiveKey != nil {
		e.ArchiveObjectKey = *archiveKey
	}
	return &e, nil
}
