package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process, thread-safe Store. It mirrors the
// postgres semantics closely enough for tests and single-process
// development: per-stream append serialisation, idempotency keys, and
// an exclusive claim queue.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string][]*Entry
	byID    map[string]*Entry
	idem    map[string]idemRecord
}

type idemRecord struct {
	entryID     string
	payloadHash string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]*Entry),
		byID:    make(map[string]*Entry),
		idem:    make(map[string]idemRecord),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, streamID, idemKey, payloadHash string, build BuildFunc) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idemKey != "" {
		if rec, ok := m.idem[idemKey]; ok {
			if rec.payloadHash != payloadHash {
				return nil, false, ErrDuplicateRequest
			}
			return m.byID[rec.entryID].clone(), false, nil
		}
	}

	entries := m.streams[streamID]
	prevHash := ""
	var seq int64 = 1
	createdAt := time.Now().UTC()
	if n := len(entries); n > 0 {
		head := entries[n-1]
		prevHash = head.Hash
		seq = head.Seq + 1
		if createdAt.Before(head.CreatedAt) {
			createdAt = head.CreatedAt
		}
	}

	entry, err := build(prevHash, seq, createdAt)
	if err != nil {
		return nil, false, err
	}
	entry.StreamID = streamID
	entry.Seq = seq
	entry.StreamStatus = StatusPending
	entry.NextAttemptAt = createdAt

	m.streams[streamID] = append(m.streams[streamID], entry)
	m.byID[entry.ID] = entry
	if idemKey != "" {
		m.idem[idemKey] = idemRecord{entryID: entry.ID, payloadHash: payloadHash}
	}
	return entry.clone(), true, nil
}

// Head implements Store.
func (m *MemoryStore) Head(_ context.Context, streamID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[streamID]
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Hash, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// ListStream implements Store.
func (m *MemoryStore) ListStream(_ context.Context, streamID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[streamID]
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out, nil
}

// ClaimPending implements Store.
func (m *MemoryStore) ClaimPending(_ context.Context, batchSize int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var claimed []*Entry
	for _, stream := range m.streams {
		for _, e := range stream {
			if len(claimed) >= batchSize {
				break
			}
			if e.StreamStatus == StatusPending && !e.NextAttemptAt.After(now) {
				e.StreamStatus = StatusInProgress
				e.Attempts++
				e.ClaimedAt = now
				claimed = append(claimed, e.clone())
			}
		}
	}
	return claimed, nil
}

// MarkDeliveryResult implements Store.
func (m *MemoryStore) MarkDeliveryResult(_ context.Context, entryID string, res DeliveryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[entryID]
	if !ok {
		return ErrNotFound
	}

	if res.Success {
		t := res.BusProducedAt
		e.StreamStatus = StatusComplete
		e.BusProducedAt = &t
		e.ArchiveObjectKey = res.ArchiveObjectKey
		e.LastError = ""
		return nil
	}

	e.LastError = res.Err
	if res.Dead {
		e.StreamStatus = StatusFailed
		return nil
	}
	e.StreamStatus = StatusPending
	e.NextAttemptAt = res.NextAttemptAt
	return nil
}

// ReclaimStale implements Store.
func (m *MemoryStore) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, e := range m.byID {
		if e.StreamStatus == StatusInProgress && e.ClaimedAt.Before(cutoff) {
			e.StreamStatus = StatusPending
			n++
		}
	}
	return n, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (e *Entry) clone() *Entry {
	c := *e
	if e.BusProducedAt != nil {
		t := *e.BusProducedAt
		c.BusProducedAt = &t
	}
	return &c
}
