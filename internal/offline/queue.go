// Package offline persists sales made while the server is unreachable.
// The queue is a small JSON file rewritten atomically on every
// mutation, so a terminal restart never loses a pending sale.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/receipt"
)

type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

var ErrEntryNotFound = errors.New("queue entry not found")

// Entry is one queued commit request. Entries are never mutated after
// enqueue except for the sync status transition: pending -> synced
// (then deleted) or pending -> failed (retained for operator review,
// retried on the next sync cycle).
type Entry struct {
	LocalID       int64              `json:"local_id"`
	QueuedAt      time.Time          `json:"queued_at"`
	SyncStatus    SyncStatus         `json:"sync_status"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Request       domain.SaleRequest `json:"request"`
}

type queueFile struct {
	NextID  int64   `json:"next_id"`
	Entries []Entry `json:"entries"`
}

type Queue struct {
	mu      sync.Mutex
	path    string
	nextID  int64
	entries []Entry
}

// Open loads the queue at path, creating an empty one if the file does
// not exist yet.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path, nextID: 1}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var file queueFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse queue file %s: %w", path, err)
	}

	q.nextID = file.NextID
	if q.nextID < 1 {
		q.nextID = 1
	}
	q.entries = file.Entries
	return q, nil
}

// Enqueue persists the request with a fresh local id. A missing
// idempotency token is generated here, before first persistence, so
// every replay of this entry carries the same token.
func (q *Queue) Enqueue(req domain.SaleRequest) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = receipt.Token("idem")
	}

	entry := Entry{
		LocalID:    q.nextID,
		QueuedAt:   time.Now().UTC(),
		SyncStatus: StatusPending,
		Request:    req,
	}
	q.nextID++
	q.entries = append(q.entries, entry)

	if err := q.persistLocked(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Pending returns every entry still awaiting a confirmed commit, in
// queued order. Failed entries are included: they stay eligible for
// retry until an operator discards them.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// MarkSynced deletes the acknowledged entry; a synced sale has no
// business staying on the terminal.
func (q *Queue) MarkSynced(localID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.LocalID != localID {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return q.persistLocked()
	}
	return fmt.Errorf("%w: local_id %d", ErrEntryNotFound, localID)
}

// MarkFailed flags the entry with the server's rejection reason and
// retains it.
func (q *Queue) MarkFailed(localID int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].LocalID != localID {
			continue
		}
		q.entries[i].SyncStatus = StatusFailed
		q.entries[i].FailureReason = reason
		return q.persistLocked()
	}
	return fmt.Errorf("%w: local_id %d", ErrEntryNotFound, localID)
}

// Discard removes an entry without syncing it: the operator's decision
// to cancel a sale that can no longer be fulfilled.
func (q *Queue) Discard(localID int64) error {
	return q.MarkSynced(localID)
}

func (q *Queue) persistLocked() error {
	payload, err := json.MarshalIndent(queueFile{NextID: q.nextID, Entries: q.entries}, "", "  ")
	if err != nil {
		return err
	}

	tmp := q.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
