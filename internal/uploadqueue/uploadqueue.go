// Package uploadqueue implements the durable upload retry queue (spec
// §4.7): a per-session FIFO of chunk-upload jobs, persisted so a restart
// resumes exactly where it left off, retried with exponential backoff when
// the object store is unreachable.
//
// Grounded in the teacher's DTN store-and-forward queue (daemon/service/
// dtn_queue.go, dtn_worker.go): a single bolt bucket, lexicographically
// ordered keys for FIFO draining, and a ticker-driven worker goroutine.
// Unlike the teacher's queue, items here carry status and retry state and
// are never silently dropped on first failure.
package uploadqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/witness-protocol/core/internal/witnesserr"
)

// Status is a job's position in the pending -> uploading -> {uploaded,
// pending, failed} lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

// Kind distinguishes what a queued job resumes on retry: re-uploading a
// chunk's ciphertext to the object store, or reconfirming a ledger anchor
// the registry rejected the first time.
type Kind string

const (
	KindChunkUpload   Kind = "chunk_upload"
	KindAnchorConfirm Kind = "anchor_confirm"
)

const (
	backoffBase    = 1 * time.Second
	backoffMax     = 30 * time.Second
	maxAttempts    = 5
	pollInterval   = 2 * time.Second
	drainBatchSize = 64
)

var bucketUploadQueue = []byte("upload_queue")

// Item is one durable job. Payload carries the chunk ciphertext for
// KindChunkUpload jobs so a retry never needs to re-derive it from a
// plaintext the device may no longer have; it's empty for KindAnchorConfirm
// jobs, which resubmit from the session's own durable record instead.
type Item struct {
	SessionID     string    `json:"session_id"`
	ChunkIndex    uint32    `json:"chunk_index"`
	Kind          Kind      `json:"kind"`
	Payload       []byte    `json:"payload,omitempty"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
}

func (it Item) key() []byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], it.ChunkIndex)
	return []byte(fmt.Sprintf("%s:%x:%s", it.SessionID, idx, it.Kind))
}

// Event is emitted on every terminal or retryable state change, for the
// session event bus to surface upload progress.
type Event struct {
	Item Item
	Kind string // "enqueued", "uploaded", "retry", "failed"
}

// UploadFunc resumes one durable job, dispatched on Item.Kind by the
// caller; returning an error schedules a retry (or marks the item failed
// once attempts are exhausted).
type UploadFunc func(ctx context.Context, item Item) error

// Queue is a durable, bolt-backed FIFO of upload jobs with exponential
// backoff retry. Draining runs with concurrency 1: chunks within a session
// must land on the object store in capture order so playback can stream
// sequentially without waiting on out-of-order arrivals.
type Queue struct {
	db     *bolt.DB
	mu     sync.Mutex
	events chan Event
}

// Open opens (creating if absent) the durable upload queue at path.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryStorage, err, "open upload queue")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketUploadQueue)
		return e
	}); err != nil {
		db.Close()
		return nil, witnesserr.Wrap(witnesserr.CategoryStorage, err, "init upload queue bucket")
	}
	return &Queue{db: db, events: make(chan Event, 256)}, nil
}

// Events returns the channel of queue lifecycle events. Consumers should
// drain it continuously; a full channel drops the oldest event rather than
// blocking the worker loop.
func (q *Queue) Events() <-chan Event { return q.events }

func (q *Queue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
		<-q.events
		q.events <- ev
	}
}

func (q *Queue) put(it Item) error {
	buf, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal upload queue item: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploadQueue).Put(it.key(), buf)
	})
}

// Enqueue durably records a pending job. Re-enqueuing the same (sessionID,
// chunkIndex, kind) triple overwrites the prior record, making the call
// idempotent.
func (q *Queue) Enqueue(sessionID string, chunkIndex uint32, kind Kind, payload []byte) error {
	it := Item{SessionID: sessionID, ChunkIndex: chunkIndex, Kind: kind, Payload: payload, Status: StatusPending}
	if err := q.put(it); err != nil {
		return err
	}
	q.emit(Event{Item: it, Kind: "enqueued"})
	return nil
}

// dueBatch returns up to n pending items whose NextAttemptAt has passed,
// in key order (session, then chunk index — FIFO per session).
func (q *Queue) dueBatch(n int) ([]Item, error) {
	var out []Item
	now := nowFunc()
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUploadQueue).Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				continue
			}
			if it.Status == StatusPending && !it.NextAttemptAt.After(now) {
				out = append(out, it)
			}
		}
		return nil
	})
	return out, err
}

// MarkUploaded durably records that (sessionID, chunkIndex)'s chunk_upload
// job has completed — called once ChunkProcessor.Upload actually succeeds,
// whether that happens inline in ProcessChunk or later via Drain. Overwrites
// any pending record for the job, dropping its queued payload.
func (q *Queue) MarkUploaded(sessionID string, chunkIndex uint32) error {
	it := Item{SessionID: sessionID, ChunkIndex: chunkIndex, Kind: KindChunkUpload, Status: StatusUploaded}
	if err := q.put(it); err != nil {
		return err
	}
	q.emit(Event{Item: it, Kind: "uploaded"})
	return nil
}

// Item looks up a single job's current state, used by Recovery to
// summarize pending/uploaded/failed counts for a session.
func (q *Queue) Item(sessionID string, chunkIndex uint32, kind Kind) (Item, error) {
	probe := Item{SessionID: sessionID, ChunkIndex: chunkIndex, Kind: kind}
	var it Item
	found := false
	err := q.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketUploadQueue).Get(probe.key())
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, &it)
	})
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, witnesserr.Wrap(witnesserr.CategoryStorage, witnesserr.ErrObjectNotFound, "upload queue item")
	}
	return it, nil
}

// ResetFailed resets every failed item belonging to sessionID back to
// pending with a fresh retry count, for Recovery.Resume (spec §4.10).
func (q *Queue) ResetFailed(sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploadQueue)
		c := b.Cursor()
		prefix := []byte(sessionID + ":")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				continue
			}
			if it.Status != StatusFailed {
				continue
			}
			it.Status = StatusPending
			it.Attempts = 0
			it.NextAttemptAt = time.Time{}
			it.LastError = ""
			buf, err := json.Marshal(it)
			if err != nil {
				return err
			}
			if err := b.Put(k, buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgePending deletes every pending (not yet uploaded) item for sessionID,
// for Recovery.Discard.
func (q *Queue) PurgePending(sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploadQueue)
		c := b.Cursor()
		prefix := []byte(sessionID + ":")
		var toDelete [][]byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				continue
			}
			if it.Status == StatusPending {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Drain processes every currently-due item exactly once, sequentially, via
// upload. It is safe to call repeatedly (e.g. from a poll loop); items not
// yet due for retry are left untouched.
func (q *Queue) Drain(ctx context.Context, upload UploadFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch, err := q.dueBatch(drainBatchSize)
	if err != nil {
		return witnesserr.Wrap(witnesserr.CategoryStorage, err, "list due upload queue items")
	}

	for _, it := range batch {
		it.Status = StatusUploading
		if err := q.put(it); err != nil {
			return err
		}

		uploadErr := upload(ctx, it)
		if uploadErr == nil {
			it.Status = StatusUploaded
			it.LastError = ""
			if err := q.put(it); err != nil {
				return err
			}
			q.emit(Event{Item: it, Kind: "uploaded"})
			continue
		}

		it.Attempts++
		it.LastError = uploadErr.Error()
		if it.Attempts >= maxAttempts {
			it.Status = StatusFailed
			if err := q.put(it); err != nil {
				return err
			}
			q.emit(Event{Item: it, Kind: "failed"})
			continue
		}

		it.Status = StatusPending
		it.NextAttemptAt = nowFunc().Add(backoffDelay(it.Attempts))
		if err := q.put(it); err != nil {
			return err
		}
		q.emit(Event{Item: it, Kind: "retry"})
	}
	return nil
}

// backoffDelay returns base * 2^(attempts-1), capped at backoffMax.
func backoffDelay(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

// Worker polls the queue on a fixed interval and drains due items via
// upload until Stop is called.
type Worker struct {
	queue  *Queue
	upload UploadFunc
	stop   chan struct{}
	done   chan struct{}
}

// NewWorker builds a poll-driven worker bound to queue and upload.
func NewWorker(queue *Queue, upload UploadFunc) *Worker {
	return &Worker{queue: queue, upload: upload, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the poll loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = w.queue.Drain(ctx, w.upload)
			}
		}
	}()
}

// Stop signals the worker loop to exit and blocks until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// Close releases the underlying bolt database handle.
func (q *Queue) Close() error { return q.db.Close() }

// nowFunc is overridable in tests that need to fast-forward retry timing.
var nowFunc = time.Now
