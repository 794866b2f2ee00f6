package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/witness-protocol/core/internal/uploadqueue"
)

func TestScanFindsRecoverableSessionsWithTaskCounts(t *testing.T) {
	records, err := OpenStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	queue, err := uploadqueue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("uploadqueue.Open() failed: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	// Simulate the spec §8 scenario 6: a 5-chunk capture crashes after
	// chunks 0-2 are uploaded, chunk 3 is uploading, chunk 4 never submitted.
	records.Save(Record{SessionID: "sess-crash", Status: StatusRecording, ChunkCount: 4, CreatedAt: time.Now()})
	queue.MarkUploaded("sess-crash", 0)
	queue.MarkUploaded("sess-crash", 1)
	queue.MarkUploaded("sess-crash", 2)
	queue.Enqueue("sess-crash", 3, uploadqueue.KindChunkUpload, []byte("crash-chunk-3-ciphertext"))

	rec := NewRecovery(records, queue)
	summaries, err := rec.Scan()
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 recoverable session, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Uploaded != 3 {
		t.Errorf("uploaded = %d, want 3", s.Uploaded)
	}
	if s.Pending != 1 {
		t.Errorf("pending = %d, want 1", s.Pending)
	}
	if len(s.Missing) != 1 || s.Missing[0] != 3 {
		t.Errorf("missing = %v, want [3]", s.Missing)
	}
}

func TestScanReportsNonContiguousMissingChunks(t *testing.T) {
	records, err := OpenStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	queue, err := uploadqueue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("uploadqueue.Open() failed: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	// Chunks upload out of order under concurrent retries: 0 and 2 have
	// landed, 1 and 3 have not. Recovery.taskCounts builds a ChunkBitmap
	// from this state rather than assuming a contiguous uploaded prefix.
	records.Save(Record{SessionID: "sess-mixed", Status: StatusUploading, ChunkCount: 4, CreatedAt: time.Now()})
	queue.MarkUploaded("sess-mixed", 0)
	queue.Enqueue("sess-mixed", 1, uploadqueue.KindChunkUpload, []byte("retry-me"))
	queue.MarkUploaded("sess-mixed", 2)
	queue.Enqueue("sess-mixed", 3, uploadqueue.KindChunkUpload, []byte("still-pending"))

	rec := NewRecovery(records, queue)
	summaries, err := rec.Scan()
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 recoverable session, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Uploaded != 2 || s.Pending != 2 {
		t.Errorf("got uploaded=%d pending=%d, want 2/2", s.Uploaded, s.Pending)
	}
	if len(s.Missing) != 2 || s.Missing[0] != 1 || s.Missing[1] != 3 {
		t.Errorf("missing = %v, want [1 3]", s.Missing)
	}
}

func TestResumeFlipsStatusToUploading(t *testing.T) {
	records, _ := OpenStore(filepath.Join(t.TempDir(), "records.db"))
	t.Cleanup(func() { records.Close() })
	queue, _ := uploadqueue.Open(filepath.Join(t.TempDir(), "queue.db"))
	t.Cleanup(func() { queue.Close() })

	records.Save(Record{SessionID: "sess-1", Status: StatusRecording, ChunkCount: 1, CreatedAt: time.Now()})
	queue.Enqueue("sess-1", 0, uploadqueue.KindChunkUpload, []byte("ciphertext-0"))

	rec := NewRecovery(records, queue)
	if err := rec.Resume("sess-1"); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}

	loaded, err := records.Load("sess-1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Status != StatusUploading {
		t.Errorf("status = %s, want uploading", loaded.Status)
	}
}

func TestDiscardPurgesPendingAndMarksComplete(t *testing.T) {
	records, _ := OpenStore(filepath.Join(t.TempDir(), "records.db"))
	t.Cleanup(func() { records.Close() })
	queue, _ := uploadqueue.Open(filepath.Join(t.TempDir(), "queue.db"))
	t.Cleanup(func() { queue.Close() })

	records.Save(Record{SessionID: "sess-1", Status: StatusRecording, ChunkCount: 1, CreatedAt: time.Now()})
	queue.Enqueue("sess-1", 0, uploadqueue.KindChunkUpload, []byte("ciphertext-0"))

	rec := NewRecovery(records, queue)
	if err := rec.Discard("sess-1"); err != nil {
		t.Fatalf("Discard() failed: %v", err)
	}

	loaded, err := records.Load("sess-1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Status != StatusComplete {
		t.Errorf("status = %s, want complete", loaded.Status)
	}
	if loaded.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}
