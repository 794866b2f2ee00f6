package uploadqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndDrainUploadsInOrder(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("sess-1", 0, KindChunkUpload, []byte("chunk-0")); err != nil {
		t.Fatalf("Enqueue(0) failed: %v", err)
	}
	if err := q.Enqueue("sess-1", 1, KindChunkUpload, []byte("chunk-1")); err != nil {
		t.Fatalf("Enqueue(1) failed: %v", err)
	}

	var order []uint32
	upload := func(ctx context.Context, it Item) error {
		order = append(order, it.ChunkIndex)
		return nil
	}

	if err := q.Drain(context.Background(), upload); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Errorf("expected FIFO order [0 1], got %v", order)
	}
}

func TestUploadedItemsAreNotRedrained(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue("sess-1", 0, KindChunkUpload, []byte("chunk-0"))

	var calls int32
	upload := func(ctx context.Context, it Item) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	q.Drain(context.Background(), upload)
	q.Drain(context.Background(), upload)

	if calls != 1 {
		t.Errorf("expected exactly one upload attempt, got %d", calls)
	}
}

func TestFailedUploadRetriesWithBackoffThenGivesUp(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue("sess-1", 0, KindChunkUpload, []byte("chunk-0"))

	failingUpload := func(ctx context.Context, it Item) error {
		return errors.New("object store unreachable")
	}

	// First attempt fails and schedules a retry in the future.
	if err := q.Drain(context.Background(), failingUpload); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	batch, _ := q.dueBatch(10)
	if len(batch) != 0 {
		t.Fatal("item should not be due immediately after a failed attempt")
	}

	// Fast-forward past the backoff window and exhaust all remaining attempts.
	restore := nowFunc
	defer func() { nowFunc = restore }()

	for i := 0; i < maxAttempts; i++ {
		nowFunc = func() time.Time { return restore().Add(time.Hour) }
		if err := q.Drain(context.Background(), failingUpload); err != nil {
			t.Fatalf("Drain() failed on attempt %d: %v", i, err)
		}
	}

	var lastEvent Event
	for {
		select {
		case ev := <-q.Events():
			lastEvent = ev
			continue
		default:
		}
		break
	}
	if lastEvent.Item.Status != StatusFailed {
		t.Errorf("expected final status %q, got %q", StatusFailed, lastEvent.Item.Status)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	if backoffDelay(1) != backoffBase {
		t.Errorf("first attempt backoff = %v, want %v", backoffDelay(1), backoffBase)
	}
	if backoffDelay(2) != 2*backoffBase {
		t.Errorf("second attempt backoff = %v, want %v", backoffDelay(2), 2*backoffBase)
	}
	if backoffDelay(10) != backoffMax {
		t.Errorf("backoff must cap at %v, got %v", backoffMax, backoffDelay(10))
	}
}

func TestChunkUploadAndAnchorConfirmJobsForSameChunkDoNotCollide(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("sess-1", 0, KindChunkUpload, []byte("ciphertext")); err != nil {
		t.Fatalf("Enqueue(chunk_upload) failed: %v", err)
	}
	if err := q.Enqueue("sess-1", 0, KindAnchorConfirm, nil); err != nil {
		t.Fatalf("Enqueue(anchor_confirm) failed: %v", err)
	}

	upload, err := q.Item("sess-1", 0, KindChunkUpload)
	if err != nil {
		t.Fatalf("Item(chunk_upload) failed: %v", err)
	}
	if string(upload.Payload) != "ciphertext" {
		t.Errorf("chunk_upload payload = %q, want %q", upload.Payload, "ciphertext")
	}

	anchor, err := q.Item("sess-1", 0, KindAnchorConfirm)
	if err != nil {
		t.Fatalf("Item(anchor_confirm) failed: %v", err)
	}
	if anchor.Payload != nil {
		t.Errorf("anchor_confirm payload = %q, want empty", anchor.Payload)
	}
}
