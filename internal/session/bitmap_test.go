package session

import "testing"

func TestMarkUploadedIsIdempotent(t *testing.T) {
	b := NewChunkBitmap(4)
	if err := b.MarkUploaded(0); err != nil {
		t.Fatalf("MarkUploaded(0) failed: %v", err)
	}
	if err := b.MarkUploaded(0); err != nil {
		t.Fatalf("second MarkUploaded(0) failed: %v", err)
	}
	uploaded, _ := b.Progress()
	if uploaded != 1 {
		t.Errorf("uploaded = %d, want 1 (duplicate mark must not double count)", uploaded)
	}
}

func TestMarkUploadedGrowsBeyondInitialCapacity(t *testing.T) {
	b := NewChunkBitmap(2)
	if err := b.MarkUploaded(10); err != nil {
		t.Fatalf("MarkUploaded(10) failed: %v", err)
	}
	if !b.HasUploaded(10) {
		t.Error("expected index 10 to be marked uploaded after capacity growth")
	}
	if b.HasUploaded(5) {
		t.Error("index 5 was never marked and should read as not uploaded")
	}
}

func TestMarkUploadedRejectsNegativeIndex(t *testing.T) {
	b := NewChunkBitmap(4)
	if err := b.MarkUploaded(-1); err == nil {
		t.Error("expected error for negative chunk index")
	}
}

func TestMissingReportsUnmarkedIndices(t *testing.T) {
	b := NewChunkBitmap(5)
	b.MarkUploaded(0)
	b.MarkUploaded(1)
	b.MarkUploaded(3)

	missing := b.Missing(5)
	if len(missing) != 2 || missing[0] != 2 || missing[1] != 4 {
		t.Errorf("missing = %v, want [2 4]", missing)
	}
}

func TestMissingBeyondCapacityCountsAsMissing(t *testing.T) {
	b := NewChunkBitmap(2)
	missing := b.Missing(5)
	if len(missing) != 5 {
		t.Errorf("expected all 5 indices missing on an empty bitmap, got %v", missing)
	}
}

func TestProgressReflectsUploadedAndCapacity(t *testing.T) {
	b := NewChunkBitmap(3)
	b.MarkUploaded(0)
	b.MarkUploaded(2)

	uploaded, capacity := b.Progress()
	if uploaded != 2 {
		t.Errorf("uploaded = %d, want 2", uploaded)
	}
	if capacity != 3 {
		t.Errorf("capacity = %d, want 3", capacity)
	}
}
