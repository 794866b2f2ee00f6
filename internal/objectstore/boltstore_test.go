package objectstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objects.bolt")
	store, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStoreUploadFetchRoundTrip(t *testing.T) {
	store := openTestBoltStore(t)
	ctx := context.Background()

	data := []byte("evidence chunk payload")
	result, err := store.Upload(ctx, data, "chunk-0.bin")
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if result.Size != len(data) {
		t.Errorf("Size = %d, want %d", result.Size, len(data))
	}

	fetched, err := store.Fetch(ctx, result.CID)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if string(fetched) != string(data) {
		t.Error("fetched content does not match uploaded content")
	}
}

func TestBoltStoreUploadIsContentAddressed(t *testing.T) {
	store := openTestBoltStore(t)
	ctx := context.Background()

	data := []byte("duplicate content")
	r1, err := store.Upload(ctx, data, "a.bin")
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	r2, err := store.Upload(ctx, data, "b.bin")
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if r1.CID != r2.CID {
		t.Error("identical content should produce identical CIDs")
	}
}

func TestBoltStoreFetchMissingFails(t *testing.T) {
	store := openTestBoltStore(t)
	if _, err := store.Fetch(context.Background(), "bafydoesnotexist"); err == nil {
		t.Error("Fetch() should fail for an unknown CID")
	}
}

func TestBoltStoreUploadJSON(t *testing.T) {
	store := openTestBoltStore(t)
	ctx := context.Background()

	obj := map[string]string{"session_id": "s-1"}
	result, err := store.UploadJSON(ctx, obj)
	if err != nil {
		t.Fatalf("UploadJSON() failed: %v", err)
	}
	fetched, err := store.Fetch(ctx, result.CID)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if string(fetched) != `{"session_id":"s-1"}` {
		t.Errorf("fetched JSON = %s", fetched)
	}
}

func TestBoltStoreGCReclaimsOldEntries(t *testing.T) {
	store := openTestBoltStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, []byte("old content"), ""); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	removed, err := store.GC(-1 * time.Second)
	if err != nil {
		t.Fatalf("GC() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("GC() removed = %d, want 1", removed)
	}

	removed, err = store.GC(1 * time.Hour)
	if err != nil {
		t.Fatalf("GC() failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("second GC() removed = %d, want 0", removed)
	}
}
