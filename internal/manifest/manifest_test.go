package manifest

import (
	"context"
	"testing"

	"github.com/witness-protocol/core/internal/chunk"
	"github.com/witness-protocol/core/internal/objectstore"
)

func TestAddChunkAccumulatesInOrder(t *testing.T) {
	b := NewBuilder("sess-1", "content-1", "0xabc", nil)

	b.AddChunk(chunk.Meta{ChunkIndex: 0, CID: "bafy0", Size: 10}, 1000, "")
	b.AddChunk(chunk.Meta{ChunkIndex: 1, CID: "bafy1", Size: 20}, 1000, "")

	snap := b.Snapshot()
	if len(snap.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(snap.Chunks))
	}
	if snap.Chunks[0].CID != "bafy0" || snap.Chunks[1].CID != "bafy1" {
		t.Error("chunks were not appended in order")
	}
}

func TestAddChunkAcceptsMismatchedIndex(t *testing.T) {
	b := NewBuilder("sess-1", "content-1", "0xabc", nil)
	b.AddChunk(chunk.Meta{ChunkIndex: 5, CID: "bafy5", Size: 10}, 1000, "")

	snap := b.Snapshot()
	if len(snap.Chunks) != 1 {
		t.Fatal("a mismatched index must still be appended, not rejected")
	}
}

func TestSetRootAndStatusUpdateSnapshot(t *testing.T) {
	b := NewBuilder("sess-1", "content-1", "0xabc", nil)
	var root [32]byte
	for i := range root {
		root[i] = byte(i)
	}
	b.SetRoot(root)
	b.SetStatus(StatusComplete)

	snap := b.Snapshot()
	if snap.MerkleRoot != "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f" {
		t.Errorf("unexpected hex root encoding: %s", snap.MerkleRoot)
	}
	if snap.Status != StatusComplete {
		t.Error("status was not updated")
	}
}

func TestUploadPublishesCurrentSnapshot(t *testing.T) {
	b := NewBuilder("sess-1", "content-1", "0xabc", nil)
	b.AddChunk(chunk.Meta{ChunkIndex: 0, CID: "bafy0", Size: 10}, 1000, "")

	store := objectstore.NewMemStore()
	cid, err := b.Upload(context.Background(), store)
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if cid == "" {
		t.Error("expected a non-empty manifest CID")
	}

	var fetched Manifest
	raw, err := store.Fetch(context.Background(), cid)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty manifest bytes")
	}
	_ = fetched // the fetched bytes are not decoded here; only their presence is checked
}
