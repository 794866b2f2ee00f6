// Package manifest implements the Manifest v1 document and ManifestBuilder
// (C8, spec §3/§4.8): the JSON record binding a session's chunk list,
// Merkle root, and access list, incrementally republished as chunks land.
package manifest

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/witness-protocol/core/internal/chunk"
	"github.com/witness-protocol/core/internal/objectstore"
)

// Status is the lifecycle state of a session's manifest.
type Status string

const (
	StatusRecording   Status = "recording"
	StatusComplete    Status = "complete"
	StatusInterrupted Status = "interrupted"
)

// Encryption describes the fixed algorithm suite every manifest in this
// protocol version uses; it is not negotiated.
type Encryption struct {
	Algorithm      string `json:"algorithm"`
	KeyDerivation  string `json:"keyDerivation"`
}

// ChunkEntry is one chunks[i] record (spec §3). IVs follow the manifest's
// mixed encoding: chunk IVs are base64, wrapped-key IVs (in AccessList) are
// hex — both without a "0x" prefix.
type ChunkEntry struct {
	Index         uint32 `json:"index"`
	CID           string `json:"cid"`
	Size          int    `json:"size"`
	DurationMs    uint64 `json:"duration"`
	PlaintextHash string `json:"plaintextHash"`
	EncryptedHash string `json:"encryptedHash"`
	IV            string `json:"iv"`
	CapturedAt    uint64 `json:"capturedAt"`
	UploadedAt    uint64 `json:"uploadedAt"`
	Location      string `json:"location,omitempty"`
}

// AccessEntry is one group's wrapped-session-key record in AccessList.
type AccessEntry struct {
	GroupID     string `json:"groupId"`
	WrappedKey  string `json:"wrappedKey"`
	IV          string `json:"iv"`
}

// Manifest is the Manifest v1 document (spec §3).
type Manifest struct {
	Version        int            `json:"version"`
	ContentID      string         `json:"contentId"`
	SessionID      string         `json:"sessionId"`
	Uploader       string         `json:"uploader"`
	CaptureStarted uint64         `json:"captureStarted"`
	LastUpdated    uint64         `json:"lastUpdated"`
	Chunks         []ChunkEntry   `json:"chunks"`
	MerkleRoot     string         `json:"merkleRoot"`
	Encryption     Encryption     `json:"encryption"`
	AccessList     []AccessEntry  `json:"accessList"`
	Status         Status         `json:"status"`
}

// nowMillis is overridable in tests.
var nowMillis = func() uint64 { return uint64(time.Now().UnixMilli()) }

// Builder accumulates manifest state for one session and publishes
// incremental versions to the object store as chunks land.
type Builder struct {
	mu       sync.Mutex
	manifest Manifest
}

// NewBuilder starts a fresh manifest for sessionID/contentID, owned by
// uploader, with the access list fixed at session creation.
func NewBuilder(sessionID, contentID, uploader string, access []AccessEntry) *Builder {
	now := nowMillis()
	return &Builder{
		manifest: Manifest{
			Version:        1,
			ContentID:      contentID,
			SessionID:      sessionID,
			Uploader:       uploader,
			CaptureStarted: now,
			LastUpdated:    now,
			Chunks:         nil,
			Encryption:     Encryption{Algorithm: "aes-256-gcm", KeyDerivation: "hkdf-sha256"},
			AccessList:     access,
			Status:         StatusRecording,
		},
	}
}

// AddChunk appends a chunk entry. The index must equal the current chunk
// count; a mismatch is logged and the chunk is accepted anyway (spec
// §4.8), since the caller — not this accumulator — is the source of truth
// for chunk ordering.
func (b *Builder) AddChunk(meta chunk.Meta, durationMs uint64, location string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(meta.ChunkIndex) != len(b.manifest.Chunks) {
		log.Warn().
			Uint32("chunk_index", meta.ChunkIndex).
			Int("expected_index", len(b.manifest.Chunks)).
			Msg("chunk index does not match manifest chunk count")
	}

	b.manifest.Chunks = append(b.manifest.Chunks, ChunkEntry{
		Index:         meta.ChunkIndex,
		CID:           meta.CID,
		Size:          meta.Size,
		DurationMs:    durationMs,
		PlaintextHash: hex.EncodeToString(meta.PlaintextHash[:]),
		EncryptedHash: hex.EncodeToString(meta.EncryptedHash[:]),
		IV:            meta.IVBase64(),
		CapturedAt:    meta.CapturedAtMs,
		UploadedAt:    nowMillis(),
		Location:      location,
	})
	b.manifest.LastUpdated = nowMillis()
}

// SetRoot records the current Merkle root, hex-encoded without "0x".
func (b *Builder) SetRoot(root [32]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manifest.MerkleRoot = hex.EncodeToString(root[:])
	b.manifest.LastUpdated = nowMillis()
}

// SetAccessList replaces the access list, normally only called once at
// session creation.
func (b *Builder) SetAccessList(access []AccessEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manifest.AccessList = access
	b.manifest.LastUpdated = nowMillis()
}

// SetStatus transitions the manifest's lifecycle state.
func (b *Builder) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manifest.Status = s
	b.manifest.LastUpdated = nowMillis()
}

// Snapshot returns a copy of the manifest as it currently stands.
func (b *Builder) Snapshot() Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := b.manifest
	cp.Chunks = append([]ChunkEntry(nil), b.manifest.Chunks...)
	cp.AccessList = append([]AccessEntry(nil), b.manifest.AccessList...)
	return cp
}

// Upload serializes the current manifest state and publishes it to store,
// returning the manifest's content identifier.
func (b *Builder) Upload(ctx context.Context, store objectstore.Store) (string, error) {
	snap := b.Snapshot()
	result, err := store.UploadJSON(ctx, snap)
	if err != nil {
		return "", err
	}
	return result.CID, nil
}

// WrappedAccessEntry builds one AccessEntry from a group's wrapped session
// key, encoding the wrapping IV as hex per the manifest's mixed-encoding
// convention (chunk IVs are base64; wrapped-key IVs are hex).
func WrappedAccessEntry(groupID string, iv [12]byte, wrapped []byte) AccessEntry {
	return AccessEntry{
		GroupID:    groupID,
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		IV:         hex.EncodeToString(iv[:]),
	}
}
