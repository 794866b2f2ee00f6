// Package objectstore defines the IPFS-like object store boundary (spec
// §6). The pinning service itself is an external collaborator; this
// package specifies the contract and ships an in-memory double used by
// tests and local development.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/witness-protocol/core/internal/witnesserr"
)

// UploadResult mirrors the external store's upload(bytes, filename) response.
type UploadResult struct {
	CID  string
	Size int
}

// Store is the object-store contract every component uploads chunks and
// manifests through.
type Store interface {
	Upload(ctx context.Context, data []byte, filename string) (UploadResult, error)
	UploadJSON(ctx context.Context, obj any) (UploadResult, error)
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// MemStore is an in-memory Store used by tests and the local development
// flow. CIDs are derived from content hash, so identical content is
// deduplicated the way a real content-addressed store would behave.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory object store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func cidFor(data []byte) string {
	sum := sha256.Sum256(data)
	return "bafy" + hex.EncodeToString(sum[:16])
}

// CIDFor returns the content address a Store would assign to data, computed
// locally so a chunk's CID is known before any Upload call has to succeed,
// rather than taken from whatever the store happens to hand back. The
// durable upload queue keys its jobs by session and chunk index, not by CID.
func CIDFor(data []byte) string {
	return cidFor(data)
}

func (m *MemStore) Upload(_ context.Context, data []byte, _ string) (UploadResult, error) {
	cid := cidFor(data)
	m.mu.Lock()
	m.objects[cid] = append([]byte(nil), data...)
	m.mu.Unlock()
	return UploadResult{CID: cid, Size: len(data)}, nil
}

func (m *MemStore) UploadJSON(ctx context.Context, obj any) (UploadResult, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return UploadResult{}, fmt.Errorf("marshal object for upload: %w", err)
	}
	return m.Upload(ctx, b, "")
}

func (m *MemStore) Fetch(_ context.Context, cid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[cid]
	if !ok {
		return nil, witnesserr.Wrap(witnesserr.CategoryTransport, witnesserr.ErrObjectNotFound, cid)
	}
	return append([]byte(nil), data...), nil
}
