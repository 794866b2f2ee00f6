// Package chunk implements the ChunkProcessor (spec §4.6): hash, derive
// key, encrypt, hash, submit for upload, with the mirrored decrypt path
// used during playback.
package chunk

import (
	"context"
	"encoding/base64"
	"fmt"

	wcrypto "github.com/witness-protocol/core/internal/crypto"
	"github.com/witness-protocol/core/internal/objectstore"
	"github.com/witness-protocol/core/internal/ratelimit"
	"github.com/witness-protocol/core/internal/witnesserr"
)

// Meta is the per-chunk metadata ChunkProcessor.Process returns, ready to
// be handed to MerkleTree.ComputeLeaf and ManifestBuilder.AddChunk.
type Meta struct {
	ChunkIndex    uint32
	CID           string
	Size          int
	PlaintextHash [32]byte
	EncryptedHash [32]byte
	IV            [12]byte
	CapturedAtMs  uint64
}

// IVBase64 renders the chunk's IV the way manifests encode it (spec §6:
// chunk IVs are base64).
func (m Meta) IVBase64() string {
	return base64.StdEncoding.EncodeToString(m.IV[:])
}

// Processor turns raw captured blobs into encrypted, uploaded chunks bound
// to a single session's SessionKey.
type Processor struct {
	sessionKey [32]byte
	store      objectstore.Store
	limiter    *ratelimit.Limiter
}

// NewProcessor binds a processor to one session's key and object store.
func NewProcessor(sessionKey [32]byte, store objectstore.Store) *Processor {
	return &Processor{sessionKey: sessionKey, store: store}
}

// SetLimiter installs an upload rate limiter; nil disables throttling. The
// session manager sets this from the configured upload rate/burst so one
// recording can't saturate a constrained uplink.
func (p *Processor) SetLimiter(l *ratelimit.Limiter) {
	p.limiter = l
}

// Seal performs the first four steps of spec §4.6's pipeline — hash
// plaintext, derive the chunk key, encrypt, hash ciphertext — without
// uploading. The returned Meta's CID is already final: it's the store's own
// content address, computed locally, so a caller can durably enqueue the
// ciphertext under its eventual CID before attempting the network call that
// might fail.
func (p *Processor) Seal(blob []byte, index uint32, capturedAtMs uint64) (Meta, []byte, error) {
	plaintextHash := wcrypto.SHA256(blob)

	key, err := wcrypto.ChunkKey(p.sessionKey, index)
	if err != nil {
		return Meta{}, nil, witnesserr.Wrap(witnesserr.CategoryCrypto, err, "derive chunk key")
	}

	ivBytes, err := wcrypto.RandomBytes(12)
	if err != nil {
		return Meta{}, nil, witnesserr.Wrap(witnesserr.CategoryCrypto, err, "generate chunk iv")
	}
	var iv [12]byte
	copy(iv[:], ivBytes)

	encrypted, err := wcrypto.Seal(key[:], iv[:], nil, blob)
	if err != nil {
		return Meta{}, nil, witnesserr.Wrap(witnesserr.CategoryCrypto, err, "encrypt chunk")
	}
	encryptedHash := wcrypto.SHA256(encrypted)

	return Meta{
		ChunkIndex:    index,
		CID:           objectstore.CIDFor(encrypted),
		Size:          len(encrypted),
		PlaintextHash: plaintextHash,
		EncryptedHash: encryptedHash,
		IV:            iv,
		CapturedAtMs:  capturedAtMs,
	}, encrypted, nil
}

// Upload pushes already-sealed ciphertext to the object store, waiting on
// the configured rate limiter first. It does not touch meta: Seal already
// fixed the CID and size from the ciphertext itself.
func (p *Processor) Upload(ctx context.Context, meta Meta, encrypted []byte) error {
	if p.limiter != nil {
		// One token per chunk upload, not per byte: UploadRatePerSec/
		// UploadBurst are configured in chunks/sec, matching how a capture
		// session actually produces work (one ProcessChunk call at a time).
		if err := p.limiter.Wait(ctx, 1); err != nil {
			return witnesserr.Wrap(witnesserr.CategoryTransport, err, "rate limit wait")
		}
	}
	if _, err := p.store.Upload(ctx, encrypted, fmt.Sprintf("chunk-%d", meta.ChunkIndex)); err != nil {
		return witnesserr.Wrap(witnesserr.CategoryTransport, err, "upload chunk")
	}
	return nil
}

// Process runs Seal immediately followed by Upload, for callers that have
// no need for the queued-retry split ProcessChunk performs (tests, the
// offline chunker tool).
func (p *Processor) Process(ctx context.Context, blob []byte, index uint32, capturedAtMs uint64) (Meta, error) {
	meta, encrypted, err := p.Seal(blob, index, capturedAtMs)
	if err != nil {
		return Meta{}, err
	}
	if err := p.Upload(ctx, meta, encrypted); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Decrypt mirrors Process for playback: fetches, verifies the encrypted
// hash, decrypts, and verifies the plaintext hash.
func (p *Processor) Decrypt(ctx context.Context, store objectstore.Store, meta Meta) ([]byte, error) {
	encrypted, err := store.Fetch(ctx, meta.CID)
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch chunk")
	}
	if wcrypto.SHA256(encrypted) != meta.EncryptedHash {
		return nil, witnesserr.Wrap(witnesserr.CategoryIntegrity, witnesserr.ErrHashMismatch, fmt.Sprintf("chunk %d encrypted hash", meta.ChunkIndex))
	}

	key, err := wcrypto.ChunkKey(p.sessionKey, meta.ChunkIndex)
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryCrypto, err, "derive chunk key")
	}
	plaintext, err := wcrypto.Open(key[:], meta.IV[:], nil, encrypted)
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryCrypto, witnesserr.ErrAuthenticationFailed, fmt.Sprintf("chunk %d", meta.ChunkIndex))
	}
	if wcrypto.SHA256(plaintext) != meta.PlaintextHash {
		return nil, witnesserr.Wrap(witnesserr.CategoryIntegrity, witnesserr.ErrHashMismatch, fmt.Sprintf("chunk %d plaintext hash", meta.ChunkIndex))
	}
	return plaintext, nil
}
