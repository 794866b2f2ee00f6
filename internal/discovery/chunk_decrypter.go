package discovery

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/witness-protocol/core/internal/chunk"
	"github.com/witness-protocol/core/internal/manifest"
	"github.com/witness-protocol/core/internal/merkle"
	"github.com/witness-protocol/core/internal/objectstore"
)

// DefaultChunkDecrypter wires chunk.Processor.Decrypt over a live object
// store, decoding a manifest's hex/base64 fields back into the binary
// form ChunkProcessor expects.
type DefaultChunkDecrypter struct {
	Store objectstore.Store
}

// DecryptEntry implements ChunkDecrypter.
func (d DefaultChunkDecrypter) DecryptEntry(ctx context.Context, sessionKey [32]byte, entry manifest.ChunkEntry) ([]byte, [32]byte, error) {
	meta, err := entryToMeta(entry)
	if err != nil {
		return nil, [32]byte{}, err
	}

	proc := chunk.NewProcessor(sessionKey, d.Store)
	plaintext, err := proc.Decrypt(ctx, d.Store, meta)
	if err != nil {
		return nil, [32]byte{}, err
	}

	leaf := merkle.ComputeLeaf(meta.ChunkIndex, meta.PlaintextHash, meta.EncryptedHash, meta.CapturedAtMs)
	return plaintext, leaf, nil
}

func entryToMeta(entry manifest.ChunkEntry) (chunk.Meta, error) {
	plaintextHash, err := decodeHash(entry.PlaintextHash)
	if err != nil {
		return chunk.Meta{}, fmt.Errorf("decode plaintextHash: %w", err)
	}
	encryptedHash, err := decodeHash(entry.EncryptedHash)
	if err != nil {
		return chunk.Meta{}, fmt.Errorf("decode encryptedHash: %w", err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(entry.IV)
	if err != nil || len(ivBytes) != 12 {
		return chunk.Meta{}, fmt.Errorf("decode chunk iv: %w", err)
	}
	var iv [12]byte
	copy(iv[:], ivBytes)

	return chunk.Meta{
		ChunkIndex:    entry.Index,
		CID:           entry.CID,
		Size:          entry.Size,
		PlaintextHash: plaintextHash,
		EncryptedHash: encryptedHash,
		IV:            iv,
		CapturedAtMs:  entry.CapturedAt,
	}, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("expected 32-byte hex hash, got %q", s)
	}
	copy(out[:], b)
	return out, nil
}
