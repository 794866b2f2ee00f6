package chunk

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	wcrypto "github.com/witness-protocol/core/internal/crypto"
	"github.com/witness-protocol/core/internal/objectstore"
)

func TestProcessAndDecryptRoundTrip(t *testing.T) {
	sk, err := wcrypto.SessionKeyGen()
	if err != nil {
		t.Fatalf("SessionKeyGen() failed: %v", err)
	}
	store := objectstore.NewMemStore()
	proc := NewProcessor(*sk, store)

	blob := make([]byte, 10*1024)
	rand.Read(blob)

	ctx := context.Background()
	meta, err := proc.Process(ctx, blob, 0, 1000)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if meta.PlaintextHash != wcrypto.SHA256(blob) {
		t.Error("plaintextHash mismatch")
	}

	plaintext, err := proc.Decrypt(ctx, store, meta)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if !bytes.Equal(plaintext, blob) {
		t.Error("decrypted chunk does not match original plaintext")
	}
}

func TestDecryptDetectsTamperedCiphertext(t *testing.T) {
	sk, _ := wcrypto.SessionKeyGen()
	store := objectstore.NewMemStore()
	proc := NewProcessor(*sk, store)

	blob := []byte("fixed pattern chunk content")
	ctx := context.Background()
	meta, err := proc.Process(ctx, blob, 3, 5000)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}

	// Flip a bit in the stored ciphertext directly.
	tamperedStore := objectstore.NewMemStore()
	raw, _ := store.Fetch(ctx, meta.CID)
	raw[0] ^= 0xFF
	tamperedStore.Upload(ctx, raw, "tampered")
	// Force the same CID lookup by uploading under a colliding address isn't
	// possible in a content-addressed store, so fetch from the tampered
	// store directly using its own returned identity instead.
	badMeta := meta
	res, _ := tamperedStore.Upload(ctx, raw, "tampered")
	badMeta.CID = res.CID

	if _, err := proc.Decrypt(ctx, tamperedStore, badMeta); err == nil {
		t.Error("Decrypt() must fail when the ciphertext hash no longer matches")
	}
}

func TestChunkKeysDifferPerIndex(t *testing.T) {
	sk, _ := wcrypto.SessionKeyGen()
	store := objectstore.NewMemStore()
	proc := NewProcessor(*sk, store)
	ctx := context.Background()

	blob := []byte("same content, different index")
	m0, _ := proc.Process(ctx, blob, 0, 0)
	m1, _ := proc.Process(ctx, blob, 1, 0)

	if m0.EncryptedHash == m1.EncryptedHash {
		t.Error("encrypting identical plaintext under different chunk indices must not collide")
	}
}
