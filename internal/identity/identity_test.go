package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/witness-protocol/core/internal/securestore"
)

type testSigner struct {
	addr [20]byte
	priv ed25519.PrivateKey
}

func newTestSigner() *testSigner {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	var addr [20]byte
	copy(addr[:], pub[:20])
	return &testSigner{addr: addr, priv: priv}
}

func (s *testSigner) Address() [20]byte { return s.addr }

func (s *testSigner) SignDigest(digest [32]byte) ([65]byte, error) {
	sig := ed25519.Sign(s.priv, digest[:])
	var out [65]byte
	copy(out[:64], sig[:64])
	return out, nil
}

func openTestStore(t *testing.T) *securestore.Store {
	t.Helper()
	var key [32]byte
	rand.Read(key[:])
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := securestore.Open(path, key)
	if err != nil {
		t.Fatalf("securestore.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreatePersistsAndReloads(t *testing.T) {
	store := openTestStore(t)
	signer := newTestSigner()

	id1, err := GetOrCreate(store, signer, 84532)
	if err != nil {
		t.Fatalf("GetOrCreate() failed: %v", err)
	}

	id2, err := GetOrCreate(store, signer, 84532)
	if err != nil {
		t.Fatalf("GetOrCreate() second call failed: %v", err)
	}

	if id1.PrivateScalar != id2.PrivateScalar || id1.Commitment != id2.Commitment {
		t.Error("GetOrCreate() should reload the persisted identity rather than deriving a new one")
	}
}

func TestGetOrCreateDistinctAcrossSigners(t *testing.T) {
	storeA := openTestStore(t)
	storeB := openTestStore(t)

	idA, err := GetOrCreate(storeA, newTestSigner(), 1)
	if err != nil {
		t.Fatalf("GetOrCreate(A) failed: %v", err)
	}
	idB, err := GetOrCreate(storeB, newTestSigner(), 1)
	if err != nil {
		t.Fatalf("GetOrCreate(B) failed: %v", err)
	}

	if idA.Commitment == idB.Commitment {
		t.Error("distinct signers must not derive the same commitment")
	}
}

func TestNullifierDeterministicPerContent(t *testing.T) {
	store := openTestStore(t)
	id, err := GetOrCreate(store, newTestSigner(), 1)
	if err != nil {
		t.Fatalf("GetOrCreate() failed: %v", err)
	}

	var contentA, contentB [32]byte
	rand.Read(contentA[:])
	rand.Read(contentB[:])

	n1 := id.NullifierFor(contentA)
	n2 := id.NullifierFor(contentA)
	n3 := id.NullifierFor(contentB)

	if n1 != n2 {
		t.Error("nullifier must be deterministic for a fixed (identity, content) pair")
	}
	if n1 == n3 {
		t.Error("nullifier must differ across distinct content scopes")
	}
}
