package merkle

import (
	"crypto/rand"
	"testing"
)

func randLeaf(index uint32) [32]byte {
	var p, e [32]byte
	rand.Read(p[:])
	rand.Read(e[:])
	return ComputeLeaf(index, p, e, uint64(index)*1000)
}

func TestEmptyTreeHasNoRoot(t *testing.T) {
	tr := New()
	if _, ok := tr.Root(); ok {
		t.Error("empty tree must report no root")
	}
}

func TestSingleLeafRootEqualsLeaf(t *testing.T) {
	tr := New()
	leaf := randLeaf(0)
	tr.Insert(leaf)
	root, ok := tr.Root()
	if !ok {
		t.Fatal("expected a root for a single-leaf tree")
	}
	if root != leaf {
		t.Error("single-leaf tree root must equal the leaf itself, no internal hashing")
	}
}

func TestOddWidthDuplicatesTrailingNode(t *testing.T) {
	tr := New()
	leaves := []( [32]byte ){randLeaf(0), randLeaf(1), randLeaf(2)}
	for _, l := range leaves {
		tr.Insert(l)
	}
	root, _ := tr.Root()

	// Level 1: hash(l0,l1), hash(l2,l2). Root = hash(level1[0], level1[1]).
	h01 := hashPair(leaves[0], leaves[1])
	h22 := hashPair(leaves[2], leaves[2])
	want := hashPair(h01, h22)
	if root != want {
		t.Error("odd-width level must duplicate the trailing node, not rotate")
	}
}

func TestRestoreReproducesRoot(t *testing.T) {
	tr := New()
	for i := uint32(0); i < 37; i++ {
		tr.Insert(randLeaf(i))
	}
	root, _ := tr.Root()

	restored := Restore(tr.Leaves())
	restoredRoot, ok := restored.Root()
	if !ok || restoredRoot != root {
		t.Error("restore(leaves).root() must equal the original root after serialization/reload")
	}
}

func TestProofVerifiesAndTamperFails(t *testing.T) {
	tr := New()
	n := 13
	for i := 0; i < n; i++ {
		tr.Insert(randLeaf(uint32(i)))
	}

	for i := 0; i < n; i++ {
		proof, err := tr.Proof(i)
		if err != nil {
			t.Fatalf("Proof(%d) failed: %v", i, err)
		}
		if !VerifyProof(proof) {
			t.Fatalf("VerifyProof failed for valid proof at index %d", i)
		}

		// Tamper with the leaf.
		tampered := *proof
		tampered.Leaf[0] ^= 0xFF
		if VerifyProof(&tampered) {
			t.Errorf("tampered leaf at index %d should fail verification", i)
		}

		if len(proof.Siblings) > 0 {
			tamperedSib := *proof
			tamperedSib.Siblings = append([]Sibling{}, proof.Siblings...)
			tamperedSib.Siblings[0].Hash[0] ^= 0xFF
			if VerifyProof(&tamperedSib) {
				t.Errorf("tampered sibling at index %d should fail verification", i)
			}
		}
	}
}

func TestLastIndexProofHasSelfSibling(t *testing.T) {
	tr := New()
	leaves := []( [32]byte ){randLeaf(0), randLeaf(1), randLeaf(2)}
	for _, l := range leaves {
		tr.Insert(l)
	}
	proof, err := tr.Proof(2)
	if err != nil {
		t.Fatalf("Proof(2) failed: %v", err)
	}
	if len(proof.Siblings) == 0 || proof.Siblings[0].Hash != leaves[2] {
		t.Error("proof at the last index of an odd-width level must carry a self-sibling")
	}
}
