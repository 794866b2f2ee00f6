// Package merkle implements the incremental, composite-leaf Merkle tree
// used to anchor a recording session's chunk stream (spec §4.4).
//
// The tree uses plain SHA-256 concatenation hashing in the *original* byte
// order of each level — no sibling sort. On an odd-width level the trailing
// node is duplicated to itself rather than rotated. This mirrors the
// on-ledger verifier exactly; introducing a sorted-pair variant here would
// silently diverge the root from what gets anchored.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// LeafSize is the fixed width of a composite leaf's preimage:
// uint32_be(index) || plaintextHash[32] || encryptedHash[32] || uint64_be(capturedAtMs).
const LeafSize = 4 + 32 + 32 + 8

// Position marks which side of a hash pair a sibling occupied.
type Position int

const (
	PositionLeft Position = iota
	PositionRight
)

// Sibling is one step of an inclusion proof.
type Sibling struct {
	Hash     [32]byte
	Position Position
}

// Proof is an inclusion proof for a single leaf.
type Proof struct {
	Leaf     [32]byte
	Index    int
	Siblings []Sibling
	Root     [32]byte
}

func hashLeaf(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// ComputeLeaf builds the 76-byte composite-leaf preimage and hashes it.
func ComputeLeaf(index uint32, plaintextHash, encryptedHash [32]byte, capturedAtMs uint64) [32]byte {
	buf := make([]byte, 0, LeafSize)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	buf = append(buf, idx[:]...)
	buf = append(buf, plaintextHash[:]...)
	buf = append(buf, encryptedHash[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], capturedAtMs)
	buf = append(buf, ts[:]...)
	return hashLeaf(buf)
}

// hashPair computes SHA256(left || right) without any sorting — the tree's
// defining property (spec §9 "Dual-root drift risk").
func hashPair(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return hashLeaf(buf)
}

// Tree is an append-only, rebuildable composite-leaf Merkle tree.
type Tree struct {
	leaves [][32]byte
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// Restore rebuilds a tree from a previously-persisted leaf list, so the
// tree can be reconstructed from durable state after a restart.
func Restore(leaves [][32]byte) *Tree {
	t := &Tree{leaves: make([][32]byte, len(leaves))}
	copy(t.leaves, leaves)
	return t
}

// Insert appends a leaf; Root recomputes the root from the full leaf list
// on each call.
func (t *Tree) Insert(leaf [32]byte) {
	t.leaves = append(t.leaves, leaf)
}

// Leaves returns a copy of the tree's leaf list, for persistence.
func (t *Tree) Leaves() [][32]byte {
	out := make([][32]byte, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Len returns the number of leaves inserted so far.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Root recomputes and returns the current root. Returns the zero value and
// false for an empty tree (spec §8: zero-chunk session has no root).
func (t *Tree) Root() ([32]byte, bool) {
	if len(t.leaves) == 0 {
		return [32]byte{}, false
	}
	layer := t.leaves
	for len(layer) > 1 {
		layer = reduceLayer(layer)
	}
	return layer[0], true
}

// reduceLayer hashes adjacent pairs, duplicating the trailing node on odd
// width, preserving original byte order (no sort).
func reduceLayer(layer [][32]byte) [][32]byte {
	next := make([][32]byte, 0, (len(layer)+1)/2)
	for i := 0; i < len(layer); i += 2 {
		if i+1 < len(layer) {
			next = append(next, hashPair(layer[i], layer[i+1]))
		} else {
			next = append(next, hashPair(layer[i], layer[i]))
		}
	}
	return next
}

// Proof builds an inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*Proof, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("merkle: index %d out of range [0,%d)", index, len(t.leaves))
	}

	root, ok := t.Root()
	if !ok {
		return nil, fmt.Errorf("merkle: tree is empty")
	}

	proof := &Proof{Leaf: t.leaves[index], Index: index, Root: root}

	layer := t.leaves
	pos := index
	for len(layer) > 1 {
		var sib Sibling
		if pos%2 == 0 {
			// we are the left node; sibling is to the right (or ourselves if odd width)
			if pos+1 < len(layer) {
				sib = Sibling{Hash: layer[pos+1], Position: PositionRight}
			} else {
				sib = Sibling{Hash: layer[pos], Position: PositionRight}
			}
		} else {
			sib = Sibling{Hash: layer[pos-1], Position: PositionLeft}
		}
		proof.Siblings = append(proof.Siblings, sib)
		layer = reduceLayer(layer)
		pos /= 2
	}

	return proof, nil
}

// VerifyProof recomputes the root implied by proof and checks it against
// proof.Root, replaying siblings in their recorded left/right order.
func VerifyProof(proof *Proof) bool {
	current := proof.Leaf
	for _, sib := range proof.Siblings {
		switch sib.Position {
		case PositionLeft:
			current = hashPair(sib.Hash, current)
		case PositionRight:
			current = hashPair(current, sib.Hash)
		default:
			return false
		}
	}
	return current == proof.Root
}
