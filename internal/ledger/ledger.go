// Package ledger specifies the Registry contract (spec §6): the public
// smart-contract ledger this protocol anchors Merkle roots, group
// membership, and attestations to. The contract itself, its gasless
// relayer, and the Semaphore-style verifier are external collaborators;
// this package only pins down the Go-side interface and a session-id
// encoding helper shared by every caller.
package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"
)

// Group mirrors Registry.group(gid).
type Group struct {
	Creator   [20]byte
	CreatedAt uint64
	Active    bool
}

// Content mirrors Registry.content(contentId).
type Content struct {
	MerkleRoot  [32]byte
	ManifestCID string
	Uploader    [20]byte
	Timestamp   uint64
}

// Session mirrors Registry.session(sid).
type Session struct {
	Creator     [20]byte
	MerkleRoot  [32]byte
	ManifestCID string
	ChunkCount  uint64
	CreatedAt   uint64
	UpdatedAt   uint64
}

// AttestationProof is the Groth16-style proof payload Registry.attestToContent
// forwards to its co-located verifier.
type AttestationProof struct {
	MerkleTreeDepth uint32
	MerkleTreeRoot  [32]byte
	Nullifier       [32]byte
	Message         [32]byte
	Scope           [32]byte
	Points          [8]*big.Int
}

// SessionUpdated mirrors the SessionUpdated event.
type SessionUpdated struct {
	SessionID   [32]byte
	Uploader    [20]byte
	MerkleRoot  [32]byte
	ManifestCID string
	ChunkCount  uint64
	GroupIDs    [][32]byte
	Timestamp   uint64
}

// MemberAdded mirrors a group's MemberAdded event.
type MemberAdded struct {
	GroupID            [32]byte
	Index              uint64
	IdentityCommitment [32]byte
	MerkleTreeRoot     [32]byte
}

// AttestationCreated mirrors the AttestationCreated event.
type AttestationCreated struct {
	ContentID [32]byte
	GroupID   [32]byte
	NewCount  uint64
}

// Registry is the read/write contract every component submits to and reads
// from. Writes are gasless via an injected relayer the implementation of
// Registry is responsible for wiring; callers here only see a returned
// transaction hash once the relayer has accepted the call.
type Registry interface {
	Registered(ctx context.Context, addr [20]byte) (bool, error)
	RegisteredAt(ctx context.Context, addr [20]byte) (uint64, error)
	GroupMembers(ctx context.Context, groupID [32]byte, addr [20]byte) (bool, error)
	Group(ctx context.Context, groupID [32]byte) (Group, error)
	Content(ctx context.Context, contentID [32]byte) (Content, error)
	UserContent(ctx context.Context, addr [20]byte) ([][32]byte, error)
	GroupContent(ctx context.Context, groupID [32]byte) ([][32]byte, error)
	ContentGroups(ctx context.Context, contentID [32]byte) ([][32]byte, error)
	AttestationCount(ctx context.Context, contentID [32]byte) (uint64, error)
	SemaphoreGroupID(ctx context.Context, groupID [32]byte) (uint64, error)
	NullifierUsed(ctx context.Context, nullifier [32]byte) (bool, error)
	Session(ctx context.Context, sessionID [32]byte) (Session, error)
	SessionGroups(ctx context.Context, sessionID [32]byte) ([][32]byte, error)

	Register(ctx context.Context) (txHash string, err error)
	CreateGroup(ctx context.Context, groupID [32]byte, identityCommitment [32]byte) (txHash string, err error)
	JoinGroup(ctx context.Context, groupID [32]byte, identityCommitment [32]byte) (txHash string, err error)
	CommitContent(ctx context.Context, contentID, merkleRoot [32]byte, manifestCID string, groupIDs [][32]byte) (txHash string, err error)
	UpdateSession(ctx context.Context, sessionID, merkleRoot [32]byte, manifestCID string, chunkCount uint64, groupIDs [][32]byte) (txHash string, err error)
	AttestToContent(ctx context.Context, contentID, groupID [32]byte, proof AttestationProof) (txHash string, err error)

	// RecentSessionUpdates/RecentMemberAdded/RecentAttestations bound their
	// log queries to a recent window to avoid full-chain scans (spec §6).
	RecentSessionUpdates(ctx context.Context, since time.Time) ([]SessionUpdated, error)
	RecentMemberAdded(ctx context.Context, groupID [32]byte, since time.Time) ([]MemberAdded, error)
	RecentAttestations(ctx context.Context, since time.Time) ([]AttestationCreated, error)
}

// ConfirmationTimeout bounds how long a write waits for relayer confirmation
// before being treated as "failed for this chunk" rather than a session
// termination (spec §7).
const ConfirmationTimeout = 60 * time.Second

// EncodeSessionID renders a UUID string as the 32-byte ledger word spec §6
// defines: "0x" + hyphen-stripped UUID, right-padded with zeros to 64 hex
// characters. This is a padding scheme, not a hash — collision-resistant
// in practice for UUIDv4 volumes within one user's namespace, but callers
// must not rely on it for global uniqueness across namespaces.
func EncodeSessionID(sessionID string) [32]byte {
	stripped := strings.ReplaceAll(sessionID, "-", "")
	var out [32]byte
	n := len(stripped) / 2
	if n > 32 {
		n = 32
	}
	for i := 0; i < n; i++ {
		hi := hexNibble(stripped[2*i])
		lo := hexNibble(stripped[2*i+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}
