// Package memledger is an in-memory Registry double for tests and local
// development — it has no relayer, no gas, and confirms every write
// immediately, but enforces the same invariants the real contract would:
// one nullifier per content, no double membership, content lookups scoped
// by group.
package memledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/witness-protocol/core/internal/ledger"
	"github.com/witness-protocol/core/internal/merkle"
	"github.com/witness-protocol/core/internal/witnesserr"
)

// Ledger is a thread-safe, non-durable Registry implementation.
type Ledger struct {
	mu sync.Mutex

	registered  map[[20]byte]uint64
	groups      map[[32]byte]ledger.Group
	groupMember map[[32]byte]map[[20]byte]bool
	memberAdded map[[32]byte][]ledger.MemberAdded
	memberTree  map[[32]byte]*merkle.Tree
	semaphoreID map[[32]byte]uint64

	content       map[[32]byte]ledger.Content
	contentGroups map[[32]byte][][32]byte
	userContent   map[[20]byte][][32]byte
	groupContent  map[[32]byte][][32]byte

	sessions     map[[32]byte]ledger.Session
	sessionGroup map[[32]byte][][32]byte
	sessionLog   []ledger.SessionUpdated

	attestCount map[[32]byte]uint64
	nullifiers  map[[32]byte]bool
	attestLog   []ledger.AttestationCreated

	nextSemaphoreGroupID uint64
	clock                func() time.Time
}

// New creates an empty in-memory ledger.
func New() *Ledger {
	return &Ledger{
		registered:    make(map[[20]byte]uint64),
		groups:        make(map[[32]byte]ledger.Group),
		groupMember:   make(map[[32]byte]map[[20]byte]bool),
		memberAdded:   make(map[[32]byte][]ledger.MemberAdded),
		memberTree:    make(map[[32]byte]*merkle.Tree),
		semaphoreID:   make(map[[32]byte]uint64),
		content:       make(map[[32]byte]ledger.Content),
		contentGroups: make(map[[32]byte][][32]byte),
		userContent:   make(map[[20]byte][][32]byte),
		groupContent:  make(map[[32]byte][][32]byte),
		sessions:      make(map[[32]byte]ledger.Session),
		sessionGroup:  make(map[[32]byte][][32]byte),
		attestCount:   make(map[[32]byte]uint64),
		nullifiers:    make(map[[32]byte]bool),
		clock:         time.Now,
	}
}

func (l *Ledger) now() uint64 { return uint64(l.clock().Unix()) }

var txCounter uint64

func nextTxHash() string {
	txCounter++
	return fmt.Sprintf("0xtx%016x", txCounter)
}

// --- reads ---

func (l *Ledger) Registered(_ context.Context, addr [20]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.registered[addr]
	return ok, nil
}

func (l *Ledger) RegisteredAt(_ context.Context, addr [20]byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered[addr], nil
}

func (l *Ledger) GroupMembers(_ context.Context, groupID [32]byte, addr [20]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.groupMember[groupID][addr], nil
}

func (l *Ledger) Group(_ context.Context, groupID [32]byte) (ledger.Group, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[groupID]
	if !ok {
		return ledger.Group{}, witnesserr.ErrUnknownGroup
	}
	return g, nil
}

func (l *Ledger) Content(_ context.Context, contentID [32]byte) (ledger.Content, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.content[contentID]
	if !ok {
		return ledger.Content{}, witnesserr.ErrObjectNotFound
	}
	return c, nil
}

func (l *Ledger) UserContent(_ context.Context, addr [20]byte) ([][32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][32]byte(nil), l.userContent[addr]...), nil
}

func (l *Ledger) GroupContent(_ context.Context, groupID [32]byte) ([][32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][32]byte(nil), l.groupContent[groupID]...), nil
}

func (l *Ledger) ContentGroups(_ context.Context, contentID [32]byte) ([][32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][32]byte(nil), l.contentGroups[contentID]...), nil
}

func (l *Ledger) AttestationCount(_ context.Context, contentID [32]byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attestCount[contentID], nil
}

func (l *Ledger) SemaphoreGroupID(_ context.Context, groupID [32]byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.semaphoreID[groupID]
	if !ok {
		return 0, witnesserr.ErrUnknownGroup
	}
	return id, nil
}

func (l *Ledger) NullifierUsed(_ context.Context, nullifier [32]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nullifiers[nullifier], nil
}

func (l *Ledger) Session(_ context.Context, sessionID [32]byte) (ledger.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		return ledger.Session{}, witnesserr.ErrSessionNotFound
	}
	return s, nil
}

func (l *Ledger) SessionGroups(_ context.Context, sessionID [32]byte) ([][32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][32]byte(nil), l.sessionGroup[sessionID]...), nil
}

// --- writes ---

func (l *Ledger) Register(_ context.Context) (string, error) {
	return nextTxHash(), nil
}

// RegisterAddr is a memledger-only convenience the real Registry leaves
// implicit in msg.sender; callers here must say which address registered.
func (l *Ledger) RegisterAddr(addr [20]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.registered[addr]; !ok {
		l.registered[addr] = l.now()
	}
}

func (l *Ledger) CreateGroup(_ context.Context, groupID [32]byte, identityCommitment [32]byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.groups[groupID]; exists {
		return "", witnesserr.ErrAlreadyMember
	}
	l.groups[groupID] = ledger.Group{CreatedAt: l.now(), Active: true}
	l.groupMember[groupID] = map[[20]byte]bool{}
	l.nextSemaphoreGroupID++
	l.semaphoreID[groupID] = l.nextSemaphoreGroupID
	l.appendMember(groupID, identityCommitment)
	return nextTxHash(), nil
}

func (l *Ledger) JoinGroup(_ context.Context, groupID [32]byte, identityCommitment [32]byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[groupID]
	if !ok || !g.Active {
		return "", witnesserr.ErrGroupNotActive
	}
	for _, m := range l.memberAdded[groupID] {
		if m.IdentityCommitment == identityCommitment {
			return "", witnesserr.ErrAlreadyMember
		}
	}
	l.appendMember(groupID, identityCommitment)
	return nextTxHash(), nil
}

// appendMember must be called with l.mu held. It maintains a live
// membership tree per group so MemberAdded carries the same root an
// AttestationService would recompute locally from the member list.
func (l *Ledger) appendMember(groupID, identityCommitment [32]byte) {
	members := l.memberAdded[groupID]

	tree := l.memberTree[groupID]
	if tree == nil {
		tree = merkle.New()
		l.memberTree[groupID] = tree
	}
	tree.Insert(identityCommitment)
	root, _ := tree.Root()

	ev := ledger.MemberAdded{
		GroupID:            groupID,
		Index:              uint64(len(members)),
		IdentityCommitment: identityCommitment,
		MerkleTreeRoot:     root,
	}
	l.memberAdded[groupID] = append(members, ev)
}

func (l *Ledger) CommitContent(_ context.Context, contentID, merkleRoot [32]byte, manifestCID string, groupIDs [][32]byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content[contentID] = ledger.Content{MerkleRoot: merkleRoot, ManifestCID: manifestCID, Timestamp: l.now()}
	l.contentGroups[contentID] = append([][32]byte(nil), groupIDs...)
	for _, g := range groupIDs {
		l.groupContent[g] = append(l.groupContent[g], contentID)
	}
	return nextTxHash(), nil
}

// SetContentUploader is a memledger-only convenience recording contentID
// under an uploader address for UserContent, mirroring RegisterAddr: the
// real commitContent call has no explicit uploader parameter either,
// relying on msg.sender.
func (l *Ledger) SetContentUploader(contentID [32]byte, uploader [20]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.content[contentID]
	c.Uploader = uploader
	l.content[contentID] = c
	l.userContent[uploader] = append(l.userContent[uploader], contentID)
}

func (l *Ledger) UpdateSession(_ context.Context, sessionID, merkleRoot [32]byte, manifestCID string, chunkCount uint64, groupIDs [][32]byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, existed := l.sessions[sessionID]
	if !existed {
		s.CreatedAt = l.now()
	}
	s.MerkleRoot = merkleRoot
	s.ManifestCID = manifestCID
	s.ChunkCount = chunkCount
	s.UpdatedAt = l.now()
	l.sessions[sessionID] = s
	l.sessionGroup[sessionID] = append([][32]byte(nil), groupIDs...)

	l.sessionLog = append(l.sessionLog, ledger.SessionUpdated{
		SessionID: sessionID, MerkleRoot: merkleRoot, ManifestCID: manifestCID,
		ChunkCount: chunkCount, GroupIDs: groupIDs, Timestamp: s.UpdatedAt,
	})
	return nextTxHash(), nil
}

func (l *Ledger) AttestToContent(_ context.Context, contentID, groupID [32]byte, proof ledger.AttestationProof) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nullifiers[proof.Nullifier] {
		return "", witnesserr.ErrNullifierReused
	}
	l.nullifiers[proof.Nullifier] = true
	l.attestCount[contentID]++
	l.attestLog = append(l.attestLog, ledger.AttestationCreated{
		ContentID: contentID, GroupID: groupID, NewCount: l.attestCount[contentID],
	})
	return nextTxHash(), nil
}

func (l *Ledger) RecentSessionUpdates(_ context.Context, since time.Time) ([]ledger.SessionUpdated, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.SessionUpdated
	sinceUnix := uint64(since.Unix())
	for _, ev := range l.sessionLog {
		if ev.Timestamp >= sinceUnix {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *Ledger) RecentMemberAdded(_ context.Context, groupID [32]byte, _ time.Time) ([]ledger.MemberAdded, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.MemberAdded(nil), l.memberAdded[groupID]...), nil
}

func (l *Ledger) RecentAttestations(_ context.Context, _ time.Time) ([]ledger.AttestationCreated, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.AttestationCreated(nil), l.attestLog...), nil
}
