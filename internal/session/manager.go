// Package session implements SessionManager (C9) and Recovery (C10): the
// per-recording orchestrator that wires ChunkProcessor, MerkleTree, and
// ManifestBuilder into one ordered pipeline, anchors each chunk on the
// ledger, and reconciles interrupted sessions on restart.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/witness-protocol/core/internal/capture"
	"github.com/witness-protocol/core/internal/chunk"
	"github.com/witness-protocol/core/internal/ledger"
	"github.com/witness-protocol/core/internal/manifest"
	"github.com/witness-protocol/core/internal/merkle"
	"github.com/witness-protocol/core/internal/objectstore"
	"github.com/witness-protocol/core/internal/observability"
	"github.com/witness-protocol/core/internal/ratelimit"
	"github.com/witness-protocol/core/internal/uploadqueue"
	"github.com/witness-protocol/core/internal/witnesserr"
)

// EventKind names a session lifecycle event published on the event bus.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventProgress      EventKind = "progress"
	EventChunkUploaded EventKind = "chunk_uploaded"
	EventAnchorFailed  EventKind = "anchor_failed"
	EventCompleted     EventKind = "completed"
	EventInterrupted   EventKind = "interrupted"
)

// Event is one lifecycle notification a UI layer subscribes to.
type Event struct {
	Kind      EventKind
	SessionID string
	Detail    string
}

// Config is the input to Create (spec §4.9).
type Config struct {
	GroupIDs   []string
	Uploader   string
	SessionKey [32]byte
	AccessList []manifest.AccessEntry
}

// Metadata is the optional per-chunk capture metadata (spec §4.9).
type Metadata struct {
	CapturedAtMs uint64
	Location     string
}

// ChunkResult is process_chunk's return value.
type ChunkResult struct {
	ChunkIndex uint32
	CID        string
	MerkleRoot [32]byte
	ManifestCID string
	TxHash     string
}

// Session is one active recording instance, orchestrating C6-C8 and the
// ledger anchor for every chunk it accepts.
type Session struct {
	mgr        *Manager
	id         string
	sessionID32 [32]byte
	groupIDs32  [][32]byte
	contentID  [32]byte
	uploader   [20]byte

	processor *chunk.Processor
	tree      *merkle.Tree
	builder   *manifest.Builder

	mu        sync.Mutex
	nextIndex uint32
}

// ID returns the session's UUID string.
func (s *Session) ID() string { return s.id }

// Manager owns every live Session plus the shared infrastructure (object
// store, upload queue, ledger, durable record store, event bus) a Session
// needs to process chunks.
type Manager struct {
	store   objectstore.Store
	queue   *uploadqueue.Queue
	records *Store
	registry ledger.Registry
	logger  *observability.Logger
	limiter *ratelimit.Limiter

	mu       sync.Mutex
	sessions map[string]*Session

	events chan Event
}

// NewManager wires a SessionManager over its required collaborators.
func NewManager(store objectstore.Store, queue *uploadqueue.Queue, records *Store, registry ledger.Registry, logger *observability.Logger) *Manager {
	return &Manager{
		store:    store,
		queue:    queue,
		records:  records,
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*Session),
		events:   make(chan Event, 256),
	}
}

// SetUploadRateLimit paces every subsequently created session's chunk
// uploads at ratePerSec chunks/sec with the given burst. Call before the
// first Create; it has no effect on sessions already in flight.
func (m *Manager) SetUploadRateLimit(ratePerSec float64, burst int) {
	m.limiter = ratelimit.New(ratePerSec, burst)
}

// Events returns the channel of session lifecycle events.
func (m *Manager) Events() <-chan Event { return m.events }

// Get returns the live Session handle for sessionID, if the process that
// created it is still running. A session known only from a durable Record
// after a restart has no live handle; Create always starts a new session id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		<-m.events
		m.events <- ev
	}
}

// Create starts a new recording session: generates a sessionId, persists a
// SessionRecord(status=recording), and returns the Session handle.
func (m *Manager) Create(cfg Config) (*Session, error) {
	id := uuid.New().String()
	sessionID32 := ledger.EncodeSessionID(id)

	groupIDs32 := make([][32]byte, 0, len(cfg.GroupIDs))
	for _, g := range cfg.GroupIDs {
		var gid [32]byte
		decoded, err := decodeHex32(g)
		if err != nil {
			return nil, witnesserr.Wrap(witnesserr.CategoryUserInput, err, "group id")
		}
		gid = decoded
		groupIDs32 = append(groupIDs32, gid)
	}

	// contentId and sessionId share the same 32-byte ledger word: the
	// content committed by a session is that session's own output, and
	// the two registry entries (session(sid), content(contentId)) are
	// kept in lockstep by Create/End.
	contentID := sessionID32

	var uploader [20]byte
	if decoded, err := decodeHex20(cfg.Uploader); err == nil {
		uploader = decoded
	}

	s := &Session{
		mgr:         m,
		id:          id,
		sessionID32: sessionID32,
		groupIDs32:  groupIDs32,
		contentID:   contentID,
		uploader:    uploader,
		processor:   chunk.NewProcessor(cfg.SessionKey, m.store),
		tree:        merkle.New(),
		builder:     manifest.NewBuilder(id, fmt.Sprintf("%x", contentID), cfg.Uploader, cfg.AccessList),
	}
	if m.limiter != nil {
		s.processor.SetLimiter(m.limiter)
	}

	rec := Record{
		SessionID: id,
		Status:    StatusRecording,
		GroupIDs:  cfg.GroupIDs,
		CreatedAt: time.Now(),
	}
	if err := m.records.Save(rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.SessionStarted(id, cfg.GroupIDs)
	}
	m.emit(Event{Kind: EventStarted, SessionID: id})
	return s, nil
}

// ProcessChunk runs the five-step pipeline of spec §4.9. The object store
// upload and the ledger anchor are each backed by a durable retryable job
// (spec §4.7, invariant I5): neither failure loses the chunk, because the
// chunk's identity (CID, hashes) is fixed by Seal before either call is
// attempted, and the merkle/manifest/anchor steps proceed from that fixed
// identity regardless of whether the upload itself has landed yet.
func (s *Session) ProcessChunk(ctx context.Context, blob []byte, durationMs uint64, md Metadata) (ChunkResult, error) {
	s.mu.Lock()
	i := s.nextIndex
	s.nextIndex++
	s.mu.Unlock()

	capturedAt := md.CapturedAtMs
	if capturedAt == 0 {
		capturedAt = uint64(time.Now().UnixMilli())
	}

	meta, encrypted, err := s.processor.Seal(blob, i, capturedAt)
	if err != nil {
		return ChunkResult{}, err
	}

	// Durably enqueue the ciphertext before attempting the upload: if the
	// object store is unreachable right now, the background worker in
	// cmd/witnessd drains this job with exponential backoff instead of the
	// chunk simply being lost.
	if err := s.mgr.queue.Enqueue(s.id, i, uploadqueue.KindChunkUpload, encrypted); err != nil {
		return ChunkResult{}, err
	}

	if uploadErr := s.processor.Upload(ctx, meta, encrypted); uploadErr != nil {
		if s.mgr.logger != nil {
			s.mgr.logger.Error(uploadErr, fmt.Sprintf("session %s chunk %d upload failed, queued for retry", s.id, i))
		}
	} else if err := s.mgr.queue.MarkUploaded(s.id, i); err != nil {
		return ChunkResult{}, err
	}

	leaf := merkle.ComputeLeaf(i, meta.PlaintextHash, meta.EncryptedHash, capturedAt)
	s.tree.Insert(leaf)
	root, _ := s.tree.Root()

	s.builder.AddChunk(meta, durationMs, md.Location)
	s.builder.SetRoot(root)
	manifestCID, err := s.builder.Upload(ctx, s.mgr.store)
	if err != nil {
		return ChunkResult{}, err
	}

	result := ChunkResult{ChunkIndex: i, CID: meta.CID, MerkleRoot: root, ManifestCID: manifestCID}

	anchorCtx, cancel := context.WithTimeout(ctx, ledger.ConfirmationTimeout)
	txHash, anchorErr := s.mgr.registry.UpdateSession(anchorCtx, s.sessionID32, root, manifestCID, uint64(i)+1, s.groupIDs32)
	cancel()
	if anchorErr != nil {
		if s.mgr.logger != nil {
			s.mgr.logger.AnchorFailed(s.id, anchorErr)
		}
		s.mgr.emit(Event{Kind: EventAnchorFailed, SessionID: s.id, Detail: anchorErr.Error()})
		// Durably queue a retry of the anchor confirmation itself: the
		// worker in cmd/witnessd resubmits UpdateSession from the session's
		// latest durable record with exponential backoff (spec §4.7).
		if qErr := s.mgr.queue.Enqueue(s.id, i, uploadqueue.KindAnchorConfirm, nil); qErr != nil && s.mgr.logger != nil {
			s.mgr.logger.AnchorFailed(s.id, qErr)
		}
	} else {
		result.TxHash = txHash
		if s.mgr.logger != nil {
			s.mgr.logger.AnchorConfirmed(s.id, txHash, int(i)+1)
		}
	}

	rootHex := fmt.Sprintf("%x", root)
	rec := Record{
		SessionID:         s.id,
		Status:            StatusRecording,
		GroupIDs:          hexAll(s.groupIDs32),
		ChunkCount:        int(i) + 1,
		LatestManifestCID: manifestCID,
		LatestMerkleRoot:  rootHex,
	}
	if existing, err := s.mgr.records.Load(s.id); err == nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.mgr.records.Save(rec); err != nil {
		return result, err
	}

	if s.mgr.logger != nil {
		s.mgr.logger.ChunkUploaded(s.id, int(i), meta.Size, meta.CID)
	}
	s.mgr.emit(Event{Kind: EventChunkUploaded, SessionID: s.id, Detail: fmt.Sprintf("chunk %d", i)})

	return result, nil
}

// Drive runs the session against a live CaptureAdapter: every DataEvent is
// pushed through ProcessChunk in arrival order, and a device-level error
// marks the session interrupted and returns it. Drive returns nil only
// when the adapter's data channel closes cleanly (the caller is then
// expected to call End). It does not call Stop; that's the caller's job
// once Drive returns, mirroring the adapter's own Start/Stop split.
func (s *Session) Drive(ctx context.Context, adapter capture.Adapter) error {
	data, errs, err := adapter.Start(ctx)
	if err != nil {
		return witnesserr.Wrap(witnesserr.CategoryTransport, err, "start capture adapter")
	}

	for {
		select {
		case ev, ok := <-data:
			if !ok {
				// The adapter closes data on every exit path, including a
				// device error; give a concurrently-delivered error on
				// errs priority over treating this as a clean stop.
				select {
				case devErr, ok2 := <-errs:
					if ok2 {
						if markErr := s.MarkInterrupted(); markErr != nil && s.mgr.logger != nil {
							s.mgr.logger.AnchorFailed(s.id, markErr)
						}
						return witnesserr.Wrap(witnesserr.CategoryTransport, devErr, "capture device error")
					}
				default:
				}
				return nil
			}
			if _, err := s.ProcessChunk(ctx, ev.Blob, ev.DurationMs, Metadata{
				CapturedAtMs: ev.CapturedAtMs,
				Location:     ev.Location,
			}); err != nil {
				if markErr := s.MarkInterrupted(); markErr != nil && s.mgr.logger != nil {
					s.mgr.logger.AnchorFailed(s.id, markErr)
				}
				return err
			}
		case devErr, ok := <-errs:
			if !ok {
				continue
			}
			if markErr := s.MarkInterrupted(); markErr != nil && s.mgr.logger != nil {
				s.mgr.logger.AnchorFailed(s.id, markErr)
			}
			return witnesserr.Wrap(witnesserr.CategoryTransport, devErr, "capture device error")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// End marks the session complete: writes a final manifest with
// status=complete and updates the durable record.
func (s *Session) End(ctx context.Context) error {
	s.builder.SetStatus(manifest.StatusComplete)
	manifestCID, err := s.builder.Upload(ctx, s.mgr.store)
	if err != nil {
		return err
	}

	root, _ := s.tree.Root()
	commitCtx, cancel := context.WithTimeout(ctx, ledger.ConfirmationTimeout)
	_, commitErr := s.mgr.registry.CommitContent(commitCtx, s.contentID, root, manifestCID, s.groupIDs32)
	cancel()
	if commitErr != nil && s.mgr.logger != nil {
		s.mgr.logger.AnchorFailed(s.id, commitErr)
	}
	// The real contract indexes owned content off the commitContent
	// transaction's msg.sender; memledger has no event indexer to replay
	// that from, so the uploader mapping is recorded explicitly here
	// through the same kind of test-double convenience hook RegisterAddr
	// uses for registration.
	if recorder, ok := s.mgr.registry.(contentUploaderRecorder); ok {
		recorder.SetContentUploader(s.contentID, s.uploader)
	}

	now := time.Now()
	rec, err := s.mgr.records.Load(s.id)
	if err != nil {
		rec = &Record{SessionID: s.id, CreatedAt: now}
	}
	rec.Status = StatusComplete
	rec.CompletedAt = &now
	rec.LatestManifestCID = manifestCID
	if err := s.mgr.records.Save(*rec); err != nil {
		return err
	}

	if s.mgr.logger != nil {
		s.mgr.logger.SessionCompleted(s.id, len(s.tree.Leaves()), time.Since(rec.CreatedAt), fmt.Sprintf("%x", root))
	}
	s.mgr.emit(Event{Kind: EventCompleted, SessionID: s.id})
	return nil
}

// MarkInterrupted marks the session interrupted in both the manifest and
// the durable record. Drive calls it when the capture adapter reports an
// error or a chunk fails to process; neither Recovery nor the daemon's
// shutdown path calls it.
func (s *Session) MarkInterrupted() error {
	s.builder.SetStatus(manifest.StatusInterrupted)

	now := time.Now()
	rec, err := s.mgr.records.Load(s.id)
	if err != nil {
		rec = &Record{SessionID: s.id, CreatedAt: now}
	}
	rec.Status = StatusInterrupted
	rec.InterruptedAt = &now
	if err := s.mgr.records.Save(*rec); err != nil {
		return err
	}

	s.mgr.emit(Event{Kind: EventInterrupted, SessionID: s.id})
	return nil
}

// contentUploaderRecorder is satisfied by ledger.Registry implementations
// that can record an owned-content mapping outside the interface's normal
// write path (memledger.Ledger.SetContentUploader). A real ethclient-backed
// Registry needs no such hook: the chain already indexes msg.sender.
type contentUploaderRecorder interface {
	SetContentUploader(contentID [32]byte, uploader [20]byte)
}

func hexAll(ids [][32]byte) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%x", id)
	}
	return out
}

func decodeHex20(s string) ([20]byte, error) {
	var out [20]byte
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 40 {
		return out, fmt.Errorf("expected 40 hex characters, got %d", len(s))
	}
	for i := 0; i < 20; i++ {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 {
		return out, fmt.Errorf("expected 64 hex characters, got %d", len(s))
	}
	for i := 0; i < 32; i++ {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		out[i] = hi<<4 | lo
	}
	return out, nil
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
