package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	wcrypto "github.com/witness-protocol/core/internal/crypto"

	"github.com/witness-protocol/core/internal/attestation"
	"github.com/witness-protocol/core/internal/config"
	"github.com/witness-protocol/core/internal/discovery"
	"github.com/witness-protocol/core/internal/group"
	"github.com/witness-protocol/core/internal/identity"
	"github.com/witness-protocol/core/internal/manifest"
	"github.com/witness-protocol/core/internal/objectstore"
	"github.com/witness-protocol/core/internal/observability"
	"github.com/witness-protocol/core/internal/session"
)

var errSessionNotLive = errors.New("session has no live handle on this process")

// apiServer holds every service the REST API dispatches to. It has no
// state of its own beyond what each service already owns.
type apiServer struct {
	cfg        *config.Config
	logger     *observability.Logger
	metrics    *observability.Metrics
	sessionMgr *session.Manager
	groups     *group.Service
	attest     *attestation.Service
	discovery  *discovery.Service
	identity   *identity.Identity
	signer     *wcrypto.LocalSigner
	store      objectstore.Store
	recovery   *session.Recovery
}

func (s *apiServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/chunks", s.handleProcessChunk)
	mux.HandleFunc("POST /v1/sessions/{id}/end", s.handleEndSession)
	mux.HandleFunc("GET /v1/recovery", s.handleRecoveryScan)
	mux.HandleFunc("POST /v1/recovery/{id}/resume", s.handleRecoveryResume)
	mux.HandleFunc("POST /v1/recovery/{id}/discard", s.handleRecoveryDiscard)

	mux.HandleFunc("POST /v1/groups", s.handleCreateGroup)
	mux.HandleFunc("POST /v1/groups/join", s.handleJoinGroup)
	mux.HandleFunc("GET /v1/groups/{id}/invite", s.handleExportInvite)

	mux.HandleFunc("POST /v1/attestations", s.handleAttest)

	mux.HandleFunc("GET /v1/discover", s.handleDiscover)
	mux.HandleFunc("GET /v1/content/{id}/playback", s.handlePlayback)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadHexWord = errors.New("expected a 32-byte hex-encoded value")

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 32 {
		return out, errBadHexWord
	}
	copy(out[:], b)
	return out, nil
}

type createSessionRequest struct {
	GroupIDs   []string               `json:"group_ids"`
	AccessList []manifest.AccessEntry `json:"access_list"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *apiServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sessionKey, err := wcrypto.SessionKeyGen()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sess, err := s.sessionMgr.Create(session.Config{
		GroupIDs:   req.GroupIDs,
		Uploader:   hex.EncodeToString(s.signer.Address()[:]),
		SessionKey: *sessionKey,
		AccessList: req.AccessList,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID()})
}

func (s *apiServer) handleProcessChunk(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionMgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotLive)
		return
	}

	blob, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var durationMs uint64
	if v := r.URL.Query().Get("duration_ms"); v != "" {
		durationMs, _ = strconv.ParseUint(v, 10, 64)
	}
	var capturedAtMs uint64
	if v := r.URL.Query().Get("captured_at_ms"); v != "" {
		capturedAtMs, _ = strconv.ParseUint(v, 10, 64)
	}

	result, err := sess.ProcessChunk(r.Context(), blob, durationMs, session.Metadata{
		CapturedAtMs: capturedAtMs,
		Location:     r.URL.Query().Get("location"),
	})
	s.metrics.RecordChunkProcessed(len(blob), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionMgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotLive)
		return
	}
	if err := sess.End(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
}

// recoverySummary is the wire form of session.PendingSummary.
type recoverySummary struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Pending   int    `json:"pending"`
	Uploaded  int    `json:"uploaded"`
	Failed    int    `json:"failed"`
	Missing   []int  `json:"missing_chunks"`
}

// handleRecoveryScan reports every session left in a non-terminal status by
// a prior crash, with per-session chunk durability read off ChunkBitmap
// (spec §4.10), so a capture client can decide per-session whether to
// resume or discard.
func (s *apiServer) handleRecoveryScan(w http.ResponseWriter, r *http.Request) {
	pending, err := s.recovery.Scan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]recoverySummary, len(pending))
	for i, p := range pending {
		out[i] = recoverySummary{
			SessionID: p.SessionID,
			Status:    string(p.Status),
			Pending:   p.Pending,
			Uploaded:  p.Uploaded,
			Failed:    p.Failed,
			Missing:   p.Missing,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleRecoveryResume(w http.ResponseWriter, r *http.Request) {
	if err := s.recovery.Resume(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "uploading"})
}

func (s *apiServer) handleRecoveryDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.recovery.Discard(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
}

type createGroupRequest struct {
	Name string `json:"name"`
}

type createGroupResponse struct {
	GroupID string `json:"group_id"`
	TxHash  string `json:"tx_hash"`
}

func (s *apiServer) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.groups.Create(r.Context(), req.Name, s.identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, createGroupResponse{
		GroupID: hex.EncodeToString(result.GroupID[:]),
		TxHash:  result.TxHash,
	})
}

type joinGroupResponse struct {
	TxHash string `json:"tx_hash"`
}

func (s *apiServer) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	invite, err := s.groups.ParseInvite(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.groups.Join(r.Context(), invite, s.identity, s.signer.Address())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, joinGroupResponse{TxHash: result.TxHash})
}

func (s *apiServer) handleExportInvite(w http.ResponseWriter, r *http.Request) {
	groupID, err := decode32(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	invite, err := s.groups.ExportInvite(groupID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, invite)
}

type attestRequest struct {
	ContentID string `json:"content_id"`
	GroupID   string `json:"group_id"`
}

type attestResponse struct {
	TxHash   string `json:"tx_hash"`
	NewCount uint64 `json:"new_count"`
}

func (s *apiServer) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	contentID, err := decode32(req.ContentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	groupID, err := decode32(req.GroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.attest.Attest(r.Context(), s.identity, contentID, groupID)
	s.metrics.RecordAttestation(err == nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, attestResponse{TxHash: result.TxHash, NewCount: result.NewCount})
}

// discoveryEntry is the wire form of discovery.Entry: the 32/20-byte
// arrays it carries marshal as JSON number arrays with no conversion,
// which a playback request can't turn back into a content ID.
type discoveryEntry struct {
	ContentID    string   `json:"content_id"`
	MerkleRoot   string   `json:"merkle_root"`
	ManifestCID  string   `json:"manifest_cid"`
	Uploader     string   `json:"uploader"`
	Timestamp    uint64   `json:"timestamp"`
	AccessGroups []string `json:"access_groups"`
}

func (s *apiServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var callerGroups [][32]byte
	for _, raw := range r.URL.Query()["group"] {
		gid, err := decode32(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		callerGroups = append(callerGroups, gid)
	}

	entries, err := s.discovery.Discover(r.Context(), s.signer.Address(), callerGroups)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]discoveryEntry, len(entries))
	for i, e := range entries {
		groups := make([]string, len(e.AccessGroups))
		for j, g := range e.AccessGroups {
			groups[j] = hex.EncodeToString(g[:])
		}
		out[i] = discoveryEntry{
			ContentID:    hex.EncodeToString(e.ContentID[:]),
			MerkleRoot:   hex.EncodeToString(e.MerkleRoot[:]),
			ManifestCID:  e.ManifestCID,
			Uploader:     hex.EncodeToString(e.Uploader[:]),
			Timestamp:    e.Timestamp,
			AccessGroups: groups,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handlePlayback(w http.ResponseWriter, r *http.Request) {
	contentID, err := decode32(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	decrypter := discovery.DefaultChunkDecrypter{Store: s.store}
	data, err := s.discovery.Playback(r.Context(), contentID, decrypter)
	s.metrics.RecordMerkleVerification(err == nil)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
