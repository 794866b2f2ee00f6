package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/witness-protocol/core/internal/witnesserr"
)

// Status is a SessionRecord's durable lifecycle state (spec §3/§5).
type Status string

const (
	StatusRecording   Status = "recording"
	StatusUploading   Status = "uploading"
	StatusComplete    Status = "complete"
	StatusInterrupted Status = "interrupted"
)

// Record is the durable SessionRecord (spec §3): what survives a restart,
// distinct from the in-memory Manifest the Builder accumulates.
type Record struct {
	SessionID         string
	Status            Status
	GroupIDs          []string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	InterruptedAt     *time.Time
	ChunkCount        int
	LatestManifestCID string
	LatestMerkleRoot  string
}

// Store is the SQLite-backed durable SessionRecord store, grounded in the
// teacher's PersistentStore (single schema, connection pool tuned for a
// single-process client, not a shared server).
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenStore opens (creating if absent) the durable session store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryStorage, err, "open session store")
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS session_records (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			group_ids TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			interrupted_at TIMESTAMP,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			latest_manifest_cid TEXT,
			latest_merkle_root TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_session_records_status ON session_records(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return witnesserr.Wrap(witnesserr.CategoryStorage, err, "init session store schema")
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return witnesserr.Wrap(witnesserr.CategoryStorage, err, "set session store schema version")
		}
	} else if err != nil {
		return witnesserr.Wrap(witnesserr.CategoryStorage, err, "query session store schema version")
	}
	return nil
}

// Save inserts or replaces a session record.
func (s *Store) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groupIDsJSON, err := json.Marshal(rec.GroupIDs)
	if err != nil {
		return fmt.Errorf("marshal group ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO session_records
		(session_id, status, group_ids, created_at, completed_at, interrupted_at,
		 chunk_count, latest_manifest_cid, latest_merkle_root)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, string(rec.Status), string(groupIDsJSON), rec.CreatedAt,
		rec.CompletedAt, rec.InterruptedAt, rec.ChunkCount, rec.LatestManifestCID, rec.LatestMerkleRoot,
	)
	if err != nil {
		return witnesserr.Wrap(witnesserr.CategoryStorage, err, "save session record")
	}
	return nil
}

// Load retrieves one session record by id.
func (s *Store) Load(sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		statusStr    string
		groupIDsJSON string
		rec          Record
	)
	rec.SessionID = sessionID

	err := s.db.QueryRow(`
		SELECT status, group_ids, created_at, completed_at, interrupted_at,
		       chunk_count, latest_manifest_cid, latest_merkle_root
		FROM session_records WHERE session_id = ?`, sessionID,
	).Scan(&statusStr, &groupIDsJSON, &rec.CreatedAt, &rec.CompletedAt, &rec.InterruptedAt,
		&rec.ChunkCount, &rec.LatestManifestCID, &rec.LatestMerkleRoot)

	if err == sql.ErrNoRows {
		return nil, witnesserr.ErrSessionNotFound
	}
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryStorage, err, "load session record")
	}
	rec.Status = Status(statusStr)
	if err := json.Unmarshal([]byte(groupIDsJSON), &rec.GroupIDs); err != nil {
		return nil, fmt.Errorf("unmarshal group ids: %w", err)
	}
	return &rec, nil
}

// ListByStatus returns every record in the given status, most recent first.
func (s *Store) ListByStatus(status Status) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT session_id FROM session_records WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryStorage, err, "list session records by status")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}

	var out []Record
	for _, id := range ids {
		rec, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
