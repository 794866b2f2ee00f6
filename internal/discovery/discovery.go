// Package discovery implements DiscoveryService (C13): aggregates every
// content pointer a user can read (owned directly, or via group
// membership), resolves each to its manifest with a short-TTL cache, and
// drives the playback verification pipeline that mirrors capture in
// reverse.
package discovery

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	wcrypto "github.com/witness-protocol/core/internal/crypto"
	"github.com/witness-protocol/core/internal/group"
	"github.com/witness-protocol/core/internal/ledger"
	"github.com/witness-protocol/core/internal/manifest"
	"github.com/witness-protocol/core/internal/merkle"
	"github.com/witness-protocol/core/internal/objectstore"
	"github.com/witness-protocol/core/internal/witnesserr"
)

// cacheTTL bounds how long an aggregated result/manifest stays fresh
// before the next Discover call re-queries the registry (spec §4.13).
const cacheTTL = 60 * time.Second

// Entry is one piece of content the caller can see, with the groups (if
// any) that grant it decryption access.
type Entry struct {
	ContentID    [32]byte
	MerkleRoot   [32]byte
	ManifestCID  string
	Uploader     [20]byte
	Timestamp    uint64
	AccessGroups [][32]byte
}

type cachedResult struct {
	entries  []Entry
	cachedAt time.Time
}

type cachedManifest struct {
	manifest manifest.Manifest
	cachedAt time.Time
}

// nowFunc is overridable in tests that need to simulate TTL expiry.
var nowFunc = time.Now

// Service implements content aggregation and playback over a Registry,
// an object store, and the caller's GroupService (for group secrets).
type Service struct {
	registry ledger.Registry
	store    objectstore.Store
	groups   *group.Service

	mu        sync.Mutex
	results   map[[20]byte]cachedResult
	manifests map[string]cachedManifest
}

// NewService wires a DiscoveryService over registry/store/groups.
func NewService(registry ledger.Registry, store objectstore.Store, groups *group.Service) *Service {
	return &Service{
		registry:  registry,
		store:     store,
		groups:    groups,
		results:   make(map[[20]byte]cachedResult),
		manifests: make(map[string]cachedManifest),
	}
}

// Discover aggregates Registry.userContent(eoa) ∪ ⋃ Registry.groupContent(g)
// for the given groups, deduplicated by contentId, each resolved via
// Registry.content and annotated with which of callerGroups can decrypt it.
func (s *Service) Discover(ctx context.Context, eoa [20]byte, callerGroups [][32]byte) ([]Entry, error) {
	s.mu.Lock()
	if cached, ok := s.results[eoa]; ok && nowFunc().Sub(cached.cachedAt) < cacheTTL {
		s.mu.Unlock()
		return cached.entries, nil
	}
	s.mu.Unlock()

	seen := map[[32]byte]bool{}
	var contentIDs [][32]byte

	owned, err := s.registry.UserContent(ctx, eoa)
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch user content")
	}
	for _, cid := range owned {
		if !seen[cid] {
			seen[cid] = true
			contentIDs = append(contentIDs, cid)
		}
	}

	for _, g := range callerGroups {
		ids, err := s.registry.GroupContent(ctx, g)
		if err != nil {
			return nil, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch group content")
		}
		for _, cid := range ids {
			if !seen[cid] {
				seen[cid] = true
				contentIDs = append(contentIDs, cid)
			}
		}
	}

	entries := make([]Entry, 0, len(contentIDs))
	for _, cid := range contentIDs {
		content, err := s.registry.Content(ctx, cid)
		if err != nil {
			return nil, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch content record")
		}

		contentGroups, err := s.registry.ContentGroups(ctx, cid)
		if err != nil {
			return nil, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch content groups")
		}
		var accessible [][32]byte
		for _, cg := range contentGroups {
			for _, own := range callerGroups {
				if cg == own {
					accessible = append(accessible, cg)
					break
				}
			}
		}

		entries = append(entries, Entry{
			ContentID:    cid,
			MerkleRoot:   content.MerkleRoot,
			ManifestCID:  content.ManifestCID,
			Uploader:     content.Uploader,
			Timestamp:    content.Timestamp,
			AccessGroups: accessible,
		})
	}

	s.mu.Lock()
	s.results[eoa] = cachedResult{entries: entries, cachedAt: nowFunc()}
	s.mu.Unlock()

	return entries, nil
}

// fetchManifest fetches and JSON-decodes the manifest at cid, using the
// short-TTL cache.
func (s *Service) fetchManifest(ctx context.Context, cid string) (manifest.Manifest, error) {
	s.mu.Lock()
	if cached, ok := s.manifests[cid]; ok && nowFunc().Sub(cached.cachedAt) < cacheTTL {
		s.mu.Unlock()
		return cached.manifest, nil
	}
	s.mu.Unlock()

	raw, err := s.store.Fetch(ctx, cid)
	if err != nil {
		return manifest.Manifest{}, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch manifest")
	}
	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest.Manifest{}, witnesserr.Wrap(witnesserr.CategoryIntegrity, err, "decode manifest")
	}

	s.mu.Lock()
	s.manifests[cid] = cachedManifest{manifest: m, cachedAt: nowFunc()}
	s.mu.Unlock()

	return m, nil
}

// Playback downloads manifestCID, unwraps the SessionKey with any group
// secret we hold, decrypts every chunk in order verifying both hashes,
// concatenates the plaintext, and finally recomputes the Merkle root from
// the composite leaves and compares it against the ledger's recorded root
// for contentID (spec §4.13).
func (s *Service) Playback(ctx context.Context, contentID [32]byte, chunkDecrypter ChunkDecrypter) ([]byte, error) {
	content, err := s.registry.Content(ctx, contentID)
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch content record")
	}

	m, err := s.fetchManifest(ctx, content.ManifestCID)
	if err != nil {
		return nil, err
	}

	sessionKey, err := s.unwrapSessionKey(m)
	if err != nil {
		return nil, err
	}

	tree := merkle.New()
	var out []byte
	for _, entry := range m.Chunks {
		plaintext, leaf, err := chunkDecrypter.DecryptEntry(ctx, *sessionKey, entry)
		if err != nil {
			return nil, witnesserr.Wrap(witnesserr.CategoryIntegrity, err, "playback halted")
		}
		tree.Insert(leaf)
		out = append(out, plaintext...)
	}

	if len(m.Chunks) > 0 {
		root, _ := tree.Root()
		if hex.EncodeToString(root[:]) != m.MerkleRoot {
			return nil, witnesserr.Wrap(witnesserr.CategoryIntegrity, witnesserr.ErrMerkleRootMismatch, "recomputed manifest root")
		}
		if root != content.MerkleRoot {
			return nil, witnesserr.Wrap(witnesserr.CategoryIntegrity, witnesserr.ErrMerkleRootMismatch, "ledger root")
		}
	}

	return out, nil
}

// unwrapSessionKey tries every group in the manifest's access list for
// which a local secret exists, returning the first successful unwrap.
func (s *Service) unwrapSessionKey(m manifest.Manifest) (*[32]byte, error) {
	for _, access := range m.AccessList {
		groupIDBytes, err := hex.DecodeString(access.GroupID)
		if err != nil || len(groupIDBytes) != 32 {
			continue
		}
		var groupID [32]byte
		copy(groupID[:], groupIDBytes)

		secret, found, err := s.groups.Secret(groupID)
		if err != nil || !found {
			continue
		}

		wrappedKey, err := base64.StdEncoding.DecodeString(access.WrappedKey)
		if err != nil {
			continue
		}
		ivBytes, err := hex.DecodeString(access.IV)
		if err != nil || len(ivBytes) != 12 {
			continue
		}
		var iv [12]byte
		copy(iv[:], ivBytes)

		wk := &wcrypto.WrappedKey{IV: iv, Wrapped: wrappedKey}
		sessionKey, err := wcrypto.UnwrapSessionKeyForChunks(wk, secret)
		if err != nil {
			continue
		}
		return sessionKey, nil
	}
	return nil, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrUnknownGroup, "no group secret available for this content")
}

// ChunkDecrypter abstracts the per-chunk fetch+decrypt+verify step so
// Playback does not depend on the chunk package's object-store wiring
// directly (DefaultChunkDecrypter in chunk_decrypter.go supplies it);
// DecryptEntry must verify both plaintextHash and
// encryptedHash and return the composite Merkle leaf for the chunk.
type ChunkDecrypter interface {
	DecryptEntry(ctx context.Context, sessionKey [32]byte, entry manifest.ChunkEntry) (plaintext []byte, leaf [32]byte, err error)
}
