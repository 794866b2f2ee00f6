package objectstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/witness-protocol/core/internal/witnesserr"
)

var bucketObjects = []byte("objects")

// BoltStore is a durable, disk-backed Store: every uploaded chunk/manifest
// is written to a local bolt file before (or in lieu of) reaching the
// external pinning service, so stored objects survive a restart and GC
// can reclaim old content under storage pressure (spec §4.1's
// MinFreeDiskBytes floor). Recovery does not read from this store.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the bolt-backed object cache at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt object store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketObjects)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying bolt file.
func (b *BoltStore) Close() error { return b.db.Close() }

// Upload implements Store.
func (b *BoltStore) Upload(_ context.Context, data []byte, _ string) (UploadResult, error) {
	cid := cidFor(data)
	now := make([]byte, 8)
	binary.BigEndian.PutUint64(now, uint64(time.Now().Unix()))

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketObjects)
		// Entry layout: 8-byte last-touched timestamp, then the raw bytes.
		return bk.Put([]byte(cid), append(now, data...))
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("bolt object store put: %w", err)
	}
	return UploadResult{CID: cid, Size: len(data)}, nil
}

// UploadJSON implements Store.
func (b *BoltStore) UploadJSON(ctx context.Context, obj any) (UploadResult, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return UploadResult{}, fmt.Errorf("marshal object for upload: %w", err)
	}
	return b.Upload(ctx, data, "")
}

// Fetch implements Store.
func (b *BoltStore) Fetch(_ context.Context, cid string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketObjects)
		v := bk.Get([]byte(cid))
		if v == nil || len(v) < 8 {
			return witnesserr.Wrap(witnesserr.CategoryTransport, witnesserr.ErrObjectNotFound, cid)
		}
		out = append([]byte(nil), v[8:]...)
		return nil
	})
	return out, err
}

// GC removes cached objects whose last Upload predates maxAge (Fetch does
// not refresh the timestamp),
// reclaiming local disk space once the external store has had a chance to
// durably pin them.
func (b *BoltStore) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketObjects)
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(v[:8]))
			if ts < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
