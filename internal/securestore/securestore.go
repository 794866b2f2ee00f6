// Package securestore implements SecureStore (spec §4.5): an
// envelope-encrypted, persistent key/value store for group secrets,
// identity, and local attestation receipts. It is bolt-backed, following
// the teacher's durable-queue pattern of using a single bucket keyed by a
// caller-chosen logical name.
package securestore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	wcrypto "github.com/witness-protocol/core/internal/crypto"
	"github.com/witness-protocol/core/internal/witnesserr"
)

var bucketSecureStore = []byte("secure_store")

// envelope is the on-disk representation of one encrypted record: a fresh
// IV per write, AES-256-GCM ciphertext of the caller's JSON payload.
type envelope struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store is an envelope-encrypted persistent key/value store. All records
// are encrypted under a single MasterKey held in memory for the life of
// the owning session; Close clears nothing from disk (that's Clear's job)
// and only closes the bolt file; the MasterKey stays in the Store value.
type Store struct {
	db        *bolt.DB
	masterKey [32]byte
	mu        sync.Mutex
}

// Open opens (creating if absent) the bolt-backed store at path, encrypting
// records under masterKey.
func Open(path string, masterKey [32]byte) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryStorage, err, "open secure store")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSecureStore)
		return e
	}); err != nil {
		db.Close()
		return nil, witnesserr.Wrap(witnesserr.CategoryStorage, err, "init secure store bucket")
	}
	return &Store{db: db, masterKey: masterKey}, nil
}

// PutJSON performs an atomic read-modify-write: marshal v, envelope-encrypt
// with a fresh IV, and store it under key.
func (s *Store) PutJSON(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal secure store record %q: %w", key, err)
	}

	ivBytes, err := wcrypto.RandomBytes(12)
	if err != nil {
		return err
	}
	ciphertext, err := wcrypto.Seal(s.masterKey[:], ivBytes, []byte(key), plaintext)
	if err != nil {
		return witnesserr.Wrap(witnesserr.CategoryCrypto, err, "encrypt secure store record")
	}

	env := envelope{IV: ivBytes, Ciphertext: ciphertext}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for %q: %w", key, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecureStore)
		return b.Put([]byte(key), envBytes)
	})
}

// GetJSON decrypts the record at key into v. Returns found=false with a nil
// error when the key is absent.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var envBytes []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecureStore)
		val := b.Get([]byte(key))
		if val != nil {
			envBytes = append([]byte(nil), val...)
		}
		return nil
	})
	if err != nil {
		return false, witnesserr.Wrap(witnesserr.CategoryStorage, err, "read secure store record")
	}
	if envBytes == nil {
		return false, nil
	}

	var env envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return false, fmt.Errorf("unmarshal envelope for %q: %w", key, err)
	}

	plaintext, err := wcrypto.Open(s.masterKey[:], env.IV, []byte(key), env.Ciphertext)
	if err != nil {
		return false, witnesserr.Wrap(witnesserr.CategoryCrypto, witnesserr.ErrAuthenticationFailed, "decrypt secure store record "+key)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return false, fmt.Errorf("unmarshal decrypted record %q: %w", key, err)
	}
	return true, nil
}

// Delete removes a record entirely.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecureStore).Delete([]byte(key))
	})
}

// Clear removes every record — invoked on logout.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketSecureStore); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketSecureStore)
		return err
	})
}

// Close releases the underlying bolt database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
