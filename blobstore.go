package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketBlobs   = "blobs"
	bucketBlobTTL = "blobs_ttl"
	bucketLocks   = "locks"
)

// BlobStore is the abstract key-value store the rest of the gateway depends
// on: JSON blobs with advisory TTL, prefix listing, and a best-effort
// distributed CAS lock. Backed by bbolt.
type BlobStore struct {
	db *bbolt.DB
}

// NewBlobStore opens (and idempotently migrates) the bbolt file at path.
func NewBlobStore(path string) (*BlobStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range []string{bucketBlobs, bucketBlobTTL, bucketLocks} {
			if _, e := tx.CreateBucketIfNotExists([]byte(b)); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BlobStore{db: db}, nil
}

func (s *BlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get reads and JSON-decodes the blob at k into out. Returns (false, nil) if
// the key is absent or has expired.
func (s *BlobStore) Get(k string, out any) (bool, error) {
	var raw []byte
	var expired bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketBlobs)).Get([]byte(k))
		if v == nil {
			return nil
		}
		if exp := tx.Bucket([]byte(bucketBlobTTL)).Get([]byte(k)); exp != nil {
			var expiresAtMs int64
			if err := json.Unmarshal(exp, &expiresAtMs); err == nil && expiresAtMs > 0 {
				if time.Now().UnixMilli() >= expiresAtMs {
					expired = true
					return nil
				}
			}
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		_ = s.Delete(k)
		return false, nil
	}
	if raw == nil {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SetOptions carries the advisory TTL for Set.
type SetOptions struct {
	TTLSec int64
}

// Set overwrites the blob at k with the JSON encoding of v.
func (s *BlobStore) Set(k string, v any, opts SetOptions) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketBlobs)).Put([]byte(k), raw); err != nil {
			return err
		}
		ttlBucket := tx.Bucket([]byte(bucketBlobTTL))
		if opts.TTLSec > 0 {
			expiresAtMs := time.Now().Add(time.Duration(opts.TTLSec) * time.Second).UnixMilli()
			enc, _ := json.Marshal(expiresAtMs)
			return ttlBucket.Put([]byte(k), enc)
		}
		return ttlBucket.Delete([]byte(k))
	})
}

// Delete removes the blob at k (and any TTL marker).
func (s *BlobStore) Delete(k string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketBlobs)).Delete([]byte(k)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketBlobTTL)).Delete([]byte(k))
	})
}

// ListPrefix returns key names beginning with prefix.
func (s *BlobStore) ListPrefix(prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketBlobs)).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

// Acquire attempts to take a best-effort distributed lock. It never blocks:
// it generates a fresh token, writes lock:<name> if and only if the lock
// bucket doesn't already hold a live, unexpired token, and returns the token
// only when the write wins the race within the single bbolt write
// transaction. Returns ("", nil) when the lock is already held.
func (s *BlobStore) Acquire(name string, ttlSec int64) (string, error) {
	tokBytes := make([]byte, 16)
	if _, err := rand.Read(tokBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokBytes)
	key := []byte("lock:" + name)

	var won bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLocks))
		if existing := b.Get(key); existing != nil {
			var rec lockRecord
			if err := json.Unmarshal(existing, &rec); err == nil {
				if rec.ExpiresAtMs > time.Now().UnixMilli() {
					return nil // still held
				}
			}
		}
		rec := lockRecord{Token: token, ExpiresAtMs: time.Now().Add(time.Duration(ttlSec) * time.Second).UnixMilli()}
		enc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(key, enc); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !won {
		return "", nil
	}
	return token, nil
}

// Release deletes the lock only if the current holder's token matches.
func (s *BlobStore) Release(name, token string) error {
	key := []byte("lock:" + name)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLocks))
		existing := b.Get(key)
		if existing == nil {
			return nil
		}
		var rec lockRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return nil
		}
		if rec.Token != token {
			return nil
		}
		return b.Delete(key)
	})
}

type lockRecord struct {
	Token       string
	ExpiresAtMs int64
}
