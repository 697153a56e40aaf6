package piecestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	resumeBucket  = "resume_hints"
	schemaVersion = 1
)

// ErrResumeCacheClosed is returned by operations on a ResumeCache after
// Close has been called.
var ErrResumeCacheClosed = errors.New("resume cache closed")

// ResumeCache persists the piece_to_slot table from the end of a
// session, keyed by an opaque caller-supplied key (typically a
// manifest's info hash string), so the next Scan can try the
// previously-bound piece first at each slot instead of always
// searching ascending from scratch. It never substitutes for
// verification: Scan still hashes and compares every slot against the
// manifest's digest table regardless of what the cache says, so a
// stale or missing entry only costs scan time, never correctness.
//
// Bucket layout is one bucket per concern, holding one JSON blob per
// key.
type ResumeCache struct {
	db *bbolt.DB
}

// OpenResumeCache opens (creating if necessary) a bbolt-backed resume
// cache at path.
func OpenResumeCache(path string) (*ResumeCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open resume cache: %w", err)
	}

	c := &ResumeCache{db: db}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *ResumeCache) init() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(resumeBucket))
		if err != nil {
			return fmt.Errorf("create resume hints bucket: %w", err)
		}
		return bucket.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
}

// Close releases the underlying database file.
func (c *ResumeCache) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Save persists pieceToSlot under key, overwriting any prior entry.
func (c *ResumeCache) Save(key string, pieceToSlot []int) error {
	if c.db == nil {
		return ErrResumeCacheClosed
	}

	data, err := json.Marshal(pieceToSlot)
	if err != nil {
		return fmt.Errorf("marshal resume hint: %w", err)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("resume hints bucket not found")
		}
		return bucket.Put([]byte(key), data)
	})
}

// Load returns the piece_to_slot table previously saved under key, and
// false if no entry exists.
func (c *ResumeCache) Load(key string) ([]int, bool, error) {
	if c.db == nil {
		return nil, false, ErrResumeCacheClosed
	}

	var data []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("resume hints bucket not found")
		}
		v := bucket.Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}

	var pieceToSlot []int
	if err := json.Unmarshal(data, &pieceToSlot); err != nil {
		return nil, false, fmt.Errorf("unmarshal resume hint: %w", err)
	}

	return pieceToSlot, true, nil
}
