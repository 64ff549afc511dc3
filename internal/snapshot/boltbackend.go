package snapshot

import (
	"fmt"

	"github.com/boltdb/bolt"
)

var bucketName = []byte("snapshots")

// BoltBackend stores snapshot frames in their own boltdb file, kept
// separate from the event log so a snapshot write never contends with the
// append path's write transactions.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (creating if necessary) a boltdb file at path.
// Convention: pass the event store's DB_PATH with a "_snapshots" suffix.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: init bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

var _ Backend = (*BoltBackend)(nil)

// Put implements Backend.
func (b *BoltBackend) Put(streamID string, frame []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(streamID), frame)
	})
}

// Get implements Backend.
func (b *BoltBackend) Get(streamID string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(streamID))
		if raw != nil {
			out = make([]byte, len(raw))
			copy(out, raw)
		}
		return nil
	})
	return out, out != nil, err
}

// Close closes the underlying boltdb file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
