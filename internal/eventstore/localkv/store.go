// Package localkv implements the storage contract on top of an embedded
// boltdb file, the backend a single node uses when it owns a stream and
// has no remote wide-column cluster configured (or as the fast primary of
// a hybrid backend).
package localkv

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"gopkg.in/vmihailenco/msgpack.v2"

	"github.com/streamgrid/eventstore/internal/event"
	"github.com/streamgrid/eventstore/internal/eventstore"
)

var (
	eventsBucket   = []byte("events")
	versionsBucket = []byte("stream_versions")
	schemasBucket  = []byte("schemas")
)

// Store is a boltdb-backed eventstore.Storage. All writes go through a
// single bolt.Update transaction, which serializes them across the whole
// database; this trivially satisfies the per-stream linearizability
// requirement at the cost of cross-stream write parallelism: every worker
// of the pool shares this one Store, so writes from different workers
// still commit one at a time.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a boltdb file at path and ensures its buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("localkv: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(eventsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(versionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(schemasBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localkv: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

var _ eventstore.Storage = (*Store)(nil)

func eventKey(streamID string, version uint64) []byte {
	key := make([]byte, len(streamID)+1+8)
	copy(key, streamID)
	key[len(streamID)] = 0
	binary.BigEndian.PutUint64(key[len(streamID)+1:], version)
	return key
}

func streamPrefix(streamID string) []byte {
	prefix := make([]byte, len(streamID)+1)
	copy(prefix, streamID)
	prefix[len(streamID)] = 0
	return prefix
}

// appendEventTx is the shared core of every append against this backend,
// used both by the public Append (client events) and by UpsertSchema (the
// $schema:<subject> migration log): it resolves the stream's current
// tail, checks expected against it, and writes the event and the bumped
// tail in the same bolt transaction the caller already holds open.
func appendEventTx(events, versions *bolt.Bucket, streamID string, e event.Event, expected event.ExpectedVersion) (uint64, error) {
	last, exists := readVersion(versions, streamID)

	switch {
	case expected.Any:
		// no check
	case expected.NoStream:
		if exists {
			return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: 0, Actual: last}
		}
	default:
		// expected.Value == 0 against a stream that has never been
		// written asserts the same thing NoStream does: it must succeed
		// and claim version 1, not be treated as a mismatch against a
		// tail of 0 that doesn't really exist yet.
		if !exists && expected.Value == 0 {
			break
		}
		if !exists || last != expected.Value {
			return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: expected.Value, Actual: last}
		}
	}

	assigned := last + 1
	e.StreamID = streamID
	e.Version = assigned

	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return 0, fmt.Errorf("localkv: encode event: %w", err)
	}
	if err := events.Put(eventKey(streamID, assigned), raw); err != nil {
		return 0, fmt.Errorf("localkv: put event: %w", err)
	}
	if err := writeVersion(versions, streamID, assigned); err != nil {
		return 0, fmt.Errorf("localkv: put version: %w", err)
	}
	return assigned, nil
}

// Append implements eventstore.Storage.
func (s *Store) Append(ctx context.Context, req event.AppendRequest) (uint64, error) {
	var assigned uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		assigned, err = appendEventTx(tx.Bucket(eventsBucket), tx.Bucket(versionsBucket), req.StreamID, req.Event, req.ExpectedVersion)
		return err
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// Read implements eventstore.Storage.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error) {
	var out []event.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket)
		c := events.Cursor()
		prefix := streamPrefix(streamID)
		start := eventKey(streamID, fromVersion)
		for k, v := c.Seek(start); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e event.Event
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("localkv: decode event: %w", err)
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastVersion implements eventstore.Storage.
func (s *Store) LastVersion(ctx context.Context, streamID string) (uint64, bool, error) {
	var version uint64
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		version, exists = readVersion(tx.Bucket(versionsBucket), streamID)
		return nil
	})
	return version, exists, err
}

// schemaProjection is the encoded value held in schemasBucket, keyed by
// subject. It mirrors the migration log's latest entry so GetSchema does
// not need to replay the stream on every read.
type schemaProjection struct {
	Definition []byte    `msgpack:"definition"`
	Version    uint64    `msgpack:"version"`
	UpdatedAt  time.Time `msgpack:"updated_at"`
}

// UpsertSchema implements eventstore.Storage. It appends a Schematic
// event to $schema:<subject> and then updates the projection row in the
// same bolt transaction, so both commit together -- the migration-log
// write happens first in program order, satisfying the ordering clause
// without needing two separate transactions.
func (s *Store) UpsertSchema(ctx context.Context, subject string, definition []byte) (uint64, error) {
	streamID := eventstore.SchemaStreamName(subject)
	now := time.Now().UTC()

	var assigned uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		e := event.New(streamID, event.TypeSchematic, definition, nil)
		var err error
		assigned, err = appendEventTx(tx.Bucket(eventsBucket), tx.Bucket(versionsBucket), streamID, e, event.AnyVersion())
		if err != nil {
			return fmt.Errorf("localkv: append schema migration entry: %w", err)
		}

		raw, err := msgpack.Marshal(&schemaProjection{Definition: definition, Version: assigned, UpdatedAt: now})
		if err != nil {
			return fmt.Errorf("localkv: encode schema projection: %w", err)
		}
		return tx.Bucket(schemasBucket).Put([]byte(subject), raw)
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// GetSchema implements eventstore.Storage.
func (s *Store) GetSchema(ctx context.Context, subject string) ([]byte, uint64, time.Time, bool, error) {
	var proj schemaProjection
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(schemasBucket).Get([]byte(subject))
		if raw == nil {
			return nil
		}
		found = true
		if err := msgpack.Unmarshal(raw, &proj); err != nil {
			return fmt.Errorf("localkv: decode schema projection: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, time.Time{}, false, err
	}
	if !found {
		return nil, 0, time.Time{}, false, nil
	}
	return proj.Definition, proj.Version, proj.UpdatedAt, true, nil
}

// ListSchemaSubjects implements eventstore.Storage.
func (s *Store) ListSchemaSubjects(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(schemasBucket).ForEach(func(k, v []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Close implements eventstore.Storage.
func (s *Store) Close() error {
	return s.db.Close()
}

func readVersion(b *bolt.Bucket, streamID string) (uint64, bool) {
	raw := b.Get([]byte(streamID))
	if raw == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

func writeVersion(b *bolt.Bucket, streamID string, version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return b.Put([]byte(streamID), buf)
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
