// Package widecolumn implements the storage contract against a remote
// Cassandra/Scylla-compatible cluster, using lightweight transactions
// (LWT) as the optimistic-concurrency primitive: a version is claimed with
// an "INSERT ... IF NOT EXISTS" on the (stream_id, version) primary key,
// so two racing appends can never both win the same version.
package widecolumn

import (
	"context"
	"fmt"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"

	"github.com/streamgrid/eventstore/internal/event"
	"github.com/streamgrid/eventstore/internal/eventstore"
)

// Config describes how to connect to the cluster and which consistency
// levels to use for reads and writes.
type Config struct {
	Hosts            []string
	Keyspace         string
	Username         string
	Password         string
	ReadConsistency  gocql.Consistency
	WriteConsistency gocql.Consistency
	MaxRetries       int
}

// DefaultConfig returns a Config with LocalQuorum consistency on both
// paths, the conventional choice for a store that needs linearizable
// per-partition writes without depending on a single coordinator replica.
func DefaultConfig(hosts []string, keyspace string) Config {
	return Config{
		Hosts:            hosts,
		Keyspace:         keyspace,
		ReadConsistency:  gocql.LocalQuorum,
		WriteConsistency: gocql.LocalQuorum,
		MaxRetries:       3,
	}
}

// Store is a gocql-backed eventstore.Storage.
type Store struct {
	session *gocql.Session
	cfg     Config
}

var _ eventstore.Storage = (*Store)(nil)
var _ eventstore.HealthChecker = (*Store)(nil)

// New connects to the cluster described by cfg and ensures the keyspace's
// schema exists.
func New(cfg Config) (*Store, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = cfg.WriteConsistency
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("widecolumn: create session: %w", err)
	}
	s := &Store{session: session, cfg: cfg}
	if err := s.ensureSchema(); err != nil {
		session.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	if err := s.session.Query(`
		CREATE TABLE IF NOT EXISTS events (
			stream_id text,
			version bigint,
			id text,
			type text,
			payload blob,
			metadata map<text, text>,
			created_at timestamp,
			PRIMARY KEY (stream_id, version)
		)`).Exec(); err != nil {
		return fmt.Errorf("widecolumn: create events table: %w", err)
	}
	if err := s.session.Query(`
		CREATE TABLE IF NOT EXISTS schemas (
			name text PRIMARY KEY,
			definition blob,
			version bigint,
			updated_at timestamp
		)`).Exec(); err != nil {
		return fmt.Errorf("widecolumn: create schemas table: %w", err)
	}
	return nil
}

func (s *Store) readQuery(stmt string, values ...interface{}) *gocql.Query {
	return s.session.Query(stmt, values...).Consistency(s.cfg.ReadConsistency)
}

func (s *Store) writeQuery(stmt string, values ...interface{}) *gocql.Query {
	return s.session.Query(stmt, values...).Consistency(s.cfg.WriteConsistency)
}

// LastVersion implements eventstore.Storage.
func (s *Store) LastVersion(ctx context.Context, streamID string) (uint64, bool, error) {
	var version int64
	err := s.readQuery(
		`SELECT version FROM events WHERE stream_id = ? ORDER BY version DESC LIMIT 1`, streamID,
	).WithContext(ctx).Scan(&version)
	if err == gocql.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("widecolumn: last version: %w", err)
	}
	return uint64(version), true, nil
}

// Append implements eventstore.Storage. It claims the next version via an
// LWT-guarded conditional insert, retrying up to cfg.MaxRetries times if a
// concurrent writer claims the version first and the expectation was Any
// (so the caller wants "the next slot", not a specific one).
func (s *Store) Append(ctx context.Context, req event.AppendRequest) (uint64, error) {
	attempts := s.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		last, exists, err := s.LastVersion(ctx, req.StreamID)
		if err != nil {
			return 0, err
		}

		switch {
		case req.ExpectedVersion.Any:
		case req.ExpectedVersion.NoStream:
			if exists {
				return 0, &eventstore.ConcurrencyError{StreamID: req.StreamID, Expected: 0, Actual: last}
			}
		default:
			// expected version 0 against a stream with no events yet
			// asserts emptiness, which a non-existent stream already
			// satisfies -- it must not be rejected as a conflict.
			if !exists && req.ExpectedVersion.Value == 0 {
				break
			}
			if !exists || last != req.ExpectedVersion.Value {
				return 0, &eventstore.ConcurrencyError{StreamID: req.StreamID, Expected: req.ExpectedVersion.Value, Actual: last}
			}
		}

		candidate := last + 1
		applied, err := s.claimVersion(ctx, req.StreamID, candidate, req.Event)
		if err != nil {
			return 0, err
		}
		if applied {
			return candidate, nil
		}
		if !req.ExpectedVersion.Any {
			// A specific version was asked for and someone else took it
			// first: this is a genuine conflict, not a race to retry.
			actual, _, _ := s.LastVersion(ctx, req.StreamID)
			return 0, &eventstore.ConcurrencyError{StreamID: req.StreamID, Expected: req.ExpectedVersion.Value, Actual: actual}
		}
		// ExpectedVersion.Any: someone else claimed `candidate` first,
		// retry against the new last version.
	}
	return 0, fmt.Errorf("widecolumn: append to %q: exhausted %d retries on LWT contention", req.StreamID, attempts)
}

// claimVersion attempts the conditional insert that is the store's sole
// concurrency primitive: it returns true only if this call's insert is the
// one that was actually applied.
func (s *Store) claimVersion(ctx context.Context, streamID string, version uint64, e event.Event) (bool, error) {
	e.StreamID = streamID
	e.Version = version

	m := map[string]interface{}{}
	ok, err := s.writeQuery(
		`INSERT INTO events (stream_id, version, id, type, payload, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		streamID, int64(version), e.ID, e.Type, e.Payload, e.Metadata, e.CreatedAt,
	).WithContext(ctx).MapScanCAS(m)
	if err != nil {
		return false, fmt.Errorf("widecolumn: claim version %d on %q: %w", version, streamID, err)
	}
	return ok, nil
}

// Read implements eventstore.Storage.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error) {
	stmt := `SELECT version, id, type, payload, metadata, created_at FROM events
	         WHERE stream_id = ? AND version >= ? ORDER BY version ASC`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	iter := s.readQuery(stmt, streamID, int64(fromVersion)).WithContext(ctx).Iter()

	var out []event.Event
	var version int64
	var e event.Event
	for iter.Scan(&version, &e.ID, &e.Type, &e.Payload, &e.Metadata, &e.CreatedAt) {
		e.StreamID = streamID
		e.Version = uint64(version)
		out = append(out, e)
		e = event.Event{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("widecolumn: read %q: %w", streamID, err)
	}
	return out, nil
}

// UpsertSchema implements eventstore.Storage: it appends a Schematic
// event to the $schema:<subject> migration log via the same claim loop
// Append uses, then unconditionally upserts the projection row. The
// migration-log insert is awaited (and, on LWT contention, retried)
// before the projection write is issued, so the projection never gets
// ahead of the log.
func (s *Store) UpsertSchema(ctx context.Context, subject string, definition []byte) (uint64, error) {
	streamID := eventstore.SchemaStreamName(subject)
	version, err := s.Append(ctx, event.AppendRequest{
		StreamID:        streamID,
		Event:           event.New(streamID, event.TypeSchematic, definition, nil),
		ExpectedVersion: event.AnyVersion(),
	})
	if err != nil {
		return 0, fmt.Errorf("widecolumn: append schema migration entry: %w", err)
	}

	now := time.Now().UTC()
	err = s.writeQuery(
		`INSERT INTO schemas (name, definition, version, updated_at) VALUES (?, ?, ?, ?)`,
		subject, definition, int64(version), now,
	).WithContext(ctx).Exec()
	if err != nil {
		return 0, fmt.Errorf("widecolumn: upsert schema projection for %q: %w", subject, err)
	}
	return version, nil
}

// GetSchema implements eventstore.Storage.
func (s *Store) GetSchema(ctx context.Context, subject string) ([]byte, uint64, time.Time, bool, error) {
	var definition []byte
	var version int64
	var updatedAt time.Time
	err := s.readQuery(
		`SELECT definition, version, updated_at FROM schemas WHERE name = ?`, subject,
	).WithContext(ctx).Scan(&definition, &version, &updatedAt)
	if err == gocql.ErrNotFound {
		return nil, 0, time.Time{}, false, nil
	}
	if err != nil {
		return nil, 0, time.Time{}, false, fmt.Errorf("widecolumn: get schema %q: %w", subject, err)
	}
	return definition, uint64(version), updatedAt, true, nil
}

// ListSchemaSubjects implements eventstore.Storage.
func (s *Store) ListSchemaSubjects(ctx context.Context) ([]string, error) {
	iter := s.readQuery(`SELECT name FROM schemas`).WithContext(ctx).Iter()
	var out []string
	var name string
	for iter.Scan(&name) {
		out = append(out, name)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("widecolumn: list schema subjects: %w", err)
	}
	return out, nil
}

// Ping implements eventstore.HealthChecker.
func (s *Store) Ping(ctx context.Context) error {
	return s.readQuery(`SELECT stream_id FROM events LIMIT 1`).WithContext(ctx).Exec()
}

// Close implements eventstore.Storage.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}
