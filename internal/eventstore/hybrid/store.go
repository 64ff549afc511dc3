// Package hybrid composes two eventstore.Storage backends, a fast primary
// and a durable fallback, so a node keeps accepting appends even while its
// remote cluster is unreachable.
package hybrid

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/streamgrid/eventstore/internal/event"
	"github.com/streamgrid/eventstore/internal/eventstore"
)

// Store routes every call to primary first; if primary returns anything
// other than a *eventstore.ConcurrencyError (or, for Read, an error
// wrapping eventstore.ErrStreamNotFound), it falls back to the
// secondary backend. A concurrency conflict is never retried against the
// fallback: it is a correctness signal from primary, not an availability
// failure, and retrying it against a backend with independent state would
// silently violate the OCC contract the caller relied on.
type Store struct {
	primary  eventstore.Storage
	fallback eventstore.Storage
	log      *slog.Logger
}

var _ eventstore.Storage = (*Store)(nil)

// New builds a hybrid Store over primary and fallback.
func New(primary, fallback eventstore.Storage, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{primary: primary, fallback: fallback, log: log}
}

// Append implements eventstore.Storage.
func (s *Store) Append(ctx context.Context, req event.AppendRequest) (uint64, error) {
	version, err := s.primary.Append(ctx, req)
	if err == nil || eventstore.IsConcurrencyError(err) {
		return version, err
	}
	s.log.Warn("primary append failed, falling back", "stream_id", req.StreamID, "error", err)
	return s.fallback.Append(ctx, req)
}

// Read implements eventstore.Storage.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error) {
	events, err := s.primary.Read(ctx, streamID, fromVersion, limit)
	if err == nil {
		return events, nil
	}
	if errors.Is(err, eventstore.ErrStreamNotFound) {
		return events, err
	}
	s.log.Warn("primary read failed, falling back", "stream_id", streamID, "error", err)
	return s.fallback.Read(ctx, streamID, fromVersion, limit)
}

// LastVersion implements eventstore.Storage.
func (s *Store) LastVersion(ctx context.Context, streamID string) (uint64, bool, error) {
	version, exists, err := s.primary.LastVersion(ctx, streamID)
	if err == nil {
		return version, exists, nil
	}
	s.log.Warn("primary last-version failed, falling back", "stream_id", streamID, "error", err)
	return s.fallback.LastVersion(ctx, streamID)
}

// UpsertSchema implements eventstore.Storage.
func (s *Store) UpsertSchema(ctx context.Context, subject string, definition []byte) (uint64, error) {
	version, err := s.primary.UpsertSchema(ctx, subject, definition)
	if err == nil {
		return version, nil
	}
	s.log.Warn("primary schema upsert failed, falling back", "subject", subject, "error", err)
	return s.fallback.UpsertSchema(ctx, subject, definition)
}

// GetSchema implements eventstore.Storage.
func (s *Store) GetSchema(ctx context.Context, subject string) ([]byte, uint64, time.Time, bool, error) {
	definition, version, updatedAt, found, err := s.primary.GetSchema(ctx, subject)
	if err == nil {
		return definition, version, updatedAt, found, nil
	}
	s.log.Warn("primary schema lookup failed, falling back", "subject", subject, "error", err)
	return s.fallback.GetSchema(ctx, subject)
}

// ListSchemaSubjects implements eventstore.Storage.
func (s *Store) ListSchemaSubjects(ctx context.Context) ([]string, error) {
	subjects, err := s.primary.ListSchemaSubjects(ctx)
	if err == nil {
		return subjects, nil
	}
	s.log.Warn("primary schema subject listing failed, falling back", "error", err)
	return s.fallback.ListSchemaSubjects(ctx)
}

// Close closes both backends, returning the first error encountered.
func (s *Store) Close() error {
	err1 := s.primary.Close()
	err2 := s.fallback.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
