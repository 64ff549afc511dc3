// Package eventstore defines the storage contract every backend (local
// embedded KV, remote wide-column, or a hybrid of the two) must satisfy,
// and the structured errors operations on it can return.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamgrid/eventstore/internal/event"
)

// Sentinel errors a Storage implementation can wrap with
// fmt.Errorf("...: %w", ErrX) so callers can match them with errors.Is.
// The backends in this module report a missing stream as an empty result
// rather than ErrStreamNotFound, and wrap their I/O and encoding failures
// without any of these sentinels.
var (
	ErrStreamNotFound = errors.New("eventstore: stream not found")
	ErrEventNotFound  = errors.New("eventstore: event not found")
	ErrClosed         = errors.New("eventstore: storage closed")
)

// ConcurrencyError is returned when an append's ExpectedVersion did not
// match the stream's actual last version at commit time. It carries both
// values so callers can decide whether to retry.
type ConcurrencyError struct {
	StreamID string
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("eventstore: concurrency conflict on stream %q: expected version %d, actual %d",
		e.StreamID, e.Expected, e.Actual)
}

// IsConcurrencyError reports whether err is (or wraps) a *ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// Storage is the contract every backend must satisfy. Implementations must
// guarantee that, for a single stream ID, Append calls are linearizable:
// two concurrent appends racing on the same stream must not both succeed
// with the same resulting version. There is no cross-stream atomicity
// requirement.
type Storage interface {
	// Append writes req.Event to req.StreamID at the next version after
	// checking req.ExpectedVersion against the stream's current last
	// version. On success it returns the assigned version. On an
	// optimistic-concurrency mismatch it returns a *ConcurrencyError.
	Append(ctx context.Context, req event.AppendRequest) (version uint64, err error)

	// Read returns events on streamID with version >= fromVersion, in
	// ascending version order, up to limit events (0 means no limit).
	Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error)

	// LastVersion returns the highest version written to streamID, or 0 if
	// the stream does not exist (distinguished by the returned bool).
	LastVersion(ctx context.Context, streamID string) (version uint64, exists bool, err error)

	// UpsertSchema appends one Schematic event to the migration stream
	// $schema:<subject> carrying definition as its payload, then updates
	// the subject's projection row. The migration-log append must be
	// visible before the projection update is applied. It returns the
	// version assigned to the new migration-log entry.
	UpsertSchema(ctx context.Context, subject string, definition []byte) (version uint64, err error)

	// GetSchema returns subject's current projection: the definition
	// from the most recent UpsertSchema call, its migration-log version,
	// and when it was written. found is false if subject has never been
	// registered.
	GetSchema(ctx context.Context, subject string) (definition []byte, version uint64, updatedAt time.Time, found bool, err error)

	// ListSchemaSubjects returns every subject with a projection, in no
	// particular order.
	ListSchemaSubjects(ctx context.Context) ([]string, error)

	// Close releases any resources (connections, file handles) held by
	// the backend. It must be safe to call more than once.
	Close() error
}

// HealthChecker is implemented by backends that can report their own
// liveness independent of the Storage contract (e.g. a round trip to a
// remote cluster). Not every backend needs to support this.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// SchemaStreamName returns the name of the migration-log stream that
// records every Schematic event upsert for subject.
func SchemaStreamName(subject string) string {
	return "$schema:" + subject
}
