// Package event defines the append-only event record appended to streams.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed-but-extensible event kind tag: recognized values are
// enumerated below, but the wire format accepts any non-empty string so a
// future kind can show up in a mixed-version cluster without breaking
// decode. Use IsKnown to tell the two cases apart.
type Type string

const (
	TypeInternal      Type = "Internal"
	TypeSchematic     Type = "Schematic"
	TypeTransactional Type = "Transactional"
	TypeExternal      Type = "External"
)

// IsKnown reports whether t is one of the recognized event kinds.
func (t Type) IsKnown() bool {
	switch t {
	case TypeInternal, TypeSchematic, TypeTransactional, TypeExternal:
		return true
	default:
		return false
	}
}

// Event is a single immutable record appended to a stream at a specific
// sequence Version. Version is assigned by the owning node, not the client.
type Event struct {
	ID        string            `msgpack:"id"`
	StreamID  string            `msgpack:"stream_id"`
	Version   uint64            `msgpack:"version"`
	Type      Type              `msgpack:"type"`
	Payload   []byte            `msgpack:"payload"`
	Metadata  map[string]string `msgpack:"metadata,omitempty"`
	CreatedAt time.Time         `msgpack:"created_at"`
}

// New builds an Event for appending. Version is filled in by the store at
// commit time; ID is a time-ordered UUIDv7, so IDs sort close to
// insertion order even across streams.
func New(streamID string, eventType Type, payload []byte, metadata map[string]string) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{
		ID:        id.String(),
		StreamID:  streamID,
		Type:      eventType,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// AppendRequest is the intent to append a single event to a stream at
// storage-contract granularity, carrying the optimistic-concurrency
// expectation for that stream. Storage.Append only ever sees one event at
// a time; batching multiple events into a stream is a pipeline-level
// concern (see BatchAppendRequest) built out of repeated single-event
// appends.
type AppendRequest struct {
	StreamID        string
	Event           Event
	ExpectedVersion ExpectedVersion
}

// BatchAppendRequest is the client-facing intent to append one or more
// events to a stream. It is not atomic across events: the pipeline appends
// them one at a time, bumping the expected version after each success, and
// aborts the remainder of the batch on the first failure.
type BatchAppendRequest struct {
	StreamID        string
	Events          []Event
	ExpectedVersion ExpectedVersion
}

// ExpectedVersion encodes the three ways a caller can express an
// optimistic-concurrency expectation for an append.
type ExpectedVersion struct {
	// Any, when true, means the append is unconditional: append after
	// whatever the current last version happens to be.
	Any bool
	// NoStream, when true, means the append must be the stream's first
	// event; the stream must not already exist.
	NoStream bool
	// Value is the last version the caller observed; the append is only
	// accepted if the stream's current last version equals Value. Value
	// == 0 asserts the stream is empty or has never been written, and is
	// satisfied by a non-existent stream just as NoStream is. Only
	// meaningful when Any and NoStream are both false.
	Value uint64
}

// AnyVersion expresses "append regardless of current state".
func AnyVersion() ExpectedVersion { return ExpectedVersion{Any: true} }

// NoStreamVersion expresses "this must be the first event on the stream".
func NoStreamVersion() ExpectedVersion { return ExpectedVersion{NoStream: true} }

// AtVersion expresses "append only if the stream's last version is v".
func AtVersion(v uint64) ExpectedVersion { return ExpectedVersion{Value: v} }
