package schema

import (
	"context"
	"fmt"

	"gopkg.in/vmihailenco/msgpack.v2"

	"github.com/streamgrid/eventstore/internal/eventstore"
)

// Registry is the read/write surface over a subject's schema. It holds no
// state of its own: every call goes straight to the storage contract's
// $schema:<subject> migration log and schema:<subject> projection, so a
// schema upsert is durable and replayable the same way an event append
// is, rather than living only in this process's memory.
type Registry struct {
	store eventstore.Storage
}

// NewRegistry builds a Registry backed by store.
func NewRegistry(store eventstore.Storage) *Registry {
	return &Registry{store: store}
}

// Upsert appends the next version of subject's schema to its migration
// log and updates the projection, returning the stored Schema with its
// assigned version.
func (r *Registry) Upsert(ctx context.Context, subject string, fields []Field) (Schema, error) {
	definition, err := msgpack.Marshal(fields)
	if err != nil {
		return Schema{}, fmt.Errorf("schema: encode fields for %q: %w", subject, err)
	}
	version, err := r.store.UpsertSchema(ctx, subject, definition)
	if err != nil {
		return Schema{}, err
	}
	return Schema{Subject: subject, Version: version, Fields: fields}, nil
}

// Latest returns subject's current projection: the most recently
// upserted schema.
func (r *Registry) Latest(ctx context.Context, subject string) (Schema, error) {
	definition, version, _, found, err := r.store.GetSchema(ctx, subject)
	if err != nil {
		return Schema{}, err
	}
	if !found {
		return Schema{}, ErrSubjectNotFound
	}
	fields, err := decodeFields(definition)
	if err != nil {
		return Schema{}, fmt.Errorf("schema: decode projection for %q: %w", subject, err)
	}
	return Schema{Subject: subject, Version: version, Fields: fields}, nil
}

// At returns a specific subject/version pair by replaying the migration
// log, since only the latest version is kept as a projection.
func (r *Registry) At(ctx context.Context, subject string, version uint64) (Schema, error) {
	history, err := r.History(ctx, subject)
	if err != nil {
		return Schema{}, err
	}
	for _, s := range history {
		if s.Version == version {
			return s, nil
		}
	}
	return Schema{}, ErrVersionNotFound
}

// History replays the $schema:<subject> migration stream and returns
// every registered version of subject, oldest first.
func (r *Registry) History(ctx context.Context, subject string) ([]Schema, error) {
	events, err := r.store.Read(ctx, eventstore.SchemaStreamName(subject), 1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrSubjectNotFound
	}
	out := make([]Schema, 0, len(events))
	for _, e := range events {
		fields, err := decodeFields(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("schema: decode migration entry %d for %q: %w", e.Version, subject, err)
		}
		out = append(out, Schema{Subject: subject, Version: e.Version, Fields: fields})
	}
	return out, nil
}

// Subjects lists every subject with at least one registered version.
func (r *Registry) Subjects(ctx context.Context) ([]string, error) {
	return r.store.ListSchemaSubjects(ctx)
}

func decodeFields(definition []byte) ([]Field, error) {
	var fields []Field
	if err := msgpack.Unmarshal(definition, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
