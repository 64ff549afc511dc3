package localkv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamgrid/eventstore/internal/event"
	"github.com/streamgrid/eventstore/internal/eventstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAssignsSequentialVersions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	v1, err := store.Append(ctx, event.AppendRequest{
		StreamID:        "orders-1",
		Event:           event.New("orders-1", event.TypeExternal, []byte(`{}`), nil),
		ExpectedVersion: event.NoStreamVersion(),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	v2, err := store.Append(ctx, event.AppendRequest{
		StreamID:        "orders-1",
		Event:           event.New("orders-1", event.TypeExternal, []byte(`{}`), nil),
		ExpectedVersion: event.AtVersion(1),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)
}

func TestAppendRejectsStaleExpectedVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, event.AppendRequest{
		StreamID:        "s",
		Event:           event.New("s", event.TypeExternal, nil, nil),
		ExpectedVersion: event.NoStreamVersion(),
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, event.AppendRequest{
		StreamID:        "s",
		Event:           event.New("s", event.TypeExternal, nil, nil),
		ExpectedVersion: event.NoStreamVersion(),
	})
	require.True(t, eventstore.IsConcurrencyError(err))

	_, err = store.Append(ctx, event.AppendRequest{
		StreamID:        "s",
		Event:           event.New("s", event.TypeExternal, nil, nil),
		ExpectedVersion: event.AtVersion(5),
	})
	require.True(t, eventstore.IsConcurrencyError(err))
}

func TestReadReturnsOrderedEventsFromVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, event.AppendRequest{
			StreamID:        "s",
			Event:           event.New("s", event.TypeExternal, nil, nil),
			ExpectedVersion: event.AnyVersion(),
		})
		require.NoError(t, err)
	}

	events, err := store.Read(ctx, "s", 3, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(3), events[0].Version)
	require.Equal(t, uint64(5), events[2].Version)

	limited, err := store.Read(ctx, "s", 1, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestLastVersionOnEmptyStream(t *testing.T) {
	store := openTestStore(t)
	version, exists, err := store.LastVersion(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, uint64(0), version)
}

func TestStreamsAreIndependent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, event.AppendRequest{StreamID: "a", Event: event.New("a", event.TypeExternal, nil, nil), ExpectedVersion: event.AnyVersion()})
	require.NoError(t, err)
	_, err = store.Append(ctx, event.AppendRequest{StreamID: "b", Event: event.New("b", event.TypeExternal, nil, nil), ExpectedVersion: event.AnyVersion()})
	require.NoError(t, err)

	va, _, _ := store.LastVersion(ctx, "a")
	vb, _, _ := store.LastVersion(ctx, "b")
	require.Equal(t, uint64(1), va)
	require.Equal(t, uint64(1), vb)
}

// AtVersion(0) against a stream that has never been written is the same
// assertion as NoStreamVersion(): it must succeed and assign version 1,
// not be rejected as a conflict against a last-version of 0.
func TestAppendAtVersionZeroOnNewStreamSucceeds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	v, err := store.Append(ctx, event.AppendRequest{
		StreamID:        "fresh",
		Event:           event.New("fresh", event.TypeExternal, nil, nil),
		ExpectedVersion: event.AtVersion(0),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	_, err = store.Append(ctx, event.AppendRequest{
		StreamID:        "fresh",
		Event:           event.New("fresh", event.TypeExternal, nil, nil),
		ExpectedVersion: event.AtVersion(0),
	})
	require.True(t, eventstore.IsConcurrencyError(err))
}

func TestUpsertSchemaWritesMigrationLogAndProjection(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	v1, err := store.UpsertSchema(ctx, "order.created", []byte("def-v1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	v2, err := store.UpsertSchema(ctx, "order.created", []byte("def-v2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	definition, version, _, found, err := store.GetSchema(ctx, "order.created")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), version)
	require.Equal(t, []byte("def-v2"), definition)

	log, err := store.Read(ctx, eventstore.SchemaStreamName("order.created"), 1, 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	require.Equal(t, event.TypeSchematic, log[0].Type)
	require.Equal(t, []byte("def-v1"), log[0].Payload)
	require.Equal(t, []byte("def-v2"), log[1].Payload)

	subjects, err := store.ListSchemaSubjects(ctx)
	require.NoError(t, err)
	require.Contains(t, subjects, "order.created")

	_, _, _, found, err = store.GetSchema(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)
}
