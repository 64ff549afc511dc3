package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamgrid/eventstore/internal/config"
	"github.com/streamgrid/eventstore/internal/event"
	"github.com/streamgrid/eventstore/internal/eventstore"
	"github.com/streamgrid/eventstore/internal/metrics"
	"github.com/streamgrid/eventstore/internal/peer"
	"github.com/streamgrid/eventstore/internal/pipeline"
	"github.com/streamgrid/eventstore/internal/schema"
	"github.com/streamgrid/eventstore/internal/snapshot"
	"github.com/streamgrid/eventstore/internal/topology"
	"github.com/streamgrid/eventstore/internal/worker"
)

type memStore struct {
	mu       sync.Mutex
	events   map[string][]event.Event
	projects map[string]struct {
		definition []byte
		version    uint64
		updatedAt  time.Time
	}
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string][]event.Event),
		projects: make(map[string]struct {
			definition []byte
			version    uint64
			updatedAt  time.Time
		}),
	}
}

func (m *memStore) Append(ctx context.Context, req event.AppendRequest) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := uint64(len(m.events[req.StreamID]))
	if !req.ExpectedVersion.Any && !(req.ExpectedVersion.NoStream || req.ExpectedVersion.Value == 0) && req.ExpectedVersion.Value != last {
		return 0, &eventstore.ConcurrencyError{StreamID: req.StreamID, Expected: req.ExpectedVersion.Value, Actual: last}
	}
	if !req.ExpectedVersion.Any && (req.ExpectedVersion.NoStream || req.ExpectedVersion.Value == 0) && last != 0 {
		return 0, &eventstore.ConcurrencyError{StreamID: req.StreamID, Expected: 0, Actual: last}
	}
	req.Event.Version = last + 1
	m.events[req.StreamID] = append(m.events[req.StreamID], req.Event)
	return req.Event.Version, nil
}

func (m *memStore) Read(ctx context.Context, streamID string, from uint64, limit int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[streamID], nil
}

func (m *memStore) LastVersion(ctx context.Context, streamID string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.events[streamID])
	return uint64(n), n > 0, nil
}

func (m *memStore) UpsertSchema(ctx context.Context, subject string, definition []byte) (uint64, error) {
	version, err := m.Append(ctx, event.AppendRequest{
		StreamID:        eventstore.SchemaStreamName(subject),
		Event:           event.New(eventstore.SchemaStreamName(subject), event.TypeSchematic, definition, nil),
		ExpectedVersion: event.AnyVersion(),
	})
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[subject] = struct {
		definition []byte
		version    uint64
		updatedAt  time.Time
	}{definition: definition, version: version, updatedAt: time.Now().UTC()}
	return version, nil
}

func (m *memStore) GetSchema(ctx context.Context, subject string) ([]byte, uint64, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[subject]
	if !ok {
		return nil, 0, time.Time{}, false, nil
	}
	return p.definition, p.version, p.updatedAt, true, nil
}

func (m *memStore) ListSchemaSubjects(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.projects))
	for subject := range m.projects {
		out = append(out, subject)
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

var _ eventstore.Storage = (*memStore)(nil)

type memBackend struct {
	mu     sync.Mutex
	frames map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{frames: make(map[string][]byte)} }

func (b *memBackend) Put(streamID string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames[streamID] = frame
	return nil
}

func (b *memBackend) Get(streamID string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.frames[streamID]
	return f, ok, nil
}

func newTestServer(t *testing.T, authToken string) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.ID = "solo"
	cfg.Security.AuthToken = authToken

	store := newMemStore()
	topo := topology.New("solo", "ignored")
	pl := pipeline.New(pipeline.Config{
		Topology:         topo,
		Pool:             worker.New(4, 16),
		Store:            store,
		Validator:        schema.NewValidator(nil),
		Schemas:          schema.NewRegistry(store),
		ValidationPolicy: schema.PolicySoftFail,
		Peers:            peer.New("", 0),
	})

	return NewServer(cfg, pl, schema.NewRegistry(store), snapshot.NewStore(newMemBackend()), nil, metrics.New())
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHandleAppendEventAndGetEvents(t *testing.T) {
	s := newTestServer(t, "")

	rr := doJSON(t, s, http.MethodPost, "/streams/orders-1/events", map[string]interface{}{
		"events": []map[string]interface{}{
			{"type": "order.created", "payload": map[string]string{"id": "1"}},
		},
		"no_stream": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp appendEventResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, []uint64{1}, resp.Versions)

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/streams/orders-1/events", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "order.created")
}

func TestHandleAppendEventBatch(t *testing.T) {
	s := newTestServer(t, "")

	rr := doJSON(t, s, http.MethodPost, "/streams/orders-batch/events", map[string]interface{}{
		"events": []map[string]interface{}{
			{"type": "order.created", "payload": map[string]string{"id": "1"}},
			{"type": "order.shipped", "payload": map[string]string{"id": "1"}},
		},
		"no_stream": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp appendEventResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, []uint64{1, 2}, resp.Versions)
}

func TestHandleAppendEventConflict(t *testing.T) {
	s := newTestServer(t, "")

	rr := doJSON(t, s, http.MethodPost, "/streams/orders-2/events", map[string]interface{}{
		"events":           []map[string]interface{}{{"type": "order.created", "payload": map[string]string{}}},
		"expected_version": 5,
	})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, "secret")

	rr := httptest.NewRequest(http.MethodGet, "/streams/x/events", nil)
	resp := httptest.NewRecorder()
	s.Router().ServeHTTP(resp, rr)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	rr = httptest.NewRequest(http.MethodGet, "/streams/x/events", nil)
	rr.Header.Set("Authorization", "Bearer secret")
	resp = httptest.NewRecorder()
	s.Router().ServeHTTP(resp, rr)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthAndMetricsAreAlwaysPublic(t *testing.T) {
	s := newTestServer(t, "secret")

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestSchemaRegistrationRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rr := doJSON(t, s, http.MethodPut, "/schemas/order.created", map[string]interface{}{
		"fields": []schema.Field{{Name: "id", Type: schema.FieldType{Kind: schema.KindString}, Required: true}},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/schemas/order.created", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"found":true`)

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/schemas/order.created/versions", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestSnapshotRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rr := doJSON(t, s, http.MethodPost, "/streams/orders-3/snapshot", map[string]interface{}{
		"version": 7, "payload": map[string]int{"total": 3},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/streams/orders-3/snapshot", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"found":true`)
}

func TestSnapshotRoundTripsCallerTimestamp(t *testing.T) {
	s := newTestServer(t, "")
	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC).Unix()

	rr := doJSON(t, s, http.MethodPost, "/streams/orders-ts/snapshot", map[string]interface{}{
		"version": 1, "timestamp": ts, "payload": map[string]int{"total": 1},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/streams/orders-ts/snapshot", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Found    bool `json:"found"`
		Snapshot struct {
			Timestamp time.Time `json:"timestamp"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Found)
	require.Equal(t, ts, body.Snapshot.Timestamp.Unix())
}

func TestInternalAppendEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	rr := doJSON(t, s, http.MethodPost, "/internal/append", peer.ForwardRequest{
		StreamID:        "orders-4",
		Events:          []event.Event{event.New("orders-4", event.TypeExternal, nil, nil)},
		ExpectedVersion: event.NoStreamVersion(),
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp peer.ForwardResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, []uint64{1}, resp.Versions)
}
