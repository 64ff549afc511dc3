package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m)
	require.NotNil(t, m.RequestsTotal)
	require.NotNil(t, m.AppendsTotal)
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.RequestsTotal.WithLabelValues("POST", "/streams/{stream_id}/events", "200").Inc()

	handler := m.Handler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	require.Contains(t, string(body), "eventstore_requests_total")
	require.Contains(t, string(body), "go_")
}

func TestMetricsMiddleware(t *testing.T) {
	m := New()
	var called bool
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/streams/orders-1/events", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRecordAppend(t *testing.T) {
	m := New()
	m.RecordAppend("localkv", "ok", 5*time.Millisecond)
	m.RecordAppend("localkv", "conflict", time.Millisecond)
}

func TestRecordForward(t *testing.T) {
	m := New()
	m.RecordForward("ok")
	m.RecordForward("error")
}

func TestRecordStorageOperation(t *testing.T) {
	m := New()
	m.RecordStorageOperation("localkv", "append", 10*time.Millisecond, nil)
	m.RecordStorageOperation("widecolumn", "append", 50*time.Millisecond, io.EOF)
}

func TestRecordSchemaViolation(t *testing.T) {
	m := New()
	m.RecordSchemaViolation("order.created", "soft-fail")
}

func TestSetQueueDepth(t *testing.T) {
	m := New()
	m.SetQueueDepth("3", 42)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/streams/orders-1/events", "/streams/{stream_id}/events"},
		{"/streams/orders-1/snapshot", "/streams/{stream_id}/snapshot"},
		{"/schemas/order.created", "/schemas/{subject}"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, normalizePath(tt.input))
	}
}

func TestStartsWith(t *testing.T) {
	require.True(t, startsWith("/streams/s", "/streams/"))
	require.False(t, startsWith("/schemas/s", "/streams/"))
}

func TestContains(t *testing.T) {
	require.True(t, contains("/streams/s/events", "/events"))
	require.False(t, contains("/streams/s", "/events"))
}

