// Package api provides the HTTP server and routing: the thin adapter
// layer that turns JSON requests into pipeline, schema registry, and
// snapshot store calls.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rootapi "github.com/streamgrid/eventstore/api"
	"github.com/streamgrid/eventstore/internal/auth"
	"github.com/streamgrid/eventstore/internal/config"
	"github.com/streamgrid/eventstore/internal/event"
	"github.com/streamgrid/eventstore/internal/eventstore"
	"github.com/streamgrid/eventstore/internal/metrics"
	"github.com/streamgrid/eventstore/internal/peer"
	"github.com/streamgrid/eventstore/internal/pipeline"
	"github.com/streamgrid/eventstore/internal/schema"
	"github.com/streamgrid/eventstore/internal/snapshot"
)

// Server represents the node's HTTP server: the external client surface
// plus the internal peer-forwarding endpoint.
type Server struct {
	config    *config.Config
	pipeline  *pipeline.Pipeline
	schemas   *schema.Registry
	snapshots *snapshot.Store
	router    chi.Router
	server    *http.Server
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewServer creates a new HTTP server wired to the node's pipeline,
// schema registry, and snapshot store.
func NewServer(cfg *config.Config, pl *pipeline.Pipeline, schemas *schema.Registry, snapshots *snapshot.Store, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		config:    cfg,
		pipeline:  pl,
		schemas:   schemas,
		snapshots: snapshots,
		logger:    logger,
		metrics:   m,
	}
	s.setupRouter()
	return s
}

// Metrics returns the metrics instance for recording custom metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout()))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(rootapi.OpenAPISpec)
	})

	r.Group(func(r chi.Router) {
		if s.config.Security.AuthToken != "" {
			r.Use(s.authMiddleware)
		}

		r.Post("/streams/{stream_id}/events", s.handleAppendEvent)
		r.Get("/streams/{stream_id}/events", s.handleGetEvents)
		r.Post("/streams/{stream_id}/snapshot", s.handleSaveSnapshot)
		r.Get("/streams/{stream_id}/snapshot", s.handleGetSnapshot)

		r.Put("/schemas/{subject}", s.handleUpsertSchema)
		r.Get("/schemas/{subject}", s.handleGetSchema)
		r.Get("/schemas/{subject}/versions", s.handleGetSchemaHistory)
		r.Get("/schemas/{subject}/versions/{version}", s.handleGetSchemaVersion)
		r.Get("/schemas", s.handleListSubjects)
	})

	// Internal peer-forwarding endpoint. It is reached only by another
	// node's peer.Client, never by an external client, so it shares the
	// bearer-token check but never forwards a second time regardless of
	// what its own topology view says.
	r.Group(func(r chi.Router) {
		if s.config.Security.AuthToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Post("/internal/append", s.handleInternalAppend)
	})

	s.router = r
}

// authMiddleware rejects requests whose bearer token does not match the
// configured auth token, comparing in constant time so response latency
// cannot be used to recover the token byte by byte.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	want := []byte(s.config.Security.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(got) <= len(prefix) || got[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got[len(prefix):]), want) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// eventInput is the wire shape of a single event within an append
// request's events array.
type eventInput struct {
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type appendEventRequest struct {
	Events          []eventInput `json:"events"`
	ExpectedVersion *uint64      `json:"expected_version,omitempty"`
	Any             bool         `json:"any,omitempty"`
	NoStream        bool         `json:"no_stream,omitempty"`
}

type appendEventResponse struct {
	Versions  []uint64           `json:"versions"`
	Forwarded bool               `json:"forwarded"`
	Conflict  bool               `json:"conflict,omitempty"`
	Actual    uint64             `json:"actual_version,omitempty"`
	Violation []schema.Violation `json:"violations,omitempty"`
}

func (req appendEventRequest) expectedVersion() event.ExpectedVersion {
	switch {
	case req.Any:
		return event.AnyVersion()
	case req.NoStream:
		return event.NoStreamVersion()
	case req.ExpectedVersion != nil:
		return event.AtVersion(*req.ExpectedVersion)
	default:
		return event.AnyVersion()
	}
}

func (req appendEventRequest) toEvents(streamID string) []event.Event {
	out := make([]event.Event, 0, len(req.Events))
	for _, in := range req.Events {
		out = append(out, event.New(streamID, event.Type(in.Type), []byte(in.Payload), in.Metadata))
	}
	return out
}

// handleAppendEvent is the external AppendEvent entry point: POST
// /streams/{stream_id}/events. It accepts one or more events in a single
// request; they are appended one at a time and the batch aborts on the
// first per-event failure, so a partial response (fewer Versions than
// Events) is possible and is not itself an error.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")

	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events is required and must be non-empty")
		return
	}
	for _, e := range req.Events {
		if e.Type == "" {
			writeError(w, http.StatusBadRequest, "type is required for every event")
			return
		}
	}

	start := time.Now()
	result, err := s.pipeline.Append(r.Context(), event.BatchAppendRequest{
		StreamID:        streamID,
		Events:          req.toEvents(streamID),
		ExpectedVersion: req.expectedVersion(),
	}, false)
	s.recordAppendOutcome(start, err)
	if err != nil {
		s.writeAppendError(w, streamID, err)
		return
	}

	writeJSON(w, http.StatusOK, appendEventResponse{
		Versions:  result.Versions,
		Forwarded: result.Forwarded,
		Violation: result.Violations,
	})
}

// handleInternalAppend is the peer-forwarding entry point:
// AppendEventAsOwner. It always appends locally because a forwarded
// request is, by construction, only ever sent to the node the forwarder
// believes is the owner.
func (s *Server) handleInternalAppend(w http.ResponseWriter, r *http.Request) {
	var req peer.ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed forward request: "+err.Error())
		return
	}

	start := time.Now()
	result, err := s.pipeline.Append(r.Context(), event.BatchAppendRequest{
		StreamID:        req.StreamID,
		Events:          req.Events,
		ExpectedVersion: req.ExpectedVersion,
	}, true)
	s.recordAppendOutcome(start, err)

	var ce *eventstore.ConcurrencyError
	if errors.As(err, &ce) {
		writeJSON(w, http.StatusOK, peer.ForwardResponse{Error: ce.Error(), Conflict: true, Actual: ce.Actual})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, peer.ForwardResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, peer.ForwardResponse{Versions: result.Versions})
}

func (s *Server) recordAppendOutcome(start time.Time, err error) {
	outcome := "ok"
	if eventstore.IsConcurrencyError(err) {
		outcome = "conflict"
	} else if err != nil {
		outcome = "error"
	}
	s.metrics.RecordAppend(s.config.Storage.Type, outcome, time.Since(start))
}

func (s *Server) writeAppendError(w http.ResponseWriter, streamID string, err error) {
	var ce *eventstore.ConcurrencyError
	if errors.As(err, &ce) {
		writeJSON(w, http.StatusConflict, appendEventResponse{Conflict: true, Actual: ce.Actual})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// handleGetEvents is GetEvents: it streams events as newline-delimited
// JSON using chunked transfer encoding, so a caller replaying a long
// stream does not wait for the whole response to buffer.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")

	from := uint64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from version")
			return
		}
		from = parsed
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	events, err := s.pipeline.Read(r.Context(), streamID, from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

type saveSnapshotRequest struct {
	Version   uint64          `json:"version"`
	Timestamp *int64          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")

	var req saveSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = time.Unix(*req.Timestamp, 0).UTC()
	}
	err := s.snapshots.Save(streamID, snapshot.Snapshot{
		Version:   req.Version,
		Timestamp: ts,
		Payload:   req.Payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	snap, err := s.snapshots.Load(streamID)
	if errors.Is(err, snapshot.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]bool{"found": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"found": true, "snapshot": snap})
}

type upsertSchemaRequest struct {
	Fields []schema.Field `json:"fields"`
}

func (s *Server) handleUpsertSchema(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	var req upsertSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	sch, err := s.schemas.Upsert(r.Context(), subject, req.Fields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "version": sch.Version})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	sch, err := s.schemas.Latest(r.Context(), subject)
	if errors.Is(err, schema.ErrSubjectNotFound) {
		writeJSON(w, http.StatusOK, map[string]bool{"found": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"found": true, "schema": sch})
}

func (s *Server) handleGetSchemaVersion(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	version, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	sch, err := s.schemas.At(r.Context(), subject, version)
	if errors.Is(err, schema.ErrSubjectNotFound) || errors.Is(err, schema.ErrVersionNotFound) {
		writeJSON(w, http.StatusOK, map[string]bool{"found": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"found": true, "schema": sch})
}

// handleGetSchemaHistory returns every registered version of a subject,
// replayed from the $schema:<subject> migration log.
func (s *Server) handleGetSchemaHistory(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	history, err := s.schemas.History(r.Context(), subject)
	if errors.Is(err, schema.ErrSubjectNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"versions": []schema.Schema{}})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": history})
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := s.schemas.Subjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subjects": subjects})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	if s.config.Security.TLS.Enabled {
		tlsConfig, err := auth.CreateServerTLSConfig(s.config.Security.TLS)
		if err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		s.server.TLSConfig = tlsConfig
		s.logger.Info("starting server with TLS", slog.String("address", addr))
		return s.server.ListenAndServeTLS("", "") // certs loaded via GetCertificate
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	if s.config.Security.TLS.Enabled {
		return fmt.Sprintf("https://%s", s.config.Address())
	}
	return fmt.Sprintf("http://%s", s.config.Address())
}
