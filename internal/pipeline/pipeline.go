// Package pipeline is the ingest entry point: it decides whether an
// append belongs to this node or must be forwarded, runs schema
// validation, and serializes the actual write through the worker pool.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamgrid/eventstore/internal/event"
	"github.com/streamgrid/eventstore/internal/eventstore"
	"github.com/streamgrid/eventstore/internal/peer"
	"github.com/streamgrid/eventstore/internal/schema"
	"github.com/streamgrid/eventstore/internal/topology"
	"github.com/streamgrid/eventstore/internal/worker"
)

// Pipeline ties together ownership routing, validation and the OCC
// storage write for every append that enters this node.
type Pipeline struct {
	topo      *topology.Topology
	pool      *worker.Pool
	store     eventstore.Storage
	validator *schema.Validator
	schemas   *schema.Registry
	policy    schema.Policy
	peers     *peer.Client
	log       *slog.Logger
}

// Config collects Pipeline's dependencies.
type Config struct {
	Topology         *topology.Topology
	Pool             *worker.Pool
	Store            eventstore.Storage
	Validator        *schema.Validator
	Schemas          *schema.Registry
	ValidationPolicy schema.Policy
	Peers            *peer.Client
	Log              *slog.Logger
}

// New builds a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		topo:      cfg.Topology,
		pool:      cfg.Pool,
		store:     cfg.Store,
		validator: cfg.Validator,
		schemas:   cfg.Schemas,
		policy:    cfg.ValidationPolicy,
		peers:     cfg.Peers,
		log:       log,
	}
}

// Result reports the outcome of an append that this node ultimately
// resolved, whether handled locally or forwarded to the owner. Versions
// holds one assigned version per event that was actually persisted,
// shorter than the request's event count if the batch was aborted partway
// through.
type Result struct {
	Versions   []uint64
	Forwarded  bool
	Violations []schema.Violation
}

// Append routes req to whichever node owns req.StreamID. If this node is
// the owner it validates and writes locally through the worker pool; if
// isForwarded is true it must not forward again (that request has already
// been forwarded once and a second hop means the caller has a stale
// topology view -- treated as a local write attempt regardless of
// ownership, since refusing it outright would strand the client).
func (p *Pipeline) Append(ctx context.Context, req event.BatchAppendRequest, isForwarded bool) (Result, error) {
	if !isForwarded && !p.topo.IsOwner(req.StreamID) {
		owner := p.topo.Owner(req.StreamID)
		address, ok := p.topo.Address(owner)
		if !ok {
			return Result{}, fmt.Errorf("pipeline: no known address for owner %q of stream %q", owner, req.StreamID)
		}
		resp, err := p.peers.Forward(ctx, address, peer.ForwardRequest{
			StreamID:        req.StreamID,
			Events:          req.Events,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			return Result{}, fmt.Errorf("pipeline: forward to owner %q: %w", owner, err)
		}
		if resp.Error != "" {
			if resp.Conflict {
				return Result{}, &eventstore.ConcurrencyError{StreamID: req.StreamID, Expected: req.ExpectedVersion.Value, Actual: resp.Actual}
			}
			return Result{}, fmt.Errorf("pipeline: owner %q rejected append: %s", owner, resp.Error)
		}
		return Result{Versions: resp.Versions, Forwarded: true}, nil
	}

	return p.appendLocal(ctx, req)
}

func (p *Pipeline) appendLocal(ctx context.Context, req event.BatchAppendRequest) (Result, error) {
	var violations []schema.Violation
	for _, e := range req.Events {
		s, err := p.schemas.Latest(ctx, string(e.Type))
		if err != nil {
			continue
		}
		v, verr := p.validator.ValidateAndDecide(s, e.Payload, p.policy)
		if verr != nil {
			return Result{}, verr
		}
		violations = append(violations, v...)
	}

	type outcome struct {
		versions []uint64
		err      error
	}
	done := make(chan outcome, 1)

	err := p.pool.Submit(ctx, worker.Job{
		Stream: req.StreamID,
		Run: func(jobCtx context.Context) {
			versions, err := p.appendBatch(jobCtx, req)
			done <- outcome{versions: versions, err: err}
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: submit: %w", err)
	}

	select {
	case o := <-done:
		if o.err != nil {
			return Result{}, o.err
		}
		return Result{Versions: o.versions, Violations: violations}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// appendBatch persists req.Events one at a time, bumping the locally
// tracked tail after each successful single-event append and aborting the
// remainder of the batch on the first failure. It is not atomic across
// events: a batch that fails partway through leaves its already-persisted
// events in place, matching the non-transactional guarantee the client
// was given.
func (p *Pipeline) appendBatch(ctx context.Context, req event.BatchAppendRequest) ([]uint64, error) {
	current, err := p.resolveStartVersion(ctx, req.StreamID, req.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	versions := make([]uint64, 0, len(req.Events))
	for _, e := range req.Events {
		assigned, err := p.store.Append(ctx, event.AppendRequest{
			StreamID:        req.StreamID,
			Event:           e,
			ExpectedVersion: event.AtVersion(current),
		})
		if err != nil {
			return versions, err
		}
		versions = append(versions, assigned)
		current = assigned
	}
	return versions, nil
}

// resolveStartVersion turns the batch's single ExpectedVersion into the
// concrete tail the first event's append should assert against: Any
// fetches the stream's current tail so the batch appends after whatever
// is already there, NoStream asserts an empty stream (tail 0), and a
// specific value is used as given.
func (p *Pipeline) resolveStartVersion(ctx context.Context, streamID string, ev event.ExpectedVersion) (uint64, error) {
	switch {
	case ev.Any:
		last, _, err := p.store.LastVersion(ctx, streamID)
		return last, err
	case ev.NoStream:
		return 0, nil
	default:
		return ev.Value, nil
	}
}

// Read returns events for streamID from fromVersion against this node's
// own storage. Unlike Append, reads are not routed to the stream's
// owner: every node's backend holds (or, for the hybrid backend, falls
// back to fetching) the full history regardless of which node currently
// owns writes for the stream.
func (p *Pipeline) Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error) {
	return p.store.Read(ctx, streamID, fromVersion, limit)
}
