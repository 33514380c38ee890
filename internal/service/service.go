// Package service is the orchestration façade: callers submit commands and run
// queries here, and the service wires the engine, the evaluator, the
// persistence bridge and audit together.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/engine"
	"authgrid.org/internal/eval"
	"authgrid.org/internal/graph"
	"authgrid.org/internal/ids"
)

// Loader hydrates the graph from durable storage at startup.
type Loader interface {
	Load(ctx context.Context) (graph.Snapshot, error)
}

// Sink receives every accepted command's change record. The bridge implements
// this; tests substitute their own.
type Sink interface {
	Enqueue(ch engine.Change)
}

// Config carries service construction parameters.
type Config struct {
	// Loader is optional; without it the service starts on an empty graph.
	Loader Loader
	// Sink is optional; without it changes are not persisted.
	Sink Sink
	// OnChange is an optional fan-out hook (event stream, metrics), invoked
	// after the sink handoff.
	OnChange      func(ch engine.Change)
	QueueCapacity int
	Audit         bool
	Now           func() time.Time
}

// Stats is the service-level health snapshot.
type Stats struct {
	Commands    uint64       `json:"commands"`
	Queries     uint64       `json:"queries"`
	Failures    uint64       `json:"failures"`
	Engine      engine.Stats `json:"engine"`
	CacheHits   uint64       `json:"cache_hits"`
	CacheMisses uint64       `json:"cache_misses"`
	CacheSize   int          `json:"cache_size"`
}

// Service owns the processor and the evaluator over one shared graph.
type Service struct {
	proc     *engine.Processor
	ev       *eval.Evaluator
	sink     Sink
	onChange func(ch engine.Change)

	auditing bool

	commands atomic.Uint64
	queries  atomic.Uint64
	failures atomic.Uint64
}

// New hydrates the graph, seeds the id allocator from the high-water mark and
// starts the command worker.
func New(ctx context.Context, cfg Config) (*Service, error) {
	g := graph.New()
	if cfg.Loader != nil {
		snap, err := cfg.Loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("hydrate graph: %w", err)
		}
		g, err = graph.Restore(snap)
		if err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}

	ev := eval.New(g)
	if cfg.Now != nil {
		ev.WithClock(cfg.Now)
	}
	s := &Service{ev: ev, sink: cfg.Sink, onChange: cfg.OnChange, auditing: cfg.Audit}
	s.proc = engine.New(g, engine.Config{
		QueueCapacity: cfg.QueueCapacity,
		Allocator:     ids.NewAllocator(g.HighWater()),
		Cache:         ev.Cache(),
		Now:           cfg.Now,
		OnApplied:     s.onApplied,
	})
	return s, nil
}

// Close drains the command queue and stops the worker. The sink is not closed
// here; its owner closes it after the service.
func (s *Service) Close() { s.proc.Close() }

// Graph exposes the shared graph for read paths.
func (s *Service) Graph() *graph.Graph { return s.proc.Graph() }

// Evaluator exposes the decision evaluator.
func (s *Service) Evaluator() *eval.Evaluator { return s.ev }

// Stats reports service counters.
func (s *Service) Stats() Stats {
	hits, misses := s.ev.Cache().Stats()
	return Stats{
		Commands:    s.commands.Load(),
		Queries:     s.queries.Load(),
		Failures:    s.failures.Load(),
		Engine:      s.proc.Stats(),
		CacheHits:   hits,
		CacheMisses: misses,
		CacheSize:   s.ev.Cache().Len(),
	}
}

// SubmitCommand decodes and executes one mutating command, blocking until it
// is applied or rejected. A nil error guarantees the effect is visible to any
// query issued afterwards.
func (s *Service) SubmitCommand(ctx context.Context, actorID int64, kind string, payload json.RawMessage) (engine.Result, error) {
	s.commands.Add(1)
	cmd, err := engine.Decode(kind, payload)
	if err != nil {
		s.failures.Add(1)
		return engine.Result{}, err
	}
	pending, err := s.proc.Submit(ctx, actorID, cmd)
	if err != nil {
		s.failures.Add(1)
		return engine.Result{}, err
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		s.failures.Add(1)
		return engine.Result{}, err
	}
	return res, nil
}

// Query kinds. Queries never enter the command queue; they read the graph on
// the caller's goroutine.
const (
	QueryCheckAccess          = "access.check"
	QueryEffectivePermissions = "permissions.effective"
	QueryGetEntity            = "entity.get"
	QueryListUsers            = "users.list"
	QueryListGroups           = "groups.list"
	QueryListRoles            = "roles.list"
	QueryListResources        = "resources.list"
	QueryGroupHierarchy       = "groups.hierarchy"
)

type entityGetQuery struct {
	ID int64 `json:"id"`
}

type tenantQuery struct {
	TenantID string `json:"tenant_id"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

type effectiveQuery struct {
	PrincipalID int64 `json:"principal_id"`
}

// RunQuery executes one read-only query by kind.
func (s *Service) RunQuery(ctx context.Context, kind string, payload json.RawMessage) (any, error) {
	s.queries.Add(1)
	out, err := s.runQuery(ctx, kind, payload)
	if err != nil {
		s.failures.Add(1)
	}
	return out, err
}

func (s *Service) runQuery(ctx context.Context, kind string, payload json.RawMessage) (any, error) {
	g := s.proc.Graph()
	switch strings.TrimSpace(kind) {
	case QueryCheckAccess:
		var req eval.Request
		if err := unmarshal(payload, &req); err != nil {
			return nil, err
		}
		d, err := s.ev.Evaluate(ctx, req)
		if err != nil {
			return nil, classifyQueryErr(err)
		}
		return d, nil

	case QueryEffectivePermissions:
		var q effectiveQuery
		if err := unmarshal(payload, &q); err != nil {
			return nil, err
		}
		perms, err := s.ev.EffectivePermissions(q.PrincipalID)
		if err != nil {
			return nil, classifyQueryErr(err)
		}
		return perms, nil

	case QueryGetEntity:
		var q entityGetQuery
		if err := unmarshal(payload, &q); err != nil {
			return nil, err
		}
		return s.getEntity(q.ID)

	case QueryListUsers:
		q, err := tenant(payload)
		if err != nil {
			return nil, err
		}
		return page(g.ListUsers(q.TenantID), q), nil
	case QueryListGroups:
		q, err := tenant(payload)
		if err != nil {
			return nil, err
		}
		return page(g.ListGroups(q.TenantID), q), nil
	case QueryListRoles:
		q, err := tenant(payload)
		if err != nil {
			return nil, err
		}
		return page(g.ListRoles(q.TenantID), q), nil
	case QueryListResources:
		q, err := tenant(payload)
		if err != nil {
			return nil, err
		}
		return page(g.ListResources(q.TenantID), q), nil

	case QueryGroupHierarchy:
		q, err := tenant(payload)
		if err != nil {
			return nil, err
		}
		return g.Hierarchy(q.TenantID), nil

	default:
		return nil, fmt.Errorf("%w: unknown query type %q", engine.ErrValidation, kind)
	}
}

func tenant(payload json.RawMessage) (tenantQuery, error) {
	var q tenantQuery
	if err := unmarshal(payload, &q); err != nil {
		return tenantQuery{}, err
	}
	if strings.TrimSpace(q.TenantID) == "" {
		return tenantQuery{}, fmt.Errorf("%w: tenant_id is required", engine.ErrValidation)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return tenantQuery{}, fmt.Errorf("%w: limit and offset must be non-negative", engine.ErrValidation)
	}
	return q, nil
}

// page applies offset/limit to a listing. Zero limit means no cap.
func page[T any](items []T, q tenantQuery) []T {
	if q.Offset >= len(items) {
		return []T{}
	}
	items = items[q.Offset:]
	if q.Limit > 0 && q.Limit < len(items) {
		items = items[:q.Limit]
	}
	return items
}

func unmarshal(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", engine.ErrValidation)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: decode query payload: %v", engine.ErrValidation, err)
	}
	return nil
}

// EntityView pairs an entity with its kind for the generic lookup query.
type EntityView struct {
	Kind   graph.Kind `json:"kind"`
	Entity any        `json:"entity"`
}

func (s *Service) getEntity(id int64) (EntityView, error) {
	g := s.proc.Graph()
	kind, ok := g.EntityKind(id)
	if !ok {
		return EntityView{}, fmt.Errorf("%w: entity %d", engine.ErrNotFound, id)
	}
	var (
		ent any
		err error
	)
	switch kind {
	case graph.KindUser:
		ent, err = g.User(id)
	case graph.KindGroup:
		ent, err = g.Group(id)
	case graph.KindRole:
		ent, err = g.Role(id)
	case graph.KindResource:
		ent, err = g.Resource(id)
	}
	if err != nil {
		return EntityView{}, classifyQueryErr(err)
	}
	return EntityView{Kind: kind, Entity: ent}, nil
}

func classifyQueryErr(err error) error {
	if errors.Is(err, graph.ErrNotFound) {
		return fmt.Errorf("%w: %v", engine.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", engine.ErrValidation, err)
}

// onApplied runs inside the command worker; it must hand off quickly.
func (s *Service) onApplied(ch engine.Change) {
	if s.auditing {
		_ = audit.LogEvent(context.Background(), ch.Kind, map[string]any{
			"change_id": ch.ChangeID,
			"seq":       ch.Seq,
			"entity_id": ch.Result.EntityID,
			"actor_id":  ch.ActorID,
		})
	}
	if s.sink != nil {
		s.sink.Enqueue(ch)
	}
	if s.onChange != nil {
		s.onChange(ch)
	}
}
