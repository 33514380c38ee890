package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"authgrid.org/internal/eval"
	"authgrid.org/internal/graph"
	"authgrid.org/internal/ids"
)

// RuleKind tags a pipeline check as input validation or invariant protection;
// the distinction decides which rejection kind a failure maps to.
type RuleKind int

const (
	ValidationRule RuleKind = iota
	InvariantRule
)

// Rule is one statically enumerated check in a command's pipeline. Rules run
// in declaration order inside the worker, before the command mutates anything.
type Rule struct {
	Kind  RuleKind
	Name  string
	Check func(g *graph.Graph) error
}

// Env is what a command executes against: the graph, the id allocator and the
// worker's clock.
type Env struct {
	G   *graph.Graph
	IDs *ids.Allocator
	Now time.Time
}

// Command is one mutating request. Implementations are the closed set of
// command types in commands.go; each declares its rule pipeline, applies
// itself atomically against the graph, and knows which cache regions its
// effect touches.
type Command interface {
	Kind() string
	Rules() []Rule
	Apply(env Env) (Result, error)
	Invalidate(cache *eval.Cache)
}

// Result describes an applied command for callers, persistence and audit.
type Result struct {
	EntityID int64 `json:"entity_id,omitempty"`
	// Entity is the post-command state of the touched entity, when one exists.
	Entity any `json:"entity,omitempty"`
	// Before is the prior state for update/delete commands; audit wants both.
	Before any `json:"before,omitempty"`
}

// Change is the durable record of one accepted command, handed to the
// persistence bridge after the in-memory apply. ChangeID makes downstream
// persistence idempotent under at-least-once retry.
type Change struct {
	ChangeID  string    `json:"change_id"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Command   Command   `json:"command"`
	Result    Result    `json:"result"`
	ActorID   int64     `json:"actor_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Pending is the caller's handle on a submitted command.
type Pending struct {
	done   chan struct{}
	result Result
	err    error
}

// Wait blocks until the command is applied or rejected, or ctx ends. A nil
// error guarantees the command's effect is visible to any query issued after
// Wait returns.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(res Result, err error) {
	p.result = res
	p.err = err
	close(p.done)
}

type task struct {
	ctx     context.Context
	cmd     Command
	actorID int64
	pending *Pending
}

// Stats is a point-in-time health snapshot of the processor.
type Stats struct {
	Processed  uint64 `json:"processed"`
	Failed     uint64 `json:"failed"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   int32  `json:"in_flight"`
}

// Processor serializes all graph mutations through one worker goroutine while
// queries read the graph directly. Commands are applied strictly in FIFO
// submission order; a rejected command never mutates the graph and never
// halts the queue.
type Processor struct {
	g     *graph.Graph
	alloc *ids.Allocator
	cache *eval.Cache
	now   func() time.Time

	queue chan task
	wg    sync.WaitGroup

	// closeMu orders Submit's send against Close's channel close: submitters
	// hold the read side across the send, Close takes the write side before
	// closing the queue.
	closeMu sync.RWMutex
	closed  bool

	seq atomic.Uint64

	processed atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int32

	// onApplied receives every accepted command's change record, synchronously
	// inside the worker; implementations must hand off quickly (the bridge
	// enqueues onto its own bounded queue).
	onApplied func(Change)
}

// Config carries processor construction parameters.
type Config struct {
	QueueCapacity int
	Allocator     *ids.Allocator
	Cache         *eval.Cache
	OnApplied     func(Change)
	Now           func() time.Time
}

// New starts a processor and its worker.
func New(g *graph.Graph, cfg Config) *Processor {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.Allocator == nil {
		cfg.Allocator = ids.NewAllocator(g.HighWater())
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	p := &Processor{
		g:         g,
		alloc:     cfg.Allocator,
		cache:     cfg.Cache,
		now:       cfg.Now,
		queue:     make(chan task, cfg.QueueCapacity),
		onApplied: cfg.OnApplied,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Graph exposes the shared graph for the read path. Mutation stays exclusive
// to the worker.
func (p *Processor) Graph() *graph.Graph { return p.g }

// Allocator exposes the entity id allocator (health reporting).
func (p *Processor) Allocator() *ids.Allocator { return p.alloc }

// Submit enqueues cmd and returns its handle. A full queue rejects with
// ErrCapacity immediately: backpressure is explicit, never unbounded queuing.
func (p *Processor) Submit(ctx context.Context, actorID int64, cmd Command) (*Pending, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrValidation)
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	pending := &Pending{done: make(chan struct{})}
	t := task{ctx: ctx, cmd: cmd, actorID: actorID, pending: pending}
	select {
	case p.queue <- t:
		return pending, nil
	default:
		return nil, ErrCapacity
	}
}

// Close stops accepting commands, drains the queue, and waits for the worker.
// Queued commands still execute; their futures resolve as usual.
func (p *Processor) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()
	p.wg.Wait()
}

// Stats reports processor health counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		QueueDepth: len(p.queue),
		InFlight:   p.inFlight.Load(),
	}
}

func (p *Processor) run() {
	defer p.wg.Done()
	for t := range p.queue {
		p.execute(t)
	}
}

func (p *Processor) execute(t task) {
	// cancellation only reaches commands still in the queue; once dequeued
	// and executing, a command's effect is atomic and will commit
	if err := t.ctx.Err(); err != nil {
		t.pending.resolve(Result{}, err)
		return
	}

	p.inFlight.Store(1)
	defer p.inFlight.Store(0)

	for _, rule := range t.cmd.Rules() {
		if err := rule.Check(p.g); err != nil {
			kind := ErrValidation
			if rule.Kind == InvariantRule {
				kind = ErrInvariant
			}
			p.failed.Add(1)
			t.pending.resolve(Result{}, joinKind(kind, fmt.Errorf("%s: %w", rule.Name, err)))
			return
		}
	}

	now := p.now()
	res, err := t.cmd.Apply(Env{G: p.g, IDs: p.alloc, Now: now})
	if err != nil {
		p.failed.Add(1)
		t.pending.resolve(Result{}, classify(err))
		return
	}
	p.processed.Add(1)

	// invalidate before the next command dequeues so no query can pair the
	// new graph state with a decision cached against the old one
	if p.cache != nil {
		t.cmd.Invalidate(p.cache)
	}
	if p.onApplied != nil {
		p.onApplied(Change{
			ChangeID:  ids.New(),
			Seq:       p.seq.Add(1),
			Kind:      t.cmd.Kind(),
			Command:   t.cmd,
			Result:    res,
			ActorID:   t.actorID,
			AppliedAt: now,
		})
	}
	t.pending.resolve(res, nil)
}
