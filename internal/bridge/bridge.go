// Package bridge moves accepted commands from the in-memory engine to the
// durable store. Persistence is eventual: a change that keeps failing lands in
// the dead-letter store and the in-memory graph is never rolled back.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"authgrid.org/internal/engine"
	"authgrid.org/internal/health"
)

// Persister durably records one accepted command. Implementations must be
// idempotent per change id: the bridge retries at-least-once.
type Persister interface {
	PersistChange(ctx context.Context, ch engine.Change) error
}

// DeadLetter receives changes the bridge has given up on.
type DeadLetter interface {
	Store(ctx context.Context, ch engine.Change, cause error) error
}

// Config carries bridge tuning.
type Config struct {
	QueueCapacity int
	Workers       int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	// AttemptTimeout bounds one PersistChange call.
	AttemptTimeout time.Duration
	// OnDeadLetter is the alert hook, invoked after a change is parked.
	OnDeadLetter func(ch engine.Change, cause error)
}

// Stats is a point-in-time snapshot of bridge health.
type Stats struct {
	Persisted    uint64 `json:"persisted"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
	Dropped      uint64 `json:"dropped"`
	QueueDepth   int    `json:"queue_depth"`

	StoreBreaker   string `json:"store_breaker"`
	TimeoutBreaker string `json:"timeout_breaker"`
}

// Bridge runs a bounded queue of changes drained by dedicated workers with
// retry, backoff and per-failure-class circuit breaking.
type Bridge struct {
	cfg        Config
	persister  Persister
	deadLetter DeadLetter

	// independent breakers per dependency class
	storeBreaker   *health.Breaker
	timeoutBreaker *health.Breaker

	queue chan engine.Change
	wg    sync.WaitGroup
	quit  chan struct{}

	persisted    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	dropped      atomic.Uint64
}

// New starts the bridge workers.
func New(p Persister, dl DeadLetter, cfg Config) *Bridge {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	b := &Bridge{
		cfg:            cfg,
		persister:      p,
		deadLetter:     dl,
		storeBreaker:   health.NewBreaker(5, 15*time.Second),
		timeoutBreaker: health.NewBreaker(5, 15*time.Second),
		queue:          make(chan engine.Change, cfg.QueueCapacity),
		quit:           make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Enqueue accepts a change from the engine worker. It never blocks: if the
// bridge queue is saturated the change goes straight to the dead-letter store
// so the command path stays unaffected.
func (b *Bridge) Enqueue(ch engine.Change) {
	select {
	case b.queue <- ch:
	default:
		b.dropped.Add(1)
		go b.park(ch, errors.New("bridge queue saturated"))
	}
}

// Close drains the queue and stops the workers.
func (b *Bridge) Close() {
	close(b.quit)
	close(b.queue)
	b.wg.Wait()
}

// Stats reports bridge counters and breaker states.
func (b *Bridge) Stats() Stats {
	return Stats{
		Persisted:      b.persisted.Load(),
		Retried:        b.retried.Load(),
		DeadLettered:   b.deadLettered.Load(),
		Dropped:        b.dropped.Load(),
		QueueDepth:     len(b.queue),
		StoreBreaker:   b.storeBreaker.State().String(),
		TimeoutBreaker: b.timeoutBreaker.State().String(),
	}
}

// Degraded reports whether either dependency class is circuit-broken.
func (b *Bridge) Degraded() bool {
	return b.storeBreaker.State() == health.BreakerOpen || b.timeoutBreaker.State() == health.BreakerOpen
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for ch := range b.queue {
		b.process(ch)
	}
}

func (b *Bridge) process(ch engine.Change) {
	backoff := b.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			b.retried.Add(1)
			select {
			case <-time.After(backoff):
			case <-b.quit:
				// shutting down: park rather than lose the change
				b.park(ch, lastErr)
				return
			}
			backoff *= 2
			if backoff > b.cfg.MaxBackoff {
				backoff = b.cfg.MaxBackoff
			}
		}

		storeOK := b.storeBreaker.Allow()
		timeoutOK := b.timeoutBreaker.Allow()
		if !storeOK || !timeoutOK {
			if storeOK {
				b.storeBreaker.Cancel()
			}
			if timeoutOK {
				b.timeoutBreaker.Cancel()
			}
			lastErr = errors.New("persistence circuit open")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AttemptTimeout)
		err := b.persister.PersistChange(ctx, ch)
		cancel()
		if err == nil {
			b.storeBreaker.Success()
			b.timeoutBreaker.Success()
			b.persisted.Add(1)
			return
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) {
			b.timeoutBreaker.Failure()
			b.storeBreaker.Cancel()
		} else {
			b.storeBreaker.Failure()
			b.timeoutBreaker.Cancel()
		}
	}
	b.park(ch, lastErr)
}

func (b *Bridge) park(ch engine.Change, cause error) {
	b.deadLettered.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AttemptTimeout)
	defer cancel()
	_ = b.deadLetter.Store(ctx, ch, cause)
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(ch, cause)
	}
}
