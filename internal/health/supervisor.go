// Package health aggregates liveness and readiness signals for the engine,
// the persistence bridge and the decision cache.
package health

import (
	"context"
	"sync"
	"time"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// StatsSource returns a named component's counters for the status report.
type StatsSource func() any

// Status is the supervisor's aggregate report.
type Status struct {
	Healthy    bool           `json:"healthy"`
	Degraded   bool           `json:"degraded"`
	Uptime     string         `json:"uptime"`
	CheckedAt  time.Time      `json:"checked_at"`
	Components map[string]any `json:"components"`
	Failing    []string       `json:"failing,omitempty"`
}

// Supervisor tracks component probes and stats sources. Probes gate readiness;
// stats are informational.
type Supervisor struct {
	mu       sync.RWMutex
	started  time.Time
	probes   map[string]Probe
	sources  map[string]StatsSource
	degraded func() bool
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		started: time.Now().UTC(),
		probes:  make(map[string]Probe),
		sources: make(map[string]StatsSource),
	}
}

// RegisterProbe adds a readiness probe under name.
func (s *Supervisor) RegisterProbe(name string, p Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = p
}

// RegisterStats adds a stats source under name.
func (s *Supervisor) RegisterStats(name string, src StatsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = src
}

// SetDegraded installs the degradation signal, typically the bridge's breaker
// check. Degraded keeps the service ready: reads and writes still work, only
// durability lags.
func (s *Supervisor) SetDegraded(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = fn
}

// Check runs all probes and collects component stats.
func (s *Supervisor) Check(ctx context.Context) Status {
	s.mu.RLock()
	probes := make(map[string]Probe, len(s.probes))
	for k, v := range s.probes {
		probes[k] = v
	}
	sources := make(map[string]StatsSource, len(s.sources))
	for k, v := range s.sources {
		sources[k] = v
	}
	degraded := s.degraded
	started := s.started
	s.mu.RUnlock()

	st := Status{
		Healthy:    true,
		CheckedAt:  time.Now().UTC(),
		Uptime:     time.Since(started).Round(time.Second).String(),
		Components: make(map[string]any, len(sources)),
	}
	for name, probe := range probes {
		if err := probe(ctx); err != nil {
			st.Healthy = false
			st.Failing = append(st.Failing, name+": "+err.Error())
		}
	}
	for name, src := range sources {
		st.Components[name] = src()
	}
	if degraded != nil {
		st.Degraded = degraded()
	}
	return st
}

// Ready reports whether all probes pass.
func (s *Supervisor) Ready(ctx context.Context) bool {
	return s.Check(ctx).Healthy
}
