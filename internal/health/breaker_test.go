package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("opened early at %d failures", 2)
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("did not open at threshold")
	}
	if b.Allow() {
		t.Fatal("open breaker admitted an attempt")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, 10*time.Second).WithClock(func() time.Time { return now })
	b.Failure()
	if b.Allow() {
		t.Fatal("admitted during cooldown")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("cooldown elapsed but probe refused")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v", b.State())
	}
	// only one probe at a time
	if b.Allow() {
		t.Fatal("second concurrent probe admitted")
	}

	b.Success()
	if b.State() != BreakerClosed {
		t.Fatal("successful probe did not close")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second).WithClock(func() time.Time { return now })
	b.Failure()
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe refused")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("failed probe did not reopen")
	}
	if b.Allow() {
		t.Fatal("reopened breaker admitted before new cooldown")
	}
}

func TestSupervisorAggregates(t *testing.T) {
	s := NewSupervisor()
	s.RegisterProbe("store", func(context.Context) error { return nil })
	s.RegisterStats("engine", func() any { return map[string]int{"queue_depth": 0} })

	st := s.Check(context.Background())
	if !st.Healthy {
		t.Fatalf("healthy probes reported failing: %v", st.Failing)
	}
	if _, ok := st.Components["engine"]; !ok {
		t.Fatal("engine stats missing")
	}

	s.RegisterProbe("bridge", func(context.Context) error { return errors.New("queue stuck") })
	st = s.Check(context.Background())
	if st.Healthy {
		t.Fatal("failing probe not reflected")
	}
	if len(st.Failing) != 1 {
		t.Fatalf("failing = %v", st.Failing)
	}
	if s.Ready(context.Background()) {
		t.Fatal("Ready disagrees with Check")
	}
}

func TestSupervisorDegradedKeepsReady(t *testing.T) {
	s := NewSupervisor()
	s.RegisterProbe("store", func(context.Context) error { return nil })
	s.SetDegraded(func() bool { return true })

	st := s.Check(context.Background())
	if !st.Healthy {
		t.Fatal("degradation must not fail readiness")
	}
	if !st.Degraded {
		t.Fatal("degraded flag not set")
	}
}
