package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"authgrid.org/internal/engine"
	"authgrid.org/internal/eval"
	"authgrid.org/internal/graph"
)

type recordingSink struct {
	mu      sync.Mutex
	changes []engine.Change
}

func (s *recordingSink) Enqueue(ch engine.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ch)
}

func (s *recordingSink) all() []engine.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Change, len(s.changes))
	copy(out, s.changes)
	return out
}

type staticLoader struct {
	snap graph.Snapshot
	err  error
}

func (l staticLoader) Load(ctx context.Context) (graph.Snapshot, error) {
	return l.snap, l.err
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 64
	}
	svc, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func submit(t *testing.T, svc *Service, kind string, payload any) engine.Result {
	t.Helper()
	res, err := svc.SubmitCommand(context.Background(), 0, kind, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("%s: %v", kind, err)
	}
	return res
}

func TestSubmitCommandVisibleToQueries(t *testing.T) {
	svc := newTestService(t, Config{})

	res := submit(t, svc, engine.KindCreateUser, map[string]any{
		"tenant_id": "acme",
		"email":     "ada@example.com",
	})
	if res.EntityID == 0 {
		t.Fatalf("expected allocated entity id")
	}

	out, err := svc.RunQuery(context.Background(), QueryListUsers, mustJSON(t, map[string]any{"tenant_id": "acme"}))
	if err != nil {
		t.Fatalf("users.list: %v", err)
	}
	users, ok := out.([]graph.User)
	if !ok || len(users) != 1 {
		t.Fatalf("unexpected users.list result: %#v", out)
	}
	if users[0].ID != res.EntityID {
		t.Fatalf("listed id = %d, want %d", users[0].ID, res.EntityID)
	}
}

func TestSinkReceivesChanges(t *testing.T) {
	sink := &recordingSink{}
	var hooked []string
	svc := newTestService(t, Config{
		Sink:     sink,
		OnChange: func(ch engine.Change) { hooked = append(hooked, ch.Kind) },
	})

	submit(t, svc, engine.KindCreateUser, map[string]any{"tenant_id": "acme", "email": "a@b.c"})
	submit(t, svc, engine.KindCreateRole, map[string]any{"tenant_id": "acme", "name": "admin"})

	changes := sink.all()
	if len(changes) != 2 {
		t.Fatalf("sink received %d changes, want 2", len(changes))
	}
	if changes[0].Kind != engine.KindCreateUser || changes[1].Kind != engine.KindCreateRole {
		t.Fatalf("unexpected change kinds: %s, %s", changes[0].Kind, changes[1].Kind)
	}
	if changes[0].ChangeID == "" || changes[0].Seq == 0 {
		t.Fatalf("change record missing id or seq: %+v", changes[0])
	}
	if len(hooked) != 2 {
		t.Fatalf("OnChange fired %d times, want 2", len(hooked))
	}
}

func TestRejectedCommandSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(t, Config{Sink: sink})

	_, err := svc.SubmitCommand(context.Background(), 0, engine.KindCreateUser, mustJSON(t, map[string]any{
		"tenant_id": "acme",
		"email":     "not-an-email",
	}))
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("rejected command reached the sink")
	}
}

func TestHydrationSeedsAllocator(t *testing.T) {
	snap := graph.Snapshot{
		Users: []graph.User{{
			Header: graph.Header{ID: 41, Kind: graph.KindUser, TenantID: "acme"},
			Email:  "old@example.com",
			Status: graph.UserStatusActive,
		}},
	}
	svc := newTestService(t, Config{Loader: staticLoader{snap: snap}})

	res := submit(t, svc, engine.KindCreateUser, map[string]any{"tenant_id": "acme", "email": "new@example.com"})
	if res.EntityID <= 41 {
		t.Fatalf("allocator not seeded past high water: got id %d", res.EntityID)
	}
}

func TestHydrationFailureSurfaces(t *testing.T) {
	_, err := New(context.Background(), Config{
		Loader:        staticLoader{err: errors.New("connect: refused")},
		QueueCapacity: 8,
	})
	if err == nil {
		t.Fatalf("expected hydration error")
	}
}

func TestCheckAccessQuery(t *testing.T) {
	svc := newTestService(t, Config{})

	user := submit(t, svc, engine.KindCreateUser, map[string]any{"tenant_id": "acme", "email": "ada@example.com"})
	resrc := submit(t, svc, engine.KindCreateResource, map[string]any{"tenant_id": "acme", "uri_pattern": "doc/reports/*"})
	submit(t, svc, engine.KindGrantPermission, map[string]any{
		"tenant_id":   "acme",
		"resource_id": resrc.EntityID,
		"verb":        "read",
		"effect":      "grant",
		"user_id":     user.EntityID,
	})

	out, err := svc.RunQuery(context.Background(), QueryCheckAccess, mustJSON(t, map[string]any{
		"principal_id": user.EntityID,
		"resource_uri": "doc/reports/q3",
		"verb":         "read",
	}))
	if err != nil {
		t.Fatalf("access.check: %v", err)
	}
	d, ok := out.(eval.Decision)
	if !ok {
		t.Fatalf("unexpected decision type %T", out)
	}
	if !d.Allowed {
		t.Fatalf("expected access allowed, got %+v", d)
	}
}

func TestGetEntityQuery(t *testing.T) {
	svc := newTestService(t, Config{})

	res := submit(t, svc, engine.KindCreateGroup, map[string]any{"tenant_id": "acme", "name": "eng"})

	out, err := svc.RunQuery(context.Background(), QueryGetEntity, mustJSON(t, map[string]any{"id": res.EntityID}))
	if err != nil {
		t.Fatalf("entity.get: %v", err)
	}
	view, ok := out.(EntityView)
	if !ok || view.Kind != graph.KindGroup {
		t.Fatalf("unexpected view: %#v", out)
	}

	_, err = svc.RunQuery(context.Background(), QueryGetEntity, mustJSON(t, map[string]any{"id": int64(999)}))
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("missing entity err = %v, want not found", err)
	}
}

func TestListQueryPaging(t *testing.T) {
	svc := newTestService(t, Config{})

	for _, email := range []string{"a@b.c", "b@b.c", "c@b.c", "d@b.c"} {
		submit(t, svc, engine.KindCreateUser, map[string]any{"tenant_id": "acme", "email": email})
	}

	out, err := svc.RunQuery(context.Background(), QueryListUsers, mustJSON(t, map[string]any{
		"tenant_id": "acme",
		"limit":     2,
		"offset":    1,
	}))
	if err != nil {
		t.Fatalf("users.list: %v", err)
	}
	users := out.([]graph.User)
	if len(users) != 2 {
		t.Fatalf("paged list length = %d, want 2", len(users))
	}

	out, err = svc.RunQuery(context.Background(), QueryListUsers, mustJSON(t, map[string]any{
		"tenant_id": "acme",
		"offset":    10,
	}))
	if err != nil {
		t.Fatalf("users.list past end: %v", err)
	}
	if users := out.([]graph.User); len(users) != 0 {
		t.Fatalf("offset past end returned %d users", len(users))
	}
}

func TestUnknownQueryKind(t *testing.T) {
	svc := newTestService(t, Config{})
	_, err := svc.RunQuery(context.Background(), "bogus", mustJSON(t, map[string]any{}))
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestStatsCount(t *testing.T) {
	svc := newTestService(t, Config{})

	submit(t, svc, engine.KindCreateUser, map[string]any{"tenant_id": "acme", "email": "a@b.c"})
	_, _ = svc.RunQuery(context.Background(), QueryListUsers, mustJSON(t, map[string]any{"tenant_id": "acme"}))
	_, _ = svc.RunQuery(context.Background(), "bogus", nil)

	st := svc.Stats()
	if st.Commands != 1 || st.Queries != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Failures != 1 {
		t.Fatalf("failures = %d, want 1", st.Failures)
	}
}
