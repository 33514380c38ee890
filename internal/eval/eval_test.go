package eval

import (
	"context"
	"testing"
	"time"

	"authgrid.org/internal/graph"
)

type fixture struct {
	g    *graph.Graph
	e    *Evaluator
	now  time.Time
	next int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{g: graph.New(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.e = New(f.g).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) id() int64 {
	f.next++
	return f.next
}

func (f *fixture) user(t *testing.T) int64 {
	t.Helper()
	id := f.id()
	if err := f.g.AddUser(graph.User{Header: graph.Header{ID: id, TenantID: "t1"}, Email: "u@example.com", Status: graph.UserStatusActive}); err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) role(t *testing.T, name string) int64 {
	t.Helper()
	id := f.id()
	if err := f.g.AddRole(graph.Role{Header: graph.Header{ID: id, TenantID: "t1"}, Name: name}); err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) group(t *testing.T, name string) int64 {
	t.Helper()
	id := f.id()
	if err := f.g.AddGroup(graph.Group{Header: graph.Header{ID: id, TenantID: "t1"}, Name: name}); err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) resource(t *testing.T, pattern string) int64 {
	t.Helper()
	id := f.id()
	if err := f.g.AddResource(graph.Resource{Header: graph.Header{ID: id, TenantID: "t1"}, URIPattern: pattern}); err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) perm(t *testing.T, resID int64, verb string, effect graph.Effect) int64 {
	t.Helper()
	id := f.id()
	if err := f.g.AddPermission(graph.Permission{ID: id, TenantID: "t1", ResourceID: resID, Verb: verb, Effect: effect}); err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) eval(t *testing.T, req Request) Decision {
	t.Helper()
	d, err := f.e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestGrantThroughRole(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	role := f.role(t, "viewer")
	res := f.resource(t, "/api/data")
	perm := f.perm(t, res, "GET", graph.EffectGrant)
	if err := f.g.AttachPermissionToRole(role, perm); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToUser(graph.Edge{SubjectID: user, ObjectID: role}); err != nil {
		t.Fatal(err)
	}

	d := f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET"})
	if !d.Allowed {
		t.Fatalf("expected grant, got %+v", d)
	}
}

func TestDenyOverridesDefault(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	role := f.role(t, "viewer")
	res := f.resource(t, "/api/data")
	grant := f.perm(t, res, "GET", graph.EffectGrant)
	deny := f.perm(t, res, "GET", graph.EffectDeny)
	if err := f.g.AttachPermissionToRole(role, grant); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToUser(graph.Edge{SubjectID: user, ObjectID: role}); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToUser(user, deny); err != nil {
		t.Fatal(err)
	}

	d := f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET"})
	if d.Allowed {
		t.Fatalf("deny-overrides should deny, got %+v", d)
	}
}

func TestFailClosed(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	d := f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/anything", Verb: "GET"})
	if d.Allowed || d.Effect != graph.EffectDeny {
		t.Fatalf("expected fail-closed deny, got %+v", d)
	}
}

func TestMostSpecificTieBreak(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	wide := f.resource(t, "/api/*")
	exact := f.resource(t, "/api/users")
	grant := f.perm(t, wide, "GET", graph.EffectGrant)
	deny := f.perm(t, exact, "GET", graph.EffectDeny)
	if err := f.g.AttachPermissionToUser(user, grant); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToUser(user, deny); err != nil {
		t.Fatal(err)
	}

	d := f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/users", Verb: "GET", Strategy: MostSpecific})
	if d.Allowed {
		t.Fatalf("most-specific should pick the exact deny, got %+v", d)
	}
	// grant-overrides over the same candidates flips the outcome
	d = f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/users", Verb: "GET", Strategy: GrantOverrides})
	if !d.Allowed {
		t.Fatalf("grant-overrides should grant, got %+v", d)
	}
}

func TestFirstApplicableSourceOrder(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	role := f.role(t, "viewer")
	res := f.resource(t, "/api/data")
	directDeny := f.perm(t, res, "GET", graph.EffectDeny)
	roleGrant := f.perm(t, res, "GET", graph.EffectGrant)
	if err := f.g.AttachPermissionToUser(user, directDeny); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToRole(role, roleGrant); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToUser(graph.Edge{SubjectID: user, ObjectID: role}); err != nil {
		t.Fatal(err)
	}

	// direct source evaluates before role source
	d := f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET", Strategy: FirstApplicable})
	if d.Allowed {
		t.Fatalf("first-applicable should stop at the direct deny, got %+v", d)
	}
}

func TestUnanimousAndConsensus(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	role := f.role(t, "viewer")
	grp := f.group(t, "eng")
	grpRole := f.role(t, "eng-role")
	res := f.resource(t, "/api/data")

	directGrant := f.perm(t, res, "GET", graph.EffectGrant)
	roleGrant := f.perm(t, res, "GET", graph.EffectGrant)
	groupDeny := f.perm(t, res, "GET", graph.EffectDeny)

	if err := f.g.AttachPermissionToUser(user, directGrant); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToRole(role, roleGrant); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToUser(graph.Edge{SubjectID: user, ObjectID: role}); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToRole(grpRole, groupDeny); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToGroup(graph.Edge{SubjectID: grp, ObjectID: grpRole}); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AddUserToGroup(graph.Edge{SubjectID: user, ObjectID: grp}); err != nil {
		t.Fatal(err)
	}

	// sources: direct=grant, role=grant, group=deny
	d := f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET", Strategy: Unanimous})
	if d.Allowed {
		t.Fatalf("unanimous with a dissenting source should deny, got %+v", d)
	}
	d = f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET", Strategy: Consensus})
	if !d.Allowed {
		t.Fatalf("consensus 2/3 grant should grant, got %+v", d)
	}
}

func TestTemporalWindow(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	res := f.resource(t, "/api/data")
	from := f.now.Add(1 * time.Hour)
	until := f.now.Add(2 * time.Hour)
	id := f.id()
	if err := f.g.AddPermission(graph.Permission{
		ID: id, TenantID: "t1", ResourceID: res, Verb: "GET", Effect: graph.EffectGrant,
		ValidFrom: &from, ValidUntil: &until,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToUser(user, id); err != nil {
		t.Fatal(err)
	}

	req := Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET"}
	if d := f.eval(t, req); d.Allowed {
		t.Fatalf("not yet valid, expected deny: %+v", d)
	}
	// cross the validFrom boundary; the cached deny must expire on its own
	f.now = f.now.Add(90 * time.Minute)
	if d := f.eval(t, req); !d.Allowed {
		t.Fatalf("inside window, expected grant: %+v", d)
	}
	f.now = f.now.Add(60 * time.Minute)
	if d := f.eval(t, req); d.Allowed {
		t.Fatalf("past validUntil, expected deny: %+v", d)
	}
}

func TestConditionalPermission(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	res := f.resource(t, "/api/users/{id}")
	id := f.id()
	if err := f.g.AddPermission(graph.Permission{
		ID: id, TenantID: "t1", ResourceID: res, Verb: "GET", Effect: graph.EffectGrant,
		Condition: "params.id == '42' && region == 'eu'",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToUser(user, id); err != nil {
		t.Fatal(err)
	}

	d := f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/users/42", Verb: "GET", Context: map[string]any{"region": "eu"}})
	if !d.Allowed {
		t.Fatalf("condition satisfied, expected grant: %+v", d)
	}
	d = f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/users/7", Verb: "GET", Context: map[string]any{"region": "eu"}})
	if d.Allowed {
		t.Fatalf("param mismatch, expected deny: %+v", d)
	}
	// missing context key is indeterminate, treated as condition false
	d = f.eval(t, Request{PrincipalID: user, ResourceURI: "/api/users/42", Verb: "GET"})
	if d.Allowed {
		t.Fatalf("indeterminate condition, expected deny: %+v", d)
	}
}

func TestDelegatedPermission(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t)
	grantee := f.user(t)
	res := f.resource(t, "/api/data")
	perm := f.perm(t, res, "GET", graph.EffectGrant)
	if err := f.g.AttachPermissionToUser(owner, perm); err != nil {
		t.Fatal(err)
	}
	until := f.now.Add(time.Hour)
	if err := f.g.AddDelegation(graph.Delegation{FromUserID: owner, ToUserID: grantee, PermissionID: perm, ValidUntil: &until}); err != nil {
		t.Fatal(err)
	}

	req := Request{PrincipalID: grantee, ResourceURI: "/api/data", Verb: "GET"}
	if d := f.eval(t, req); !d.Allowed {
		t.Fatalf("delegation active, expected grant: %+v", d)
	}
	// delegation window lapses; the cached grant must expire at the boundary
	f.now = f.now.Add(2 * time.Hour)
	if d := f.eval(t, req); d.Allowed {
		t.Fatalf("delegation lapsed, expected deny: %+v", d)
	}
}

func TestCacheHitAndInvalidation(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	role := f.role(t, "viewer")
	res := f.resource(t, "/api/data")
	perm := f.perm(t, res, "GET", graph.EffectGrant)
	if err := f.g.AttachPermissionToRole(role, perm); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToUser(graph.Edge{SubjectID: user, ObjectID: role}); err != nil {
		t.Fatal(err)
	}

	req := Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET"}
	if d := f.eval(t, req); !d.Allowed || d.Cached {
		t.Fatalf("first evaluation: %+v", d)
	}
	if d := f.eval(t, req); !d.Cached {
		t.Fatalf("second evaluation should hit cache: %+v", d)
	}

	// revoke and invalidate, as the command worker does
	if err := f.g.DetachPermissionFromRole(role, perm); err != nil {
		t.Fatal(err)
	}
	f.e.Cache().InvalidateAll()
	if d := f.eval(t, req); d.Allowed {
		t.Fatalf("stale grant after revocation: %+v", d)
	}
}

func TestCachePrincipalInvalidation(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	res := f.resource(t, "/api/data")
	perm := f.perm(t, res, "GET", graph.EffectGrant)
	if err := f.g.AttachPermissionToUser(user, perm); err != nil {
		t.Fatal(err)
	}

	req := Request{PrincipalID: user, ResourceURI: "/api/data", Verb: "GET"}
	f.eval(t, req)
	if f.e.Cache().Len() != 1 {
		t.Fatalf("cache len = %d", f.e.Cache().Len())
	}
	f.e.Cache().InvalidatePrincipal(user)
	if f.e.Cache().Len() != 0 {
		t.Fatalf("cache not emptied: len = %d", f.e.Cache().Len())
	}
}

func TestEffectivePermissionsSources(t *testing.T) {
	f := newFixture(t)
	user := f.user(t)
	role := f.role(t, "viewer")
	grp := f.group(t, "eng")
	grpRole := f.role(t, "eng-role")
	res := f.resource(t, "/api/data")

	direct := f.perm(t, res, "GET", graph.EffectGrant)
	viaRole := f.perm(t, res, "POST", graph.EffectGrant)
	viaGroup := f.perm(t, res, "DELETE", graph.EffectDeny)

	if err := f.g.AttachPermissionToUser(user, direct); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToRole(role, viaRole); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToUser(graph.Edge{SubjectID: user, ObjectID: role}); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AttachPermissionToRole(grpRole, viaGroup); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AssignRoleToGroup(graph.Edge{SubjectID: grp, ObjectID: grpRole}); err != nil {
		t.Fatal(err)
	}
	if err := f.g.AddUserToGroup(graph.Edge{SubjectID: user, ObjectID: grp}); err != nil {
		t.Fatal(err)
	}

	perms, err := f.e.EffectivePermissions(user)
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != 3 {
		t.Fatalf("effective permissions = %d, want 3", len(perms))
	}
	sources := map[int64]Source{}
	for _, p := range perms {
		sources[p.Permission.ID] = p.Source
	}
	if sources[direct] != SourceDirect || sources[viaRole] != SourceRole || sources[viaGroup] != SourceGroup {
		t.Fatalf("sources = %v", sources)
	}
}
