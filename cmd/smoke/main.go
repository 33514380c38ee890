package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"authgrid.org/internal/client"
	"authgrid.org/internal/engine"
	"authgrid.org/internal/eval"
)

// End-to-end smoke test against a running authgrid-api: creates a tenant's
// user, role and resource, grants read through the role, and asserts the
// decision comes out right both ways.
func main() {
	base := os.Getenv("AUTHGRID_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	tenant := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := client.New(base)
	if err := c.Ready(ctx); err != nil {
		log.Fatalf("server at %s not ready: %v", base, err)
	}

	user, err := c.Submit(ctx, engine.KindCreateUser, map[string]any{
		"tenant_id": tenant,
		"email":     "smoke@example.com",
	})
	if err != nil {
		log.Fatalf("create user: %v", err)
	}
	role, err := c.Submit(ctx, engine.KindCreateRole, map[string]any{
		"tenant_id": tenant,
		"name":      "reader",
	})
	if err != nil {
		log.Fatalf("create role: %v", err)
	}
	resrc, err := c.Submit(ctx, engine.KindCreateResource, map[string]any{
		"tenant_id":   tenant,
		"uri_pattern": "doc/reports/*",
	})
	if err != nil {
		log.Fatalf("create resource: %v", err)
	}

	if _, err := c.Submit(ctx, engine.KindAssignUserRole, map[string]any{
		"user_id": user.EntityID,
		"role_id": role.EntityID,
	}); err != nil {
		log.Fatalf("assign role: %v", err)
	}
	if _, err := c.Submit(ctx, engine.KindGrantPermission, map[string]any{
		"tenant_id":   tenant,
		"resource_id": resrc.EntityID,
		"verb":        "read",
		"effect":      "grant",
		"role_id":     role.EntityID,
	}); err != nil {
		log.Fatalf("grant: %v", err)
	}

	allowed, err := c.CheckAccess(ctx, eval.Request{
		PrincipalID: user.EntityID,
		ResourceURI: "doc/reports/q3",
		Verb:        "read",
	})
	if err != nil {
		log.Fatalf("check allowed: %v", err)
	}
	if !allowed.Allowed {
		log.Fatalf("expected allow, got: %s", allowed.Reason)
	}

	denied, err := c.CheckAccess(ctx, eval.Request{
		PrincipalID: user.EntityID,
		ResourceURI: "doc/reports/q3",
		Verb:        "write",
	})
	if err != nil {
		log.Fatalf("check denied: %v", err)
	}
	if denied.Allowed {
		log.Fatalf("expected deny for unmatched verb")
	}

	fmt.Printf("smoke test passed: tenant=%s user=%d role=%d resource=%d\n",
		tenant, user.EntityID, role.EntityID, resrc.EntityID)
}
