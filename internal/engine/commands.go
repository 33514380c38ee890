package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"authgrid.org/internal/eval"
	"authgrid.org/internal/graph"
)

// Command kind names, as accepted on the submit surface.
const (
	KindCreateUser       = "user.create"
	KindUpdateUser       = "user.update"
	KindCreateGroup      = "group.create"
	KindUpdateGroup      = "group.update"
	KindCreateRole       = "role.create"
	KindUpdateRole       = "role.update"
	KindCreateResource   = "resource.create"
	KindUpdateResource   = "resource.update"
	KindDeleteEntity     = "entity.delete"
	KindAddGroupMember   = "group.member.add"
	KindDropGroupMember  = "group.member.remove"
	KindAddGroupParent   = "group.parent.add"
	KindDropGroupParent  = "group.parent.remove"
	KindAssignUserRole   = "user.role.assign"
	KindDropUserRole     = "user.role.remove"
	KindAssignGroupRole  = "group.role.assign"
	KindDropGroupRole    = "group.role.remove"
	KindGrantPermission  = "permission.grant"
	KindRevokePermission = "permission.revoke"
	KindDelegate         = "permission.delegate"
	KindDropDelegation   = "permission.delegation.revoke"
)

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return errors.New("tenant_id is required")
	}
	return nil
}

func requireID(name string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%s must be a positive id", name)
	}
	return nil
}

func noGraph(check func() error) func(*graph.Graph) error {
	return func(*graph.Graph) error { return check() }
}

// --- users ---

type CreateUser struct {
	TenantID     string `json:"tenant_id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name,omitempty"`
	Status       string `json:"status,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
}

func (c *CreateUser) Kind() string { return KindCreateUser }

func (c *CreateUser) Rules() []Rule {
	return []Rule{
		{ValidationRule, "tenant-present", noGraph(func() error { return requireTenant(c.TenantID) })},
		{ValidationRule, "email-valid", noGraph(func() error {
			email := strings.TrimSpace(strings.ToLower(c.Email))
			if email == "" || !strings.Contains(email, "@") {
				return errors.New("valid email is required")
			}
			return nil
		})},
		{ValidationRule, "status-known", noGraph(func() error {
			switch strings.TrimSpace(strings.ToLower(c.Status)) {
			case "", graph.UserStatusActive, graph.UserStatusDisabled:
				return nil
			}
			return fmt.Errorf("unsupported status %q", c.Status)
		})},
	}
}

func (c *CreateUser) Apply(env Env) (Result, error) {
	status := strings.TrimSpace(strings.ToLower(c.Status))
	if status == "" {
		status = graph.UserStatusActive
	}
	u := graph.User{
		Header:       graph.Header{ID: env.IDs.Next(), TenantID: strings.TrimSpace(c.TenantID), CreatedAt: env.Now, UpdatedAt: env.Now},
		Email:        strings.TrimSpace(strings.ToLower(c.Email)),
		DisplayName:  strings.TrimSpace(c.DisplayName),
		Status:       status,
		PasswordHash: c.PasswordHash,
	}
	if err := env.G.AddUser(u); err != nil {
		return Result{}, err
	}
	return Result{EntityID: u.ID, Entity: u}, nil
}

func (c *CreateUser) Invalidate(*eval.Cache) {}

type UpdateUser struct {
	ID           int64   `json:"id"`
	Email        *string `json:"email,omitempty"`
	DisplayName  *string `json:"display_name,omitempty"`
	Status       *string `json:"status,omitempty"`
	PasswordHash *string `json:"password_hash,omitempty"`
}

func (c *UpdateUser) Kind() string { return KindUpdateUser }

func (c *UpdateUser) Rules() []Rule {
	return []Rule{
		{ValidationRule, "id-positive", noGraph(func() error { return requireID("id", c.ID) })},
		{ValidationRule, "email-valid", noGraph(func() error {
			if c.Email == nil {
				return nil
			}
			email := strings.TrimSpace(strings.ToLower(*c.Email))
			if email == "" || !strings.Contains(email, "@") {
				return errors.New("valid email is required")
			}
			return nil
		})},
		{ValidationRule, "status-known", noGraph(func() error {
			if c.Status == nil {
				return nil
			}
			switch strings.TrimSpace(strings.ToLower(*c.Status)) {
			case graph.UserStatusActive, graph.UserStatusDisabled:
				return nil
			}
			return fmt.Errorf("unsupported status %q", *c.Status)
		})},
	}
}

func (c *UpdateUser) Apply(env Env) (Result, error) {
	before, err := env.G.User(c.ID)
	if err != nil {
		return Result{}, err
	}
	after := before
	if c.Email != nil {
		after.Email = strings.TrimSpace(strings.ToLower(*c.Email))
	}
	if c.DisplayName != nil {
		after.DisplayName = strings.TrimSpace(*c.DisplayName)
	}
	if c.Status != nil {
		after.Status = strings.TrimSpace(strings.ToLower(*c.Status))
	}
	if c.PasswordHash != nil {
		after.PasswordHash = *c.PasswordHash
	}
	after.UpdatedAt = env.Now
	if err := env.G.UpdateUser(after); err != nil {
		return Result{}, err
	}
	return Result{EntityID: after.ID, Entity: after, Before: before}, nil
}

func (c *UpdateUser) Invalidate(cache *eval.Cache) { cache.InvalidatePrincipal(c.ID) }

// --- groups ---

type CreateGroup struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

func (c *CreateGroup) Kind() string { return KindCreateGroup }

func (c *CreateGroup) Rules() []Rule {
	return []Rule{
		{ValidationRule, "tenant-present", noGraph(func() error { return requireTenant(c.TenantID) })},
		{ValidationRule, "name-present", noGraph(func() error {
			if strings.TrimSpace(c.Name) == "" {
				return errors.New("group name is required")
			}
			return nil
		})},
	}
}

func (c *CreateGroup) Apply(env Env) (Result, error) {
	g := graph.Group{
		Header: graph.Header{ID: env.IDs.Next(), TenantID: strings.TrimSpace(c.TenantID), CreatedAt: env.Now, UpdatedAt: env.Now},
		Name:   strings.TrimSpace(c.Name),
	}
	if err := env.G.AddGroup(g); err != nil {
		return Result{}, err
	}
	return Result{EntityID: g.ID, Entity: g}, nil
}

func (c *CreateGroup) Invalidate(*eval.Cache) {}

type UpdateGroup struct {
	ID   int64   `json:"id"`
	Name *string `json:"name,omitempty"`
}

func (c *UpdateGroup) Kind() string { return KindUpdateGroup }

func (c *UpdateGroup) Rules() []Rule {
	return []Rule{
		{ValidationRule, "id-positive", noGraph(func() error { return requireID("id", c.ID) })},
		{ValidationRule, "name-present", noGraph(func() error {
			if c.Name != nil && strings.TrimSpace(*c.Name) == "" {
				return errors.New("group name is required")
			}
			return nil
		})},
	}
}

func (c *UpdateGroup) Apply(env Env) (Result, error) {
	before, err := env.G.Group(c.ID)
	if err != nil {
		return Result{}, err
	}
	after := before
	if c.Name != nil {
		after.Name = strings.TrimSpace(*c.Name)
	}
	after.UpdatedAt = env.Now
	if err := env.G.UpdateGroup(after); err != nil {
		return Result{}, err
	}
	return Result{EntityID: after.ID, Entity: after, Before: before}, nil
}

func (c *UpdateGroup) Invalidate(*eval.Cache) {}

// --- roles ---

type CreateRole struct {
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (c *CreateRole) Kind() string { return KindCreateRole }

func (c *CreateRole) Rules() []Rule {
	return []Rule{
		{ValidationRule, "tenant-present", noGraph(func() error { return requireTenant(c.TenantID) })},
		{ValidationRule, "name-present", noGraph(func() error {
			if strings.TrimSpace(c.Name) == "" {
				return errors.New("role name is required")
			}
			return nil
		})},
	}
}

func (c *CreateRole) Apply(env Env) (Result, error) {
	r := graph.Role{
		Header:      graph.Header{ID: env.IDs.Next(), TenantID: strings.TrimSpace(c.TenantID), CreatedAt: env.Now, UpdatedAt: env.Now},
		Name:        strings.TrimSpace(c.Name),
		Description: strings.TrimSpace(c.Description),
	}
	if err := env.G.AddRole(r); err != nil {
		return Result{}, err
	}
	return Result{EntityID: r.ID, Entity: r}, nil
}

func (c *CreateRole) Invalidate(*eval.Cache) {}

type UpdateRole struct {
	ID          int64   `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (c *UpdateRole) Kind() string { return KindUpdateRole }

func (c *UpdateRole) Rules() []Rule {
	return []Rule{
		{ValidationRule, "id-positive", noGraph(func() error { return requireID("id", c.ID) })},
		{ValidationRule, "name-present", noGraph(func() error {
			if c.Name != nil && strings.TrimSpace(*c.Name) == "" {
				return errors.New("role name is required")
			}
			return nil
		})},
	}
}

func (c *UpdateRole) Apply(env Env) (Result, error) {
	before, err := env.G.Role(c.ID)
	if err != nil {
		return Result{}, err
	}
	after := before
	if c.Name != nil {
		after.Name = strings.TrimSpace(*c.Name)
	}
	if c.Description != nil {
		after.Description = strings.TrimSpace(*c.Description)
	}
	after.UpdatedAt = env.Now
	if err := env.G.UpdateRole(after); err != nil {
		return Result{}, err
	}
	return Result{EntityID: after.ID, Entity: after, Before: before}, nil
}

func (c *UpdateRole) Invalidate(*eval.Cache) {}

// --- resources ---

type CreateResource struct {
	TenantID   string `json:"tenant_id"`
	URIPattern string `json:"uri_pattern"`
	ParentID   int64  `json:"parent_id,omitempty"`
}

func (c *CreateResource) Kind() string { return KindCreateResource }

func (c *CreateResource) Rules() []Rule {
	return []Rule{
		{ValidationRule, "tenant-present", noGraph(func() error { return requireTenant(c.TenantID) })},
		{ValidationRule, "pattern-present", noGraph(func() error {
			if strings.TrimSpace(c.URIPattern) == "" {
				return errors.New("uri_pattern is required")
			}
			return nil
		})},
	}
}

func (c *CreateResource) Apply(env Env) (Result, error) {
	r := graph.Resource{
		Header:     graph.Header{ID: env.IDs.Next(), TenantID: strings.TrimSpace(c.TenantID), CreatedAt: env.Now, UpdatedAt: env.Now},
		URIPattern: strings.TrimSpace(c.URIPattern),
		ParentID:   c.ParentID,
	}
	if err := env.G.AddResource(r); err != nil {
		return Result{}, err
	}
	return Result{EntityID: r.ID, Entity: r}, nil
}

func (c *CreateResource) Invalidate(*eval.Cache) {}

type UpdateResource struct {
	ID         int64   `json:"id"`
	URIPattern *string `json:"uri_pattern,omitempty"`
}

func (c *UpdateResource) Kind() string { return KindUpdateResource }

func (c *UpdateResource) Rules() []Rule {
	return []Rule{
		{ValidationRule, "id-positive", noGraph(func() error { return requireID("id", c.ID) })},
		{ValidationRule, "pattern-present", noGraph(func() error {
			if c.URIPattern != nil && strings.TrimSpace(*c.URIPattern) == "" {
				return errors.New("uri_pattern is required")
			}
			return nil
		})},
	}
}

func (c *UpdateResource) Apply(env Env) (Result, error) {
	before, err := env.G.Resource(c.ID)
	if err != nil {
		return Result{}, err
	}
	after := before
	if c.URIPattern != nil {
		after.URIPattern = strings.TrimSpace(*c.URIPattern)
	}
	after.UpdatedAt = env.Now
	if err := env.G.UpdateResource(after); err != nil {
		return Result{}, err
	}
	return Result{EntityID: after.ID, Entity: after, Before: before}, nil
}

// a pattern change can re-target any cached URI, so nothing narrower is safe
func (c *UpdateResource) Invalidate(cache *eval.Cache) { cache.InvalidateAll() }

// --- deletion ---

type DeleteEntity struct {
	ID int64 `json:"id"`
}

func (c *DeleteEntity) Kind() string { return KindDeleteEntity }

func (c *DeleteEntity) Rules() []Rule {
	return []Rule{
		{ValidationRule, "id-positive", noGraph(func() error { return requireID("id", c.ID) })},
	}
}

func (c *DeleteEntity) Apply(env Env) (Result, error) {
	kind, err := env.G.DeleteEntity(c.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.ID, Entity: map[string]any{"deleted": true, "kind": kind}}, nil
}

func (c *DeleteEntity) Invalidate(cache *eval.Cache) { cache.InvalidateAll() }

// --- membership and hierarchy ---

type AddGroupMember struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
}

func (c *AddGroupMember) Kind() string { return KindAddGroupMember }

func (c *AddGroupMember) Rules() []Rule { return pairRules("user_id", c.UserID, "group_id", c.GroupID) }

func (c *AddGroupMember) Apply(env Env) (Result, error) {
	e := graph.Edge{SubjectID: c.UserID, ObjectID: c.GroupID, GrantedAt: env.Now}
	if err := env.G.AddUserToGroup(e); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.UserID, Entity: e}, nil
}

func (c *AddGroupMember) Invalidate(cache *eval.Cache) { cache.InvalidatePrincipal(c.UserID) }

type DropGroupMember struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
}

func (c *DropGroupMember) Kind() string { return KindDropGroupMember }

func (c *DropGroupMember) Rules() []Rule { return pairRules("user_id", c.UserID, "group_id", c.GroupID) }

func (c *DropGroupMember) Apply(env Env) (Result, error) {
	if err := env.G.RemoveUserFromGroup(c.UserID, c.GroupID); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.UserID}, nil
}

func (c *DropGroupMember) Invalidate(cache *eval.Cache) { cache.InvalidatePrincipal(c.UserID) }

type AddGroupParent struct {
	ChildID  int64 `json:"child_id"`
	ParentID int64 `json:"parent_id"`
}

func (c *AddGroupParent) Kind() string { return KindAddGroupParent }

func (c *AddGroupParent) Rules() []Rule {
	return pairRules("child_id", c.ChildID, "parent_id", c.ParentID)
}

func (c *AddGroupParent) Apply(env Env) (Result, error) {
	e := graph.Edge{GrantedAt: env.Now}
	if err := env.G.AddGroupParent(c.ChildID, c.ParentID, e); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.ChildID}, nil
}

func (c *AddGroupParent) Invalidate(cache *eval.Cache) { cache.InvalidateAll() }

type DropGroupParent struct {
	ChildID  int64 `json:"child_id"`
	ParentID int64 `json:"parent_id"`
}

func (c *DropGroupParent) Kind() string { return KindDropGroupParent }

func (c *DropGroupParent) Rules() []Rule {
	return pairRules("child_id", c.ChildID, "parent_id", c.ParentID)
}

func (c *DropGroupParent) Apply(env Env) (Result, error) {
	if err := env.G.RemoveGroupParent(c.ChildID, c.ParentID); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.ChildID}, nil
}

func (c *DropGroupParent) Invalidate(cache *eval.Cache) { cache.InvalidateAll() }

// --- role assignment ---

type AssignUserRole struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

func (c *AssignUserRole) Kind() string { return KindAssignUserRole }

func (c *AssignUserRole) Rules() []Rule { return pairRules("user_id", c.UserID, "role_id", c.RoleID) }

func (c *AssignUserRole) Apply(env Env) (Result, error) {
	e := graph.Edge{SubjectID: c.UserID, ObjectID: c.RoleID, GrantedAt: env.Now}
	if err := env.G.AssignRoleToUser(e); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.UserID, Entity: e}, nil
}

func (c *AssignUserRole) Invalidate(cache *eval.Cache) { cache.InvalidatePrincipal(c.UserID) }

type DropUserRole struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

func (c *DropUserRole) Kind() string { return KindDropUserRole }

func (c *DropUserRole) Rules() []Rule { return pairRules("user_id", c.UserID, "role_id", c.RoleID) }

func (c *DropUserRole) Apply(env Env) (Result, error) {
	if err := env.G.RemoveRoleFromUser(c.UserID, c.RoleID); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.UserID}, nil
}

func (c *DropUserRole) Invalidate(cache *eval.Cache) { cache.InvalidatePrincipal(c.UserID) }

type AssignGroupRole struct {
	GroupID int64 `json:"group_id"`
	RoleID  int64 `json:"role_id"`
}

func (c *AssignGroupRole) Kind() string { return KindAssignGroupRole }

func (c *AssignGroupRole) Rules() []Rule { return pairRules("group_id", c.GroupID, "role_id", c.RoleID) }

func (c *AssignGroupRole) Apply(env Env) (Result, error) {
	e := graph.Edge{SubjectID: c.GroupID, ObjectID: c.RoleID, GrantedAt: env.Now}
	if err := env.G.AssignRoleToGroup(e); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.GroupID, Entity: e}, nil
}

func (c *AssignGroupRole) Invalidate(cache *eval.Cache) { cache.InvalidateAll() }

type DropGroupRole struct {
	GroupID int64 `json:"group_id"`
	RoleID  int64 `json:"role_id"`
}

func (c *DropGroupRole) Kind() string { return KindDropGroupRole }

func (c *DropGroupRole) Rules() []Rule { return pairRules("group_id", c.GroupID, "role_id", c.RoleID) }

func (c *DropGroupRole) Apply(env Env) (Result, error) {
	if err := env.G.RemoveRoleFromGroup(c.GroupID, c.RoleID); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.GroupID}, nil
}

func (c *DropGroupRole) Invalidate(cache *eval.Cache) { cache.InvalidateAll() }

// --- permissions ---

type GrantPermission struct {
	TenantID   string     `json:"tenant_id"`
	ResourceID int64      `json:"resource_id"`
	Verb       string     `json:"verb"`
	Effect     string     `json:"effect"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Condition  string     `json:"condition,omitempty"`
	// exactly one target
	RoleID int64 `json:"role_id,omitempty"`
	UserID int64 `json:"user_id,omitempty"`
}

func (c *GrantPermission) Kind() string { return KindGrantPermission }

func (c *GrantPermission) Rules() []Rule {
	return []Rule{
		{ValidationRule, "tenant-present", noGraph(func() error { return requireTenant(c.TenantID) })},
		{ValidationRule, "resource-id-positive", noGraph(func() error { return requireID("resource_id", c.ResourceID) })},
		{ValidationRule, "verb-present", noGraph(func() error {
			if strings.TrimSpace(c.Verb) == "" {
				return errors.New("verb is required")
			}
			return nil
		})},
		{ValidationRule, "one-target", noGraph(func() error {
			if (c.RoleID > 0) == (c.UserID > 0) {
				return errors.New("exactly one of role_id or user_id must be set")
			}
			return nil
		})},
		{ValidationRule, "window-ordered", noGraph(func() error {
			if c.ValidFrom != nil && c.ValidUntil != nil && !c.ValidFrom.Before(*c.ValidUntil) {
				return errors.New("valid_from must precede valid_until")
			}
			return nil
		})},
		{ValidationRule, "condition-compiles", noGraph(func() error {
			if c.Condition == "" {
				return nil
			}
			_, err := eval.CompileCondition(c.Condition)
			return err
		})},
		{InvariantRule, "effect-exclusive", noGraph(func() error {
			if !graph.Effect(strings.ToLower(strings.TrimSpace(c.Effect))).Valid() {
				return fmt.Errorf("effect must be exactly one of %q or %q", graph.EffectGrant, graph.EffectDeny)
			}
			return nil
		})},
	}
}

func (c *GrantPermission) Apply(env Env) (Result, error) {
	p := graph.Permission{
		ID:         env.IDs.Next(),
		TenantID:   strings.TrimSpace(c.TenantID),
		ResourceID: c.ResourceID,
		Verb:       strings.TrimSpace(c.Verb),
		Effect:     graph.Effect(strings.ToLower(strings.TrimSpace(c.Effect))),
		ValidFrom:  c.ValidFrom,
		ValidUntil: c.ValidUntil,
		Condition:  strings.TrimSpace(c.Condition),
		CreatedAt:  env.Now,
	}
	if err := env.G.AddPermission(p); err != nil {
		return Result{}, err
	}
	var err error
	if c.RoleID > 0 {
		err = env.G.AttachPermissionToRole(c.RoleID, p.ID)
	} else {
		err = env.G.AttachPermissionToUser(c.UserID, p.ID)
	}
	if err != nil {
		// all-or-nothing: the orphan row must not survive a failed attach
		_ = env.G.RemovePermission(p.ID)
		return Result{}, err
	}
	return Result{EntityID: p.ID, Entity: p}, nil
}

func (c *GrantPermission) Invalidate(cache *eval.Cache) {
	if c.UserID > 0 {
		cache.InvalidatePrincipal(c.UserID)
		cache.InvalidateResource(c.ResourceID)
		return
	}
	cache.InvalidateAll()
}

type RevokePermission struct {
	PermissionID int64 `json:"permission_id"`
}

func (c *RevokePermission) Kind() string { return KindRevokePermission }

func (c *RevokePermission) Rules() []Rule {
	return []Rule{
		{ValidationRule, "id-positive", noGraph(func() error { return requireID("permission_id", c.PermissionID) })},
	}
}

func (c *RevokePermission) Apply(env Env) (Result, error) {
	before, err := env.G.Permission(c.PermissionID)
	if err != nil {
		return Result{}, err
	}
	if err := env.G.RemovePermission(c.PermissionID); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.PermissionID, Before: before}, nil
}

func (c *RevokePermission) Invalidate(cache *eval.Cache) { cache.InvalidateAll() }

// --- delegation ---

type DelegatePermission struct {
	FromUserID   int64      `json:"from_user_id"`
	ToUserID     int64      `json:"to_user_id"`
	PermissionID int64      `json:"permission_id"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
}

func (c *DelegatePermission) Kind() string { return KindDelegate }

func (c *DelegatePermission) Rules() []Rule {
	return []Rule{
		{ValidationRule, "ids-positive", noGraph(func() error {
			if err := requireID("from_user_id", c.FromUserID); err != nil {
				return err
			}
			if err := requireID("to_user_id", c.ToUserID); err != nil {
				return err
			}
			return requireID("permission_id", c.PermissionID)
		})},
		{ValidationRule, "distinct-principals", noGraph(func() error {
			if c.FromUserID == c.ToUserID {
				return errors.New("cannot delegate to oneself")
			}
			return nil
		})},
		{ValidationRule, "window-ordered", noGraph(func() error {
			if c.ValidFrom != nil && c.ValidUntil != nil && !c.ValidFrom.Before(*c.ValidUntil) {
				return errors.New("valid_from must precede valid_until")
			}
			return nil
		})},
		{InvariantRule, "delegator-holds-permission", func(g *graph.Graph) error {
			if !g.UserHoldsPermission(c.FromUserID, c.PermissionID) {
				return fmt.Errorf("user %d does not hold permission %d", c.FromUserID, c.PermissionID)
			}
			return nil
		}},
	}
}

func (c *DelegatePermission) Apply(env Env) (Result, error) {
	d := graph.Delegation{
		FromUserID:   c.FromUserID,
		ToUserID:     c.ToUserID,
		PermissionID: c.PermissionID,
		ValidFrom:    c.ValidFrom,
		ValidUntil:   c.ValidUntil,
		GrantedAt:    env.Now,
	}
	if err := env.G.AddDelegation(d); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.ToUserID, Entity: d}, nil
}

func (c *DelegatePermission) Invalidate(cache *eval.Cache) { cache.InvalidatePrincipal(c.ToUserID) }

type DropDelegation struct {
	FromUserID   int64 `json:"from_user_id"`
	ToUserID     int64 `json:"to_user_id"`
	PermissionID int64 `json:"permission_id"`
}

func (c *DropDelegation) Kind() string { return KindDropDelegation }

func (c *DropDelegation) Rules() []Rule {
	return []Rule{
		{ValidationRule, "ids-positive", noGraph(func() error {
			if err := requireID("from_user_id", c.FromUserID); err != nil {
				return err
			}
			if err := requireID("to_user_id", c.ToUserID); err != nil {
				return err
			}
			return requireID("permission_id", c.PermissionID)
		})},
	}
}

func (c *DropDelegation) Apply(env Env) (Result, error) {
	if err := env.G.RemoveDelegation(c.FromUserID, c.ToUserID, c.PermissionID); err != nil {
		return Result{}, err
	}
	return Result{EntityID: c.ToUserID}, nil
}

func (c *DropDelegation) Invalidate(cache *eval.Cache) { cache.InvalidatePrincipal(c.ToUserID) }

func pairRules(aName string, a int64, bName string, b int64) []Rule {
	return []Rule{
		{ValidationRule, "ids-positive", noGraph(func() error {
			if err := requireID(aName, a); err != nil {
				return err
			}
			return requireID(bName, b)
		})},
	}
}
