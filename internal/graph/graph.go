package graph

import (
	"fmt"
	"sort"
	"sync"
)

// maxHierarchyDepth bounds every group-hierarchy traversal. Edits that cannot
// be proven acyclic within this bound are rejected rather than risk an
// undetected cycle.
const maxHierarchyDepth = 20

// Graph is the canonical in-memory authorization state. It is the single
// owner of all entity records: mutations are only ever invoked by the command
// worker, reads may come from any goroutine. Both sides of every relationship
// index are updated under one write lock, so readers never observe a
// half-applied edge.
type Graph struct {
	mu sync.RWMutex

	kinds     map[int64]Kind
	users     map[int64]*User
	groups    map[int64]*Group
	roles     map[int64]*Role
	resources map[int64]*Resource
	perms     map[int64]*Permission

	userGroups    map[int64]map[int64]Edge
	groupUsers    map[int64]map[int64]struct{}
	userRoles     map[int64]map[int64]Edge
	roleUsers     map[int64]map[int64]struct{}
	groupRoles    map[int64]map[int64]Edge
	roleGroups    map[int64]map[int64]struct{}
	groupParents  map[int64]map[int64]Edge
	groupChildren map[int64]map[int64]struct{}

	rolePerms     map[int64]map[int64]struct{}
	permRoles     map[int64]map[int64]struct{}
	userPerms     map[int64]map[int64]struct{}
	permUsers     map[int64]map[int64]struct{}
	resourcePerms map[int64]map[int64]struct{}
	resourceKids  map[int64]map[int64]struct{}

	delegations map[int64][]Delegation
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		kinds:         make(map[int64]Kind),
		users:         make(map[int64]*User),
		groups:        make(map[int64]*Group),
		roles:         make(map[int64]*Role),
		resources:     make(map[int64]*Resource),
		perms:         make(map[int64]*Permission),
		userGroups:    make(map[int64]map[int64]Edge),
		groupUsers:    make(map[int64]map[int64]struct{}),
		userRoles:     make(map[int64]map[int64]Edge),
		roleUsers:     make(map[int64]map[int64]struct{}),
		groupRoles:    make(map[int64]map[int64]Edge),
		roleGroups:    make(map[int64]map[int64]struct{}),
		groupParents:  make(map[int64]map[int64]Edge),
		groupChildren: make(map[int64]map[int64]struct{}),
		rolePerms:     make(map[int64]map[int64]struct{}),
		permRoles:     make(map[int64]map[int64]struct{}),
		userPerms:     make(map[int64]map[int64]struct{}),
		permUsers:     make(map[int64]map[int64]struct{}),
		resourcePerms: make(map[int64]map[int64]struct{}),
		resourceKids:  make(map[int64]map[int64]struct{}),
		delegations:   make(map[int64][]Delegation),
	}
}

// --- entity CRUD (write lock; called only from the command worker) ---

func (g *Graph) AddUser(u User) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.kinds[u.ID]; taken {
		return fmt.Errorf("%w: id %d", ErrIDCollision, u.ID)
	}
	u.Kind = KindUser
	g.kinds[u.ID] = KindUser
	g.users[u.ID] = &u
	return nil
}

func (g *Graph) AddGroup(grp Group) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.kinds[grp.ID]; taken {
		return fmt.Errorf("%w: id %d", ErrIDCollision, grp.ID)
	}
	grp.Kind = KindGroup
	g.kinds[grp.ID] = KindGroup
	g.groups[grp.ID] = &grp
	return nil
}

func (g *Graph) AddRole(r Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.kinds[r.ID]; taken {
		return fmt.Errorf("%w: id %d", ErrIDCollision, r.ID)
	}
	r.Kind = KindRole
	g.kinds[r.ID] = KindRole
	g.roles[r.ID] = &r
	return nil
}

func (g *Graph) AddResource(res Resource) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.kinds[res.ID]; taken {
		return fmt.Errorf("%w: id %d", ErrIDCollision, res.ID)
	}
	if res.ParentID != 0 {
		if g.kinds[res.ParentID] != KindResource {
			return fmt.Errorf("%w: parent resource %d", ErrNotFound, res.ParentID)
		}
	}
	res.Kind = KindResource
	g.kinds[res.ID] = KindResource
	g.resources[res.ID] = &res
	if res.ParentID != 0 {
		kids := g.resourceKids[res.ParentID]
		if kids == nil {
			kids = make(map[int64]struct{})
			g.resourceKids[res.ParentID] = kids
		}
		kids[res.ID] = struct{}{}
	}
	return nil
}

func (g *Graph) UpdateUser(u User) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.users[u.ID]
	if !ok {
		return fmt.Errorf("%w: user %d", ErrNotFound, u.ID)
	}
	u.Kind = KindUser
	u.CreatedAt = cur.CreatedAt
	g.users[u.ID] = &u
	return nil
}

func (g *Graph) UpdateGroup(grp Group) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.groups[grp.ID]
	if !ok {
		return fmt.Errorf("%w: group %d", ErrNotFound, grp.ID)
	}
	grp.Kind = KindGroup
	grp.CreatedAt = cur.CreatedAt
	g.groups[grp.ID] = &grp
	return nil
}

func (g *Graph) UpdateRole(r Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.roles[r.ID]
	if !ok {
		return fmt.Errorf("%w: role %d", ErrNotFound, r.ID)
	}
	r.Kind = KindRole
	r.CreatedAt = cur.CreatedAt
	g.roles[r.ID] = &r
	return nil
}

func (g *Graph) UpdateResource(res Resource) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.resources[res.ID]
	if !ok {
		return fmt.Errorf("%w: resource %d", ErrNotFound, res.ID)
	}
	res.Kind = KindResource
	res.CreatedAt = cur.CreatedAt
	res.ParentID = cur.ParentID
	g.resources[res.ID] = &res
	return nil
}

// DeleteEntity removes an entity and cascades over its dependent relationship
// edges. Group parent/child edges are detached individually so unrelated
// subtrees are never orphaned; resource children are re-rooted rather than
// removed.
func (g *Graph) DeleteEntity(id int64) (Kind, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kind, ok := g.kinds[id]
	if !ok {
		return "", fmt.Errorf("%w: entity %d", ErrNotFound, id)
	}
	switch kind {
	case KindUser:
		g.deleteUserLocked(id)
	case KindGroup:
		g.deleteGroupLocked(id)
	case KindRole:
		g.deleteRoleLocked(id)
	case KindResource:
		g.deleteResourceLocked(id)
	}
	delete(g.kinds, id)
	return kind, nil
}

func (g *Graph) deleteUserLocked(id int64) {
	for groupID := range g.userGroups[id] {
		delete(g.groupUsers[groupID], id)
	}
	delete(g.userGroups, id)
	for roleID := range g.userRoles[id] {
		delete(g.roleUsers[roleID], id)
	}
	delete(g.userRoles, id)
	for permID := range g.userPerms[id] {
		delete(g.permUsers[permID], id)
	}
	delete(g.userPerms, id)
	delete(g.delegations, id)
	for to, list := range g.delegations {
		kept := list[:0]
		for _, d := range list {
			if d.FromUserID != id {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(g.delegations, to)
		} else {
			g.delegations[to] = kept
		}
	}
	delete(g.users, id)
}

func (g *Graph) deleteGroupLocked(id int64) {
	for userID := range g.groupUsers[id] {
		delete(g.userGroups[userID], id)
	}
	delete(g.groupUsers, id)
	for roleID := range g.groupRoles[id] {
		delete(g.roleGroups[roleID], id)
	}
	delete(g.groupRoles, id)
	// hierarchy edges are detached one by one, never cascaded
	for parentID := range g.groupParents[id] {
		delete(g.groupChildren[parentID], id)
	}
	delete(g.groupParents, id)
	for childID := range g.groupChildren[id] {
		delete(g.groupParents[childID], id)
	}
	delete(g.groupChildren, id)
	delete(g.groups, id)
}

func (g *Graph) deleteRoleLocked(id int64) {
	for userID := range g.roleUsers[id] {
		delete(g.userRoles[userID], id)
	}
	delete(g.roleUsers, id)
	for groupID := range g.roleGroups[id] {
		delete(g.groupRoles[groupID], id)
	}
	delete(g.roleGroups, id)
	for permID := range g.rolePerms[id] {
		delete(g.permRoles[permID], id)
	}
	delete(g.rolePerms, id)
	delete(g.roles, id)
}

func (g *Graph) deleteResourceLocked(id int64) {
	// permissions reference the resource, so they go with it
	for permID := range g.resourcePerms[id] {
		g.removePermissionLocked(permID)
	}
	delete(g.resourcePerms, id)
	if res := g.resources[id]; res != nil && res.ParentID != 0 {
		delete(g.resourceKids[res.ParentID], id)
	}
	for childID := range g.resourceKids[id] {
		if child := g.resources[childID]; child != nil {
			child.ParentID = 0
		}
	}
	delete(g.resourceKids, id)
	delete(g.resources, id)
}

// --- reads (read lock; copies out) ---

// EntityKind reports the kind registered for id.
func (g *Graph) EntityKind(id int64) (Kind, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	k, ok := g.kinds[id]
	return k, ok
}

func (g *Graph) User(id int64) (User, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	return *u, nil
}

func (g *Graph) Group(id int64) (Group, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("%w: group %d", ErrNotFound, id)
	}
	return *grp, nil
}

func (g *Graph) Role(id int64) (Role, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	return *r, nil
}

func (g *Graph) Resource(id int64) (Resource, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res, ok := g.resources[id]
	if !ok {
		return Resource{}, fmt.Errorf("%w: resource %d", ErrNotFound, id)
	}
	return *res, nil
}

func (g *Graph) Permission(id int64) (Permission, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.perms[id]
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %d", ErrNotFound, id)
	}
	return *p, nil
}

// ListUsers returns the tenant's users ordered by id.
func (g *Graph) ListUsers(tenantID string) []User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]User, 0, len(g.users))
	for _, u := range g.users {
		if u.TenantID == tenantID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListGroups returns the tenant's groups ordered by id.
func (g *Graph) ListGroups(tenantID string) []Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Group, 0, len(g.groups))
	for _, grp := range g.groups {
		if grp.TenantID == tenantID {
			out = append(out, *grp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListRoles returns the tenant's roles ordered by id.
func (g *Graph) ListRoles(tenantID string) []Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Role, 0, len(g.roles))
	for _, r := range g.roles {
		if r.TenantID == tenantID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListResources returns the tenant's resources ordered by id.
func (g *Graph) ListResources(tenantID string) []Resource {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Resource, 0, len(g.resources))
	for _, res := range g.resources {
		if res.TenantID == tenantID {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HighWater returns the highest entity or permission id currently in use.
func (g *Graph) HighWater() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var max int64
	for id := range g.kinds {
		if id > max {
			max = id
		}
	}
	for id := range g.perms {
		if id > max {
			max = id
		}
	}
	return max
}
