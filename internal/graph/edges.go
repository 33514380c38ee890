package graph

import "fmt"

// addEdgeLocked inserts e into forward/reverse sides of an index pair.
func addEdgeLocked(fwd map[int64]map[int64]Edge, rev map[int64]map[int64]struct{}, e Edge) error {
	set := fwd[e.SubjectID]
	if set == nil {
		set = make(map[int64]Edge)
		fwd[e.SubjectID] = set
	}
	if _, dup := set[e.ObjectID]; dup {
		return fmt.Errorf("%w: (%d, %d)", ErrDuplicateEdge, e.SubjectID, e.ObjectID)
	}
	set[e.ObjectID] = e
	back := rev[e.ObjectID]
	if back == nil {
		back = make(map[int64]struct{})
		rev[e.ObjectID] = back
	}
	back[e.SubjectID] = struct{}{}
	return nil
}

func removeEdgeLocked(fwd map[int64]map[int64]Edge, rev map[int64]map[int64]struct{}, subject, object int64) error {
	set := fwd[subject]
	if _, ok := set[object]; !ok {
		return fmt.Errorf("%w: (%d, %d)", ErrEdgeNotFound, subject, object)
	}
	delete(set, object)
	delete(rev[object], subject)
	return nil
}

func (g *Graph) requireKindLocked(id int64, want Kind) error {
	got, ok := g.kinds[id]
	if !ok {
		return fmt.Errorf("%w: %s %d", ErrNotFound, want, id)
	}
	if got != want {
		return fmt.Errorf("%w: entity %d is %s, want %s", ErrKindMismatch, id, got, want)
	}
	return nil
}

// AddUserToGroup records membership of a user in a group.
func (g *Graph) AddUserToGroup(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireKindLocked(e.SubjectID, KindUser); err != nil {
		return err
	}
	if err := g.requireKindLocked(e.ObjectID, KindGroup); err != nil {
		return err
	}
	return addEdgeLocked(g.userGroups, g.groupUsers, e)
}

// RemoveUserFromGroup detaches a user from a group.
func (g *Graph) RemoveUserFromGroup(userID, groupID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return removeEdgeLocked(g.userGroups, g.groupUsers, userID, groupID)
}

// AssignRoleToUser records a direct role assignment.
func (g *Graph) AssignRoleToUser(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireKindLocked(e.SubjectID, KindUser); err != nil {
		return err
	}
	if err := g.requireKindLocked(e.ObjectID, KindRole); err != nil {
		return err
	}
	return addEdgeLocked(g.userRoles, g.roleUsers, e)
}

// RemoveRoleFromUser drops a direct role assignment.
func (g *Graph) RemoveRoleFromUser(userID, roleID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return removeEdgeLocked(g.userRoles, g.roleUsers, userID, roleID)
}

// AssignRoleToGroup grants a role to every member of a group, including
// members of descendant groups.
func (g *Graph) AssignRoleToGroup(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireKindLocked(e.SubjectID, KindGroup); err != nil {
		return err
	}
	if err := g.requireKindLocked(e.ObjectID, KindRole); err != nil {
		return err
	}
	return addEdgeLocked(g.groupRoles, g.roleGroups, e)
}

// RemoveRoleFromGroup drops a group role assignment.
func (g *Graph) RemoveRoleFromGroup(groupID, roleID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return removeEdgeLocked(g.groupRoles, g.roleGroups, groupID, roleID)
}

// AddGroupParent links child under parent. The edit is rejected when it would
// close a cycle: a breadth-first walk over child's descendants, bounded to
// maxHierarchyDepth, must not reach parent. Hitting the depth bound without an
// answer also rejects, so acyclicity is never assumed past the bound.
func (g *Graph) AddGroupParent(childID, parentID int64, e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireKindLocked(childID, KindGroup); err != nil {
		return err
	}
	if err := g.requireKindLocked(parentID, KindGroup); err != nil {
		return err
	}
	if childID == parentID {
		return fmt.Errorf("%w: group %d cannot parent itself", ErrCycle, childID)
	}
	if err := g.checkNoCycleLocked(childID, parentID); err != nil {
		return err
	}
	e.SubjectID = childID
	e.ObjectID = parentID
	if err := addEdgeLocked(g.groupParents, g.groupChildren, e); err != nil {
		return err
	}
	return nil
}

// RemoveGroupParent detaches one parent edge without touching the rest of the
// hierarchy.
func (g *Graph) RemoveGroupParent(childID, parentID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return removeEdgeLocked(g.groupParents, g.groupChildren, childID, parentID)
}

// checkNoCycleLocked walks child's descendant closure breadth-first looking
// for parent. Finding it means the proposed edge would make child its own
// transitive ancestor.
func (g *Graph) checkNoCycleLocked(childID, parentID int64) error {
	frontier := []int64{childID}
	seen := map[int64]struct{}{childID: {}}
	for depth := 0; depth < maxHierarchyDepth && len(frontier) > 0; depth++ {
		var next []int64
		for _, id := range frontier {
			for kid := range g.groupChildren[id] {
				if kid == parentID {
					return fmt.Errorf("%w: group %d is a descendant of group %d", ErrCycle, parentID, childID)
				}
				if _, ok := seen[kid]; ok {
					continue
				}
				seen[kid] = struct{}{}
				next = append(next, kid)
			}
		}
		frontier = next
	}
	if len(frontier) > 0 {
		return fmt.Errorf("%w: traversal from group %d exceeded depth %d", ErrDepthExceeded, childID, maxHierarchyDepth)
	}
	return nil
}

// --- permissions ---

// AddPermission registers a permission row and attaches it to its resource.
func (g *Graph) AddPermission(p Permission) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !p.Effect.Valid() {
		return ErrEffectConflict
	}
	if _, taken := g.kinds[p.ID]; taken {
		return fmt.Errorf("%w: id %d", ErrIDCollision, p.ID)
	}
	if _, taken := g.perms[p.ID]; taken {
		return fmt.Errorf("%w: id %d", ErrIDCollision, p.ID)
	}
	if err := g.requireKindLocked(p.ResourceID, KindResource); err != nil {
		return err
	}
	g.perms[p.ID] = &p
	set := g.resourcePerms[p.ResourceID]
	if set == nil {
		set = make(map[int64]struct{})
		g.resourcePerms[p.ResourceID] = set
	}
	set[p.ID] = struct{}{}
	return nil
}

// AttachPermissionToRole links an existing permission to a role.
func (g *Graph) AttachPermissionToRole(roleID, permID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireKindLocked(roleID, KindRole); err != nil {
		return err
	}
	if _, ok := g.perms[permID]; !ok {
		return fmt.Errorf("%w: permission %d", ErrNotFound, permID)
	}
	set := g.rolePerms[roleID]
	if set == nil {
		set = make(map[int64]struct{})
		g.rolePerms[roleID] = set
	}
	if _, dup := set[permID]; dup {
		return fmt.Errorf("%w: (%d, %d)", ErrDuplicateEdge, roleID, permID)
	}
	set[permID] = struct{}{}
	back := g.permRoles[permID]
	if back == nil {
		back = make(map[int64]struct{})
		g.permRoles[permID] = back
	}
	back[roleID] = struct{}{}
	return nil
}

// AttachPermissionToUser links an existing permission directly to a user.
func (g *Graph) AttachPermissionToUser(userID, permID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireKindLocked(userID, KindUser); err != nil {
		return err
	}
	if _, ok := g.perms[permID]; !ok {
		return fmt.Errorf("%w: permission %d", ErrNotFound, permID)
	}
	set := g.userPerms[userID]
	if set == nil {
		set = make(map[int64]struct{})
		g.userPerms[userID] = set
	}
	if _, dup := set[permID]; dup {
		return fmt.Errorf("%w: (%d, %d)", ErrDuplicateEdge, userID, permID)
	}
	set[permID] = struct{}{}
	back := g.permUsers[permID]
	if back == nil {
		back = make(map[int64]struct{})
		g.permUsers[permID] = back
	}
	back[userID] = struct{}{}
	return nil
}

// DetachPermissionFromRole removes a role's link to a permission.
func (g *Graph) DetachPermissionFromRole(roleID, permID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rolePerms[roleID][permID]; !ok {
		return fmt.Errorf("%w: (%d, %d)", ErrEdgeNotFound, roleID, permID)
	}
	delete(g.rolePerms[roleID], permID)
	delete(g.permRoles[permID], roleID)
	return nil
}

// DetachPermissionFromUser removes a user's direct link to a permission.
func (g *Graph) DetachPermissionFromUser(userID, permID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.userPerms[userID][permID]; !ok {
		return fmt.Errorf("%w: (%d, %d)", ErrEdgeNotFound, userID, permID)
	}
	delete(g.userPerms[userID], permID)
	delete(g.permUsers[permID], userID)
	return nil
}

// RemovePermission deletes a permission row and every attachment and
// delegation referring to it.
func (g *Graph) RemovePermission(permID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.perms[permID]; !ok {
		return fmt.Errorf("%w: permission %d", ErrNotFound, permID)
	}
	g.removePermissionLocked(permID)
	return nil
}

func (g *Graph) removePermissionLocked(permID int64) {
	p := g.perms[permID]
	if p != nil {
		delete(g.resourcePerms[p.ResourceID], permID)
	}
	for roleID := range g.permRoles[permID] {
		delete(g.rolePerms[roleID], permID)
	}
	delete(g.permRoles, permID)
	for userID := range g.permUsers[permID] {
		delete(g.userPerms[userID], permID)
	}
	delete(g.permUsers, permID)
	for to, list := range g.delegations {
		kept := list[:0]
		for _, d := range list {
			if d.PermissionID != permID {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(g.delegations, to)
		} else {
			g.delegations[to] = kept
		}
	}
	delete(g.perms, permID)
}

// --- delegations ---

// AddDelegation hands d.PermissionID from one user to another. The delegator
// must currently hold the permission through some source; the engine validates
// that before calling here.
func (g *Graph) AddDelegation(d Delegation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.requireKindLocked(d.FromUserID, KindUser); err != nil {
		return err
	}
	if err := g.requireKindLocked(d.ToUserID, KindUser); err != nil {
		return err
	}
	if _, ok := g.perms[d.PermissionID]; !ok {
		return fmt.Errorf("%w: permission %d", ErrNotFound, d.PermissionID)
	}
	for _, cur := range g.delegations[d.ToUserID] {
		if cur.FromUserID == d.FromUserID && cur.PermissionID == d.PermissionID {
			return fmt.Errorf("%w: delegation (%d -> %d, perm %d)", ErrDuplicateEdge, d.FromUserID, d.ToUserID, d.PermissionID)
		}
	}
	g.delegations[d.ToUserID] = append(g.delegations[d.ToUserID], d)
	return nil
}

// RemoveDelegation revokes a previously granted delegation.
func (g *Graph) RemoveDelegation(fromID, toID, permID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.delegations[toID]
	for i, d := range list {
		if d.FromUserID == fromID && d.PermissionID == permID {
			g.delegations[toID] = append(list[:i], list[i+1:]...)
			if len(g.delegations[toID]) == 0 {
				delete(g.delegations, toID)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: delegation (%d -> %d, perm %d)", ErrEdgeNotFound, fromID, toID, permID)
}
