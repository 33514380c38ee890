package graph

import "sort"

// GroupsOf returns the groups a user belongs to directly.
func (g *Graph) GroupsOf(userID int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.userGroups[userID])
}

// EffectiveGroups returns a user's direct groups plus every ancestor group
// reachable within the hierarchy depth bound.
func (g *Graph) EffectiveGroups(userID int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[int64]struct{})
	var frontier []int64
	for groupID := range g.userGroups[userID] {
		seen[groupID] = struct{}{}
		frontier = append(frontier, groupID)
	}
	for depth := 0; depth < maxHierarchyDepth && len(frontier) > 0; depth++ {
		var next []int64
		for _, id := range frontier {
			for parent := range g.groupParents[id] {
				if _, ok := seen[parent]; ok {
					continue
				}
				seen[parent] = struct{}{}
				next = append(next, parent)
			}
		}
		frontier = next
	}
	return sortedSet(seen)
}

// DirectRoles returns roles assigned straight to the user.
func (g *Graph) DirectRoles(userID int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.userRoles[userID])
}

// GroupRoles returns roles assigned to a group.
func (g *Graph) GroupRoles(groupID int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.groupRoles[groupID])
}

// EffectiveRoles returns the user's direct roles plus every role granted to
// any of the user's effective groups.
func (g *Graph) EffectiveRoles(userID int64) []int64 {
	groups := g.EffectiveGroups(userID)

	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[int64]struct{})
	for roleID := range g.userRoles[userID] {
		seen[roleID] = struct{}{}
	}
	for _, groupID := range groups {
		for roleID := range g.groupRoles[groupID] {
			seen[roleID] = struct{}{}
		}
	}
	return sortedSet(seen)
}

// RolePermissions returns the permission rows attached to a role.
func (g *Graph) RolePermissions(roleID int64) []Permission {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.permsByIDLocked(g.rolePerms[roleID])
}

// DirectPermissions returns permission rows attached straight to a user.
func (g *Graph) DirectPermissions(userID int64) []Permission {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.permsByIDLocked(g.userPerms[userID])
}

// ResourcePermissions returns the permission rows attached to a resource.
func (g *Graph) ResourcePermissions(resourceID int64) []Permission {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.permsByIDLocked(g.resourcePerms[resourceID])
}

// DelegationsTo returns delegations received by a user together with the
// underlying permission rows. Delegations whose permission has since been
// revoked are already pruned by RemovePermission.
func (g *Graph) DelegationsTo(userID int64) []Delegation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	list := g.delegations[userID]
	out := make([]Delegation, len(list))
	copy(out, list)
	return out
}

// GroupParentIDs returns the direct parents of a group.
func (g *Graph) GroupParentIDs(groupID int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.groupParents[groupID])
}

// GroupChildIDs returns the direct children of a group.
func (g *Graph) GroupChildIDs(groupID int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedSet(g.groupChildren[groupID])
}

// HierarchyNode is one group in a hierarchy listing.
type HierarchyNode struct {
	Group    Group   `json:"group"`
	Parents  []int64 `json:"parents,omitempty"`
	Children []int64 `json:"children,omitempty"`
}

// Hierarchy returns the tenant's group hierarchy as adjacency lists.
func (g *Graph) Hierarchy(tenantID string) []HierarchyNode {
	groups := g.ListGroups(tenantID)

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]HierarchyNode, 0, len(groups))
	for _, grp := range groups {
		out = append(out, HierarchyNode{
			Group:    grp,
			Parents:  sortedKeys(g.groupParents[grp.ID]),
			Children: sortedSet(g.groupChildren[grp.ID]),
		})
	}
	return out
}

// UserHoldsPermission reports whether the user holds the permission through a
// direct attachment, any effective role, or an active delegation. Used to
// validate delegation commands (one can only delegate what one holds).
func (g *Graph) UserHoldsPermission(userID, permID int64) bool {
	g.mu.RLock()
	if _, ok := g.userPerms[userID][permID]; ok {
		g.mu.RUnlock()
		return true
	}
	g.mu.RUnlock()

	for _, roleID := range g.EffectiveRoles(userID) {
		g.mu.RLock()
		_, ok := g.rolePerms[roleID][permID]
		g.mu.RUnlock()
		if ok {
			return true
		}
	}
	for _, d := range g.DelegationsTo(userID) {
		if d.PermissionID == permID {
			return true
		}
	}
	return false
}

func (g *Graph) permsByIDLocked(ids map[int64]struct{}) []Permission {
	out := make([]Permission, 0, len(ids))
	for id := range ids {
		if p := g.perms[id]; p != nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedKeys(m map[int64]Edge) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedSet(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
