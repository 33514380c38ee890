package graph

import "sort"

// PermAttachment links a permission row to the role or user holding it.
type PermAttachment struct {
	HolderID     int64 `json:"holder_id"`
	PermissionID int64 `json:"permission_id"`
}

// Snapshot is the full serializable state of a graph, used for startup
// hydration from the persistence collaborator and for tests.
type Snapshot struct {
	Users       []User       `json:"users"`
	Groups      []Group      `json:"groups"`
	Roles       []Role       `json:"roles"`
	Resources   []Resource   `json:"resources"`
	Permissions []Permission `json:"permissions"`

	UserGroups   []Edge `json:"user_groups"`
	UserRoles    []Edge `json:"user_roles"`
	GroupRoles   []Edge `json:"group_roles"`
	GroupParents []Edge `json:"group_parents"`

	RolePermissions []PermAttachment `json:"role_permissions"`
	UserPermissions []PermAttachment `json:"user_permissions"`
	Delegations     []Delegation     `json:"delegations"`
}

// Snapshot copies out the entire graph state under one read lock.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s Snapshot
	for _, u := range g.users {
		s.Users = append(s.Users, *u)
	}
	for _, grp := range g.groups {
		s.Groups = append(s.Groups, *grp)
	}
	for _, r := range g.roles {
		s.Roles = append(s.Roles, *r)
	}
	for _, res := range g.resources {
		s.Resources = append(s.Resources, *res)
	}
	for _, p := range g.perms {
		s.Permissions = append(s.Permissions, *p)
	}
	for _, set := range g.userGroups {
		for _, e := range set {
			s.UserGroups = append(s.UserGroups, e)
		}
	}
	for _, set := range g.userRoles {
		for _, e := range set {
			s.UserRoles = append(s.UserRoles, e)
		}
	}
	for _, set := range g.groupRoles {
		for _, e := range set {
			s.GroupRoles = append(s.GroupRoles, e)
		}
	}
	for _, set := range g.groupParents {
		for _, e := range set {
			s.GroupParents = append(s.GroupParents, e)
		}
	}
	for roleID, set := range g.rolePerms {
		for permID := range set {
			s.RolePermissions = append(s.RolePermissions, PermAttachment{HolderID: roleID, PermissionID: permID})
		}
	}
	for userID, set := range g.userPerms {
		for permID := range set {
			s.UserPermissions = append(s.UserPermissions, PermAttachment{HolderID: userID, PermissionID: permID})
		}
	}
	for _, list := range g.delegations {
		s.Delegations = append(s.Delegations, list...)
	}
	s.sortStable()
	return s
}

// Restore builds a graph from a snapshot, replaying entities before edges so
// every reference resolves. Returns the first inconsistency encountered.
func Restore(s Snapshot) (*Graph, error) {
	g := New()
	for _, u := range s.Users {
		if err := g.AddUser(u); err != nil {
			return nil, err
		}
	}
	for _, grp := range s.Groups {
		if err := g.AddGroup(grp); err != nil {
			return nil, err
		}
	}
	for _, r := range s.Roles {
		if err := g.AddRole(r); err != nil {
			return nil, err
		}
	}
	// parents before children so AddResource finds ParentID
	ordered := append([]Resource(nil), s.Resources...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for _, res := range ordered {
		if err := g.AddResource(res); err != nil {
			return nil, err
		}
	}
	for _, p := range s.Permissions {
		if err := g.AddPermission(p); err != nil {
			return nil, err
		}
	}
	for _, e := range s.UserGroups {
		if err := g.AddUserToGroup(e); err != nil {
			return nil, err
		}
	}
	for _, e := range s.UserRoles {
		if err := g.AssignRoleToUser(e); err != nil {
			return nil, err
		}
	}
	for _, e := range s.GroupRoles {
		if err := g.AssignRoleToGroup(e); err != nil {
			return nil, err
		}
	}
	for _, e := range s.GroupParents {
		if err := g.AddGroupParent(e.SubjectID, e.ObjectID, e); err != nil {
			return nil, err
		}
	}
	for _, a := range s.RolePermissions {
		if err := g.AttachPermissionToRole(a.HolderID, a.PermissionID); err != nil {
			return nil, err
		}
	}
	for _, a := range s.UserPermissions {
		if err := g.AttachPermissionToUser(a.HolderID, a.PermissionID); err != nil {
			return nil, err
		}
	}
	for _, d := range s.Delegations {
		if err := g.AddDelegation(d); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (s *Snapshot) sortStable() {
	sort.Slice(s.Users, func(i, j int) bool { return s.Users[i].ID < s.Users[j].ID })
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].ID < s.Groups[j].ID })
	sort.Slice(s.Roles, func(i, j int) bool { return s.Roles[i].ID < s.Roles[j].ID })
	sort.Slice(s.Resources, func(i, j int) bool { return s.Resources[i].ID < s.Resources[j].ID })
	sort.Slice(s.Permissions, func(i, j int) bool { return s.Permissions[i].ID < s.Permissions[j].ID })
	sortEdges := func(edges []Edge) {
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].SubjectID != edges[j].SubjectID {
				return edges[i].SubjectID < edges[j].SubjectID
			}
			return edges[i].ObjectID < edges[j].ObjectID
		})
	}
	sortEdges(s.UserGroups)
	sortEdges(s.UserRoles)
	sortEdges(s.GroupRoles)
	sortEdges(s.GroupParents)
	sortAtt := func(atts []PermAttachment) {
		sort.Slice(atts, func(i, j int) bool {
			if atts[i].HolderID != atts[j].HolderID {
				return atts[i].HolderID < atts[j].HolderID
			}
			return atts[i].PermissionID < atts[j].PermissionID
		})
	}
	sortAtt(s.RolePermissions)
	sortAtt(s.UserPermissions)
	sort.Slice(s.Delegations, func(i, j int) bool {
		if s.Delegations[i].ToUserID != s.Delegations[j].ToUserID {
			return s.Delegations[i].ToUserID < s.Delegations[j].ToUserID
		}
		return s.Delegations[i].PermissionID < s.Delegations[j].PermissionID
	})
}
