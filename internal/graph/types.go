package graph

import "time"

// Kind discriminates entity variants sharing the common identity header.
type Kind string

const (
	KindUser     Kind = "user"
	KindGroup    Kind = "group"
	KindRole     Kind = "role"
	KindResource Kind = "resource"
)

// Valid reports whether k names a known entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindGroup, KindRole, KindResource:
		return true
	}
	return false
}

// Effect is the outcome a permission carries. A permission is exactly one of
// Grant or Deny, never both.
type Effect string

const (
	EffectGrant Effect = "grant"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is a recognised effect.
func (e Effect) Valid() bool {
	return e == EffectGrant || e == EffectDeny
}

// Header is the identity and timestamp block shared by every entity variant.
// Entity ids are drawn from a single space: no two entities of any kind share
// an id within a tenant.
type Header struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a principal on whose behalf access decisions are made. Credential
// material is owned by the identity subsystem; the graph carries only the
// subject metadata needed for decisions and audit.
type User struct {
	Header
	Email        string `json:"email"`
	DisplayName  string `json:"display_name,omitempty"`
	Status       string `json:"status"`
	PasswordHash string `json:"-"`
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Group is a named collection of users. Groups nest through parent/child
// edges forming a DAG; the hierarchy must never close a cycle.
type Group struct {
	Header
	Name string `json:"name"`
}

// Role groups permissions and is assignable to users and groups.
type Role struct {
	Header
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Resource is an addressable target of permissions. URIPattern may contain
// `*` wildcard segments and `{name}` parameters. Resources form a tree via
// ParentID (0 = root); the tree scopes administration only — permissions are
// not inherited down it.
type Resource struct {
	Header
	URIPattern string `json:"uri_pattern"`
	ParentID   int64  `json:"parent_id,omitempty"`
}

// Permission is a Grant or Deny of a verb on a resource, optionally bounded
// in time and guarded by a condition expression.
type Permission struct {
	ID          int64      `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ResourceID  int64      `json:"resource_id"`
	Verb        string     `json:"verb"`
	Effect      Effect     `json:"effect"`
	ValidFrom   *time.Time `json:"valid_from,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	Condition   string     `json:"condition,omitempty"`
	DelegatedBy int64      `json:"delegated_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ActiveAt reports whether the permission's validity window contains t.
// A permission with no window is always active.
func (p Permission) ActiveAt(t time.Time) bool {
	if p.ValidFrom != nil && t.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && !t.Before(*p.ValidUntil) {
		return false
	}
	return true
}

// Edge records one membership or assignment association together with its
// audit pair. Uniqueness is enforced per (subject, object).
type Edge struct {
	SubjectID int64     `json:"subject_id"`
	ObjectID  int64     `json:"object_id"`
	GrantedBy int64     `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// Delegation hands an existing permission from one principal to another,
// bounded by its own validity window.
type Delegation struct {
	FromUserID   int64      `json:"from_user_id"`
	ToUserID     int64      `json:"to_user_id"`
	PermissionID int64      `json:"permission_id"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
	GrantedAt    time.Time  `json:"granted_at"`
}

// ActiveAt reports whether the delegation window contains t.
func (d Delegation) ActiveAt(t time.Time) bool {
	if d.ValidFrom != nil && t.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && !t.Before(*d.ValidUntil) {
		return false
	}
	return true
}
