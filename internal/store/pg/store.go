// Package pg is the persistence collaborator: it records accepted commands in
// Postgres and serves the full graph snapshot at startup. The in-memory graph
// is the source of truth at runtime; this store only has to keep up.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authgrid.org/internal/engine"
	"authgrid.org/internal/graph"
)

// Edge relation names as stored in the edges table.
const (
	relMember      = "member"
	relUserRole    = "user_role"
	relGroupRole   = "group_role"
	relGroupParent = "group_parent"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; tests pass a sqlmock here.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports store reachability for the health supervisor.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// HighWater returns the largest id ever assigned, across entities and
// permissions, so the allocator never reissues one.
func (s *Store) HighWater(ctx context.Context) (int64, error) {
	var hw int64
	err := s.db.QueryRowContext(ctx, `
		select greatest(
			coalesce((select max(id) from entities), 0),
			coalesce((select max(id) from permissions), 0)
		)
	`).Scan(&hw)
	if err != nil {
		return 0, err
	}
	return hw, nil
}

// PersistChange records one accepted command. The change log insert doubles as
// the idempotency guard: a change id seen before commits without re-applying.
func (s *Store) PersistChange(ctx context.Context, ch engine.Change) error {
	payload, err := json.Marshal(ch.Command)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into changes(change_id, seq, kind, payload, actor_id, applied_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (change_id) do nothing
	`, ch.ChangeID, ch.Seq, ch.Kind, payload, ch.ActorID, ch.AppliedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// already applied on an earlier attempt
		return tx.Commit()
	}

	if err := s.applyChange(ctx, tx, ch); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) applyChange(ctx context.Context, tx *sql.Tx, ch engine.Change) error {
	switch cmd := ch.Command.(type) {
	case *engine.CreateUser, *engine.UpdateUser:
		u, err := resultAs[graph.User](ch.Result.Entity)
		if err != nil {
			return err
		}
		return upsertEntity(ctx, tx, u.Header, u, u.PasswordHash)
	case *engine.CreateGroup, *engine.UpdateGroup:
		g, err := resultAs[graph.Group](ch.Result.Entity)
		if err != nil {
			return err
		}
		return upsertEntity(ctx, tx, g.Header, g, "")
	case *engine.CreateRole, *engine.UpdateRole:
		r, err := resultAs[graph.Role](ch.Result.Entity)
		if err != nil {
			return err
		}
		return upsertEntity(ctx, tx, r.Header, r, "")
	case *engine.CreateResource, *engine.UpdateResource:
		r, err := resultAs[graph.Resource](ch.Result.Entity)
		if err != nil {
			return err
		}
		return upsertEntity(ctx, tx, r.Header, r, "")

	case *engine.DeleteEntity:
		return deleteEntity(ctx, tx, cmd.ID)

	case *engine.AddGroupMember:
		return insertEdge(ctx, tx, relMember, cmd.UserID, cmd.GroupID, ch.AppliedAt)
	case *engine.DropGroupMember:
		return deleteEdge(ctx, tx, relMember, cmd.UserID, cmd.GroupID)
	case *engine.AddGroupParent:
		return insertEdge(ctx, tx, relGroupParent, cmd.ChildID, cmd.ParentID, ch.AppliedAt)
	case *engine.DropGroupParent:
		return deleteEdge(ctx, tx, relGroupParent, cmd.ChildID, cmd.ParentID)
	case *engine.AssignUserRole:
		return insertEdge(ctx, tx, relUserRole, cmd.UserID, cmd.RoleID, ch.AppliedAt)
	case *engine.DropUserRole:
		return deleteEdge(ctx, tx, relUserRole, cmd.UserID, cmd.RoleID)
	case *engine.AssignGroupRole:
		return insertEdge(ctx, tx, relGroupRole, cmd.GroupID, cmd.RoleID, ch.AppliedAt)
	case *engine.DropGroupRole:
		return deleteEdge(ctx, tx, relGroupRole, cmd.GroupID, cmd.RoleID)

	case *engine.GrantPermission:
		p, err := resultAs[graph.Permission](ch.Result.Entity)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions(id, tenant_id, resource_id, payload)
			values ($1,$2,$3,$4)
			on conflict (id) do update set payload = excluded.payload
		`, p.ID, p.TenantID, p.ResourceID, payload); err != nil {
			return err
		}
		holderKind, holderID := "role", cmd.RoleID
		if cmd.UserID > 0 {
			holderKind, holderID = "user", cmd.UserID
		}
		_, err = tx.ExecContext(ctx, `
			insert into attachments(holder_kind, holder_id, permission_id)
			values ($1,$2,$3)
			on conflict (holder_id, permission_id) do nothing
		`, holderKind, holderID, p.ID)
		return err

	case *engine.RevokePermission:
		if _, err := tx.ExecContext(ctx, `delete from attachments where permission_id=$1`, cmd.PermissionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from delegations where permission_id=$1`, cmd.PermissionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `delete from permissions where id=$1`, cmd.PermissionID)
		return err

	case *engine.DelegatePermission:
		_, err := tx.ExecContext(ctx, `
			insert into delegations(from_user_id, to_user_id, permission_id, valid_from, valid_until, granted_at)
			values ($1,$2,$3,$4,$5,$6)
			on conflict (from_user_id, to_user_id, permission_id) do nothing
		`, cmd.FromUserID, cmd.ToUserID, cmd.PermissionID, cmd.ValidFrom, cmd.ValidUntil, ch.AppliedAt)
		return err
	case *engine.DropDelegation:
		_, err := tx.ExecContext(ctx, `
			delete from delegations where from_user_id=$1 and to_user_id=$2 and permission_id=$3
		`, cmd.FromUserID, cmd.ToUserID, cmd.PermissionID)
		return err

	default:
		return fmt.Errorf("unhandled change kind %q", ch.Kind)
	}
}

func upsertEntity(ctx context.Context, tx *sql.Tx, h graph.Header, entity any, passwordHash string) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into entities(id, kind, tenant_id, payload, password_hash)
		values ($1,$2,$3,$4,nullif($5,''))
		on conflict (id) do update
		set payload = excluded.payload, password_hash = excluded.password_hash
	`, h.ID, h.Kind, h.TenantID, payload, passwordHash)
	return err
}

func insertEdge(ctx context.Context, tx *sql.Tx, relation string, subjectID, objectID int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		insert into edges(relation, subject_id, object_id, granted_at)
		values ($1,$2,$3,$4)
		on conflict (relation, subject_id, object_id) do nothing
	`, relation, subjectID, objectID, at)
	return err
}

func deleteEdge(ctx context.Context, tx *sql.Tx, relation string, subjectID, objectID int64) error {
	_, err := tx.ExecContext(ctx, `
		delete from edges where relation=$1 and subject_id=$2 and object_id=$3
	`, relation, subjectID, objectID)
	return err
}

// deleteEntity mirrors the in-memory cascade: dependent permissions, edges,
// attachments and delegations go with the entity, and child resources re-root.
func deleteEntity(ctx context.Context, tx *sql.Tx, id int64) error {
	stmts := []string{
		`delete from attachments where permission_id in (select id from permissions where resource_id=$1)`,
		`delete from delegations where permission_id in (select id from permissions where resource_id=$1)`,
		`delete from permissions where resource_id=$1`,
		`delete from edges where subject_id=$1 or object_id=$1`,
		`delete from attachments where holder_id=$1`,
		`delete from delegations where from_user_id=$1 or to_user_id=$1`,
		`update entities set payload = jsonb_set(payload, '{parent_id}', '0')
			where kind='resource' and (payload->>'parent_id')::bigint = $1`,
		`delete from entities where id=$1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the full snapshot for startup hydration.
func (s *Store) Load(ctx context.Context) (graph.Snapshot, error) {
	var snap graph.Snapshot

	rows, err := s.db.QueryContext(ctx, `
		select id, kind, payload, coalesce(password_hash, '') from entities order by id
	`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      int64
			kind    string
			payload []byte
			hash    string
		)
		if err := rows.Scan(&id, &kind, &payload, &hash); err != nil {
			return snap, err
		}
		switch graph.Kind(kind) {
		case graph.KindUser:
			var u graph.User
			if err := json.Unmarshal(payload, &u); err != nil {
				return snap, fmt.Errorf("decode user %d: %w", id, err)
			}
			u.PasswordHash = hash
			snap.Users = append(snap.Users, u)
		case graph.KindGroup:
			var g graph.Group
			if err := json.Unmarshal(payload, &g); err != nil {
				return snap, fmt.Errorf("decode group %d: %w", id, err)
			}
			snap.Groups = append(snap.Groups, g)
		case graph.KindRole:
			var r graph.Role
			if err := json.Unmarshal(payload, &r); err != nil {
				return snap, fmt.Errorf("decode role %d: %w", id, err)
			}
			snap.Roles = append(snap.Roles, r)
		case graph.KindResource:
			var r graph.Resource
			if err := json.Unmarshal(payload, &r); err != nil {
				return snap, fmt.Errorf("decode resource %d: %w", id, err)
			}
			snap.Resources = append(snap.Resources, r)
		default:
			return snap, fmt.Errorf("unknown entity kind %q for id %d", kind, id)
		}
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	if err := s.loadPermissions(ctx, &snap); err != nil {
		return snap, err
	}
	if err := s.loadEdges(ctx, &snap); err != nil {
		return snap, err
	}
	if err := s.loadAttachments(ctx, &snap); err != nil {
		return snap, err
	}
	return snap, s.loadDelegations(ctx, &snap)
}

func (s *Store) loadPermissions(ctx context.Context, snap *graph.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `select payload from permissions order by id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var p graph.Permission
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode permission: %w", err)
		}
		snap.Permissions = append(snap.Permissions, p)
	}
	return rows.Err()
}

func (s *Store) loadEdges(ctx context.Context, snap *graph.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		select relation, subject_id, object_id, granted_by, granted_at
		from edges order by relation, subject_id, object_id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			relation string
			e        graph.Edge
		)
		if err := rows.Scan(&relation, &e.SubjectID, &e.ObjectID, &e.GrantedBy, &e.GrantedAt); err != nil {
			return err
		}
		switch relation {
		case relMember:
			snap.UserGroups = append(snap.UserGroups, e)
		case relUserRole:
			snap.UserRoles = append(snap.UserRoles, e)
		case relGroupRole:
			snap.GroupRoles = append(snap.GroupRoles, e)
		case relGroupParent:
			snap.GroupParents = append(snap.GroupParents, e)
		default:
			return fmt.Errorf("unknown edge relation %q", relation)
		}
	}
	return rows.Err()
}

func (s *Store) loadAttachments(ctx context.Context, snap *graph.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		select holder_kind, holder_id, permission_id
		from attachments order by holder_id, permission_id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			a    graph.PermAttachment
		)
		if err := rows.Scan(&kind, &a.HolderID, &a.PermissionID); err != nil {
			return err
		}
		switch kind {
		case "role":
			snap.RolePermissions = append(snap.RolePermissions, a)
		case "user":
			snap.UserPermissions = append(snap.UserPermissions, a)
		default:
			return fmt.Errorf("unknown attachment holder kind %q", kind)
		}
	}
	return rows.Err()
}

func (s *Store) loadDelegations(ctx context.Context, snap *graph.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		select from_user_id, to_user_id, permission_id, valid_from, valid_until, granted_at
		from delegations order by to_user_id, permission_id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d graph.Delegation
		if err := rows.Scan(&d.FromUserID, &d.ToUserID, &d.PermissionID, &d.ValidFrom, &d.ValidUntil, &d.GrantedAt); err != nil {
			return err
		}
		snap.Delegations = append(snap.Delegations, d)
	}
	return rows.Err()
}

// resultAs recovers the typed entity from a change record. In-process it is a
// direct assertion; a change round-tripped through JSON decodes instead.
func resultAs[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var t T
	data, err := json.Marshal(v)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode change entity: %w", err)
	}
	return t, nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
