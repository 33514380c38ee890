package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"authgrid.org/internal/engine"
	"authgrid.org/internal/graph"
)

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestPersistChangeCreateUser(t *testing.T) {
	s, mock := newStore(t)

	now := time.Now().UTC()
	u := graph.User{
		Header: graph.Header{ID: 3, Kind: graph.KindUser, TenantID: "acme", CreatedAt: now, UpdatedAt: now},
		Email:  "a@example.com",
		Status: graph.UserStatusActive,
	}
	ch := engine.Change{
		ChangeID:  "chg-1",
		Seq:       1,
		Kind:      engine.KindCreateUser,
		Command:   &engine.CreateUser{TenantID: "acme", Email: "a@example.com"},
		Result:    engine.Result{EntityID: 3, Entity: u},
		AppliedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into changes").
		WithArgs("chg-1", uint64(1), engine.KindCreateUser, sqlmock.AnyArg(), int64(0), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into entities").
		WithArgs(int64(3), graph.KindUser, "acme", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.PersistChange(context.Background(), ch); err != nil {
		t.Fatalf("PersistChange: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPersistChangeIdempotent(t *testing.T) {
	s, mock := newStore(t)

	ch := engine.Change{
		ChangeID:  "chg-dup",
		Seq:       5,
		Kind:      engine.KindCreateGroup,
		Command:   &engine.CreateGroup{TenantID: "acme", Name: "eng"},
		AppliedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	// conflict on change_id: zero rows affected, nothing else runs
	mock.ExpectExec("insert into changes").
		WithArgs("chg-dup", uint64(5), engine.KindCreateGroup, sqlmock.AnyArg(), int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := s.PersistChange(context.Background(), ch); err != nil {
		t.Fatalf("PersistChange: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPersistChangeGrantPermission(t *testing.T) {
	s, mock := newStore(t)

	now := time.Now().UTC()
	p := graph.Permission{
		ID: 9, TenantID: "acme", ResourceID: 4, Verb: "GET",
		Effect: graph.EffectGrant, CreatedAt: now,
	}
	ch := engine.Change{
		ChangeID:  "chg-2",
		Seq:       2,
		Kind:      engine.KindGrantPermission,
		Command:   &engine.GrantPermission{TenantID: "acme", ResourceID: 4, Verb: "GET", Effect: "grant", RoleID: 7},
		Result:    engine.Result{EntityID: 9, Entity: p},
		AppliedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into changes").
		WithArgs("chg-2", uint64(2), engine.KindGrantPermission, sqlmock.AnyArg(), int64(0), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into permissions").
		WithArgs(int64(9), "acme", int64(4), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into attachments").
		WithArgs("role", int64(7), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.PersistChange(context.Background(), ch); err != nil {
		t.Fatalf("PersistChange: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPersistChangeRollsBackOnFailure(t *testing.T) {
	s, mock := newStore(t)

	ch := engine.Change{
		ChangeID:  "chg-3",
		Seq:       3,
		Kind:      engine.KindAddGroupMember,
		Command:   &engine.AddGroupMember{UserID: 1, GroupID: 2},
		AppliedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into changes").
		WithArgs("chg-3", uint64(3), engine.KindAddGroupMember, sqlmock.AnyArg(), int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into edges").
		WithArgs("member", int64(1), int64(2), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := s.PersistChange(context.Background(), ch); err == nil {
		t.Fatal("expected persist failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	s, mock := newStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	userPayload, _ := json.Marshal(graph.User{
		Header: graph.Header{ID: 1, Kind: graph.KindUser, TenantID: "acme", CreatedAt: now, UpdatedAt: now},
		Email:  "a@example.com", Status: graph.UserStatusActive,
	})
	rolePayload, _ := json.Marshal(graph.Role{
		Header: graph.Header{ID: 2, Kind: graph.KindRole, TenantID: "acme", CreatedAt: now, UpdatedAt: now},
		Name:   "viewer",
	})
	resPayload, _ := json.Marshal(graph.Resource{
		Header:     graph.Header{ID: 3, Kind: graph.KindResource, TenantID: "acme", CreatedAt: now, UpdatedAt: now},
		URIPattern: "/api/*",
	})
	permPayload, _ := json.Marshal(graph.Permission{
		ID: 4, TenantID: "acme", ResourceID: 3, Verb: "GET", Effect: graph.EffectGrant, CreatedAt: now,
	})

	mock.ExpectQuery("select id, kind, payload, coalesce.*from entities").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "payload", "password_hash"}).
			AddRow(int64(1), "user", userPayload, "secret-hash").
			AddRow(int64(2), "role", rolePayload, "").
			AddRow(int64(3), "resource", resPayload, ""))
	mock.ExpectQuery("select payload from permissions").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(permPayload))
	mock.ExpectQuery("select relation, subject_id, object_id.*from edges").
		WillReturnRows(sqlmock.NewRows([]string{"relation", "subject_id", "object_id", "granted_by", "granted_at"}).
			AddRow("user_role", int64(1), int64(2), int64(0), now))
	mock.ExpectQuery("select holder_kind, holder_id, permission_id").
		WillReturnRows(sqlmock.NewRows([]string{"holder_kind", "holder_id", "permission_id"}).
			AddRow("role", int64(2), int64(4)))
	mock.ExpectQuery("select from_user_id, to_user_id, permission_id").
		WillReturnRows(sqlmock.NewRows([]string{"from_user_id", "to_user_id", "permission_id", "valid_from", "valid_until", "granted_at"}))

	snap, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Users) != 1 || snap.Users[0].PasswordHash != "secret-hash" {
		t.Fatalf("users = %+v", snap.Users)
	}
	if len(snap.Roles) != 1 || len(snap.Resources) != 1 || len(snap.Permissions) != 1 {
		t.Fatalf("entities missing: %+v", snap)
	}
	if len(snap.UserRoles) != 1 || snap.UserRoles[0].SubjectID != 1 || snap.UserRoles[0].ObjectID != 2 {
		t.Fatalf("user roles = %+v", snap.UserRoles)
	}
	if len(snap.RolePermissions) != 1 || snap.RolePermissions[0].PermissionID != 4 {
		t.Fatalf("attachments = %+v", snap.RolePermissions)
	}

	// the snapshot must restore into a working graph
	g, err := graph.Restore(snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if g.HighWater() != 4 {
		t.Fatalf("high water = %d", g.HighWater())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHighWater(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery("select greatest").
		WillReturnRows(sqlmock.NewRows([]string{"greatest"}).AddRow(int64(42)))
	hw, err := s.HighWater(context.Background())
	if err != nil {
		t.Fatalf("HighWater: %v", err)
	}
	if hw != 42 {
		t.Fatalf("high water = %d", hw)
	}
}

func TestDeadLetterStoreAndResolve(t *testing.T) {
	s, mock := newStore(t)
	dl := s.DeadLetters()

	ch := engine.Change{
		ChangeID: "chg-stuck",
		Kind:     engine.KindCreateGroup,
		Command:  &engine.CreateGroup{TenantID: "acme", Name: "eng"},
	}
	mock.ExpectExec("insert into dead_letters").
		WithArgs("chg-stuck", engine.KindCreateGroup, sqlmock.AnyArg(), "store unavailable", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := dl.Store(context.Background(), ch, errors.New("store unavailable")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	mock.ExpectExec("delete from dead_letters").
		WithArgs("chg-stuck").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := dl.Resolve(context.Background(), "chg-stuck"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
