package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "auth.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreResolve(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	u, err := s.CreateUser(ctx, "alice", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := s.CreateSession(ctx, u.UserID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	p, err := s.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.UserID != u.UserID || p.Name != "alice" || p.Admin {
		t.Fatalf("resolved %+v", p)
	}

	if _, err := s.Resolve(ctx, "not-a-token"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthorizeRoles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	svc := NewService(s)

	user, _ := s.CreateUser(ctx, "alice", false)
	admin, _ := s.CreateUser(ctx, "mod", true)
	userTok, _ := s.CreateSession(ctx, user.UserID)
	adminTok, _ := s.CreateSession(ctx, admin.UserID)

	cases := []struct {
		name  string
		token string
		role  Role
		err   error
	}{
		{"user as user", userTok, RoleUser, nil},
		{"admin as user", adminTok, RoleUser, nil},
		{"admin as admin", adminTok, RoleAdmin, nil},
		{"user as admin", userTok, RoleAdmin, ErrForbidden},
		{"empty token", "", RoleUser, ErrUnauthenticated},
		{"unknown token", "bogus", RoleAdmin, ErrUnauthenticated},
	}
	for _, tc := range cases {
		_, err := svc.Authorize(ctx, tc.token, tc.role)
		if !errors.Is(err, tc.err) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.err)
		}
	}

	p, err := svc.Authorize(ctx, adminTok, RoleAdmin)
	if err != nil {
		t.Fatalf("authorize admin: %v", err)
	}
	if !p.Admin || p.Name != "mod" {
		t.Fatalf("principal = %+v", p)
	}
}
