// Package auth resolves opaque session tokens to principals and gates
// mutating operations by role. The core never sees credentials; tokens are
// issued by the session collaborator (the sqlite Store here, or a real
// OAuth-backed issuer satisfying Resolver).
package auth

import (
	"context"
	"errors"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Role int

const (
	RoleUser Role = iota
	RoleAdmin
)

type Principal struct {
	UserID string
	Name   string
	Admin  bool
}

// Resolver maps a session token to a principal. Unknown or expired tokens
// resolve to ErrUnauthenticated.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

type Service struct {
	res Resolver
}

func NewService(res Resolver) *Service {
	return &Service{res: res}
}

// Authorize resolves the token and checks the required role. Failures are
// uniform: they carry no hint about whether any resource exists.
func (s *Service) Authorize(ctx context.Context, token string, role Role) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	p, err := s.res.Resolve(ctx, token)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	if role == RoleAdmin && !p.Admin {
		return Principal{}, ErrForbidden
	}
	return p, nil
}
