package users

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

const maxUsernameLen = 64

var (
	ErrInvalidUsername = errors.New("users: username is required")
	ErrNotFound        = errors.New("users: not found")
)

// Repository is the persistence contract for users.
type Repository interface {
	// ResolveOrCreate returns the user named username, inserting it if absent.
	// Implementations must be safe against concurrent logins of the same name.
	ResolveOrCreate(ctx context.Context, username string) (User, error)
	Get(ctx context.Context, id int64) (User, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// ResolveOrCreateUser maps a login name to a durable user id.
func (s *Service) ResolveOrCreateUser(ctx context.Context, username string) (User, error) {
	name := strings.TrimSpace(username)
	if name == "" || utf8.RuneCountInString(name) > maxUsernameLen {
		return User{}, ErrInvalidUsername
	}
	if s.repo == nil {
		return User{}, errors.New("users: repository not configured")
	}
	return s.repo.ResolveOrCreate(ctx, name)
}

func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	if id <= 0 {
		return User{}, ErrNotFound
	}
	if s.repo == nil {
		return User{}, errors.New("users: repository not configured")
	}
	return s.repo.Get(ctx, id)
}
