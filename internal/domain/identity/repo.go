package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	// FindByEmailWithRole returns the active user with exactly this email who
	// holds role, or ErrNotFound.
	FindByEmailWithRole(ctx context.Context, email, role string) (*User, error)
	// FirstWithRole returns the earliest created active user holding role
	// (ties broken by id), or ErrNotFound.
	FirstWithRole(ctx context.Context, role string) (*User, error)
}
