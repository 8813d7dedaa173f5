package scylla

import (
	"context"
	"errors"
	"time"

	"assist-auth/internal/models"
)

// ErrUserNotFound is returned when no user exists for the given key.
var ErrUserNotFound = errors.New("scylla: user not found")

// UserRepository defines the operations the auth flow needs on the durable
// identity store.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByIdentity(ctx context.Context, channel, identifierHash string) (*models.User, error)
	GetByID(ctx context.Context, bucket int, userID string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, bucket int, userID string, at time.Time) error
	HealthCheck(ctx context.Context) error
}
