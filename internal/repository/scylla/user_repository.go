package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"assist-auth/internal/models"
	"assist-auth/internal/util"
)

// userRepository stores users in two tables: the main users table keyed by
// (bucket, user_id) and an identity_to_user mapping keyed by
// (channel, identifier_hash) for login lookups. Writes go through a logged
// batch so the two stay consistent.
type userRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) UserRepository {
	return &userRepository{client: client}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateUser.Statement(),
		user.Bucket, user.UserID, user.Channel, user.IdentifierHash,
		user.IdentifierEncrypted, user.IdentifierKeyID, user.Role,
		user.CreatedAt, user.UpdatedAt, user.LastLoginAt)

	batch.Query(r.client.Prepared.CreateIdentityToUser.Statement(),
		user.Channel, user.IdentifierHash, user.Bucket, user.UserID, user.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create user",
			util.String("user_id", user.UserID),
			util.String("channel", user.Channel),
			util.ErrorField(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		util.String("user_id", user.UserID),
		util.String("channel", user.Channel),
		util.String("role", user.Role))

	return nil
}

func (r *userRepository) GetByIdentity(ctx context.Context, channel, identifierHash string) (*models.User, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByIdentity.Bind(channel, identifierHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to look up user by identity",
			util.String("channel", channel),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to look up user by identity: %w", err)
	}

	return r.GetByID(ctx, bucket, userID)
}

func (r *userRepository) GetByID(ctx context.Context, bucket int, userID string) (*models.User, error) {
	user := &models.User{}

	query := r.client.Prepared.GetUserByID.Bind(bucket, userID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&user.Bucket, &user.UserID, &user.Channel, &user.IdentifierHash,
		&user.IdentifierEncrypted, &user.IdentifierKeyID, &user.Role,
		&user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to get user by ID",
			util.String("user_id", userID),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

func (r *userRepository) UpdateLastLogin(ctx context.Context, bucket int, userID string, at time.Time) error {
	query := r.client.Prepared.UpdateLastLogin.Bind(at, at, bucket, userID).WithContext(ctx)
	if err := query.Exec(); err != nil {
		util.Error("Failed to update last login",
			util.String("user_id", userID),
			util.ErrorField(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (r *userRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
