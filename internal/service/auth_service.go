// Package service orchestrates the login flow: code issuance and delivery,
// verification, user lookup or creation, and token issuance.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"assist-auth/internal/bucketing"
	"assist-auth/internal/encryption"
	"assist-auth/internal/events"
	"assist-auth/internal/models"
	"assist-auth/internal/notify"
	"assist-auth/internal/otp"
	"assist-auth/internal/repository/scylla"
	"assist-auth/internal/secret"
	"assist-auth/internal/token"
	"assist-auth/internal/util"
)

var (
	// ErrStoreUnavailable means the backing store could not answer; callers
	// must fail closed and respond with a retryable error.
	ErrStoreUnavailable = errors.New("service: store unavailable")
	// ErrVerificationFailed is the single outcome for a locked identity, a
	// missing code and a wrong code. Callers must not distinguish them.
	ErrVerificationFailed = errors.New("service: verification failed")
)

// AuthService ties the OTP core to delivery, identity storage, token
// issuance and the audit pipeline. Storage and audit sinks are optional;
// the OTP store and token manager are not.
type AuthService struct {
	otp       *otp.Service
	notifier  notify.Notifier
	users     scylla.UserRepository
	tokens    *token.Manager
	publisher *events.Publisher
	encryptor *encryption.Manager
	buckets   *bucketing.Manager
	admins    map[string]struct{}
	cooldown  time.Duration
	lockFor   time.Duration
}

type AuthServiceParams struct {
	OTP       *otp.Service
	Notifier  notify.Notifier
	Users     scylla.UserRepository
	Tokens    *token.Manager
	Publisher *events.Publisher
	Encryptor *encryption.Manager
	Buckets   *bucketing.Manager
	Admins    []string
	Cooldown  time.Duration
	LockFor   time.Duration
}

func NewAuthService(p AuthServiceParams) *AuthService {
	admins := make(map[string]struct{}, len(p.Admins))
	for _, a := range p.Admins {
		admins[util.SanitizeIdentifier(a)] = struct{}{}
	}
	return &AuthService{
		otp:       p.OTP,
		notifier:  p.Notifier,
		users:     p.Users,
		tokens:    p.Tokens,
		publisher: p.Publisher,
		encryptor: p.Encryptor,
		buckets:   p.Buckets,
		admins:    admins,
		cooldown:  p.Cooldown,
		lockFor:   p.LockFor,
	}
}

// Profile is the caller-visible view of a user record.
type Profile struct {
	UserID      string     `json:"user_id"`
	Channel     string     `json:"channel"`
	Identifier  string     `json:"identifier"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// RequestCode issues and delivers a code for the identity tuple. The reply is
// deliberately uniform: whether a code was sent, the tuple is on cooldown or
// it is locked, the caller only learns how long to wait before retrying, so
// the endpoint cannot be used to probe account state.
func (s *AuthService) RequestCode(ctx context.Context, channel, identifier string) (retryAfter time.Duration, err error) {
	identifier = util.SanitizeIdentifier(identifier)
	masked := util.MaskIdentifier(identifier)

	code, err := s.otp.Generate(ctx, channel, identifier)
	switch {
	case err == nil:
		// fallthrough to delivery below
	case errors.Is(err, otp.ErrOnCooldown):
		onCooldown, remaining, cdErr := s.otp.CooldownRemaining(ctx, channel, identifier)
		if cdErr != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, cdErr)
		}
		if !onCooldown {
			remaining = s.cooldown
		}
		return remaining, nil
	case errors.Is(err, otp.ErrLocked):
		s.publish(ctx, models.EventOTPLocked, channel, masked, "", "request while locked")
		return s.lockFor, nil
	case errors.Is(err, secret.ErrUnavailable):
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return 0, err
	}

	if err := s.notifier.SendCode(ctx, channel, identifier, code); err != nil {
		// Delivery failure never rolls back OTP state; the user can retry
		// after the cooldown.
		util.Error("Code delivery failed",
			util.String("channel", channel),
			util.String("identifier", masked),
			util.ErrorField(err))
	}

	s.publish(ctx, models.EventOTPRequested, channel, masked, "", "")
	return s.cooldown, nil
}

// VerifyCode checks the candidate code and, on success, returns a token pair
// for the (existing or newly created) user. Every failure mode that depends
// on account state collapses into ErrVerificationFailed.
func (s *AuthService) VerifyCode(ctx context.Context, channel, identifier, code string) (*token.Pair, *models.User, error) {
	identifier = util.SanitizeIdentifier(identifier)
	masked := util.MaskIdentifier(identifier)

	err := s.otp.Verify(ctx, channel, identifier, code)
	switch {
	case err == nil:
	case errors.Is(err, otp.ErrLocked):
		s.publish(ctx, models.EventOTPLocked, channel, masked, "", "verify on locked identity")
		return nil, nil, ErrVerificationFailed
	case errors.Is(err, otp.ErrCodeInvalid):
		s.publish(ctx, models.EventLoginFailed, channel, masked, "", "invalid code")
		return nil, nil, ErrVerificationFailed
	case errors.Is(err, secret.ErrUnavailable):
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return nil, nil, err
	}

	user, err := s.getOrCreateUser(ctx, channel, identifier)
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.tokens.GeneratePair(user.UserID, user.Role)
	if err != nil {
		return nil, nil, err
	}

	if s.users != nil {
		now := time.Now().UTC()
		if err := s.users.UpdateLastLogin(ctx, user.Bucket, user.UserID, now); err != nil {
			util.Warn("Failed to record last login",
				util.String("user_id", user.UserID),
				util.ErrorField(err))
		} else {
			user.LastLoginAt = &now
		}
	}

	s.publish(ctx, models.EventLoginSuccess, channel, masked, user.UserID, "")
	return pair, user, nil
}

// Refresh exchanges a valid refresh token for a fresh pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	claims, err := s.tokens.Validate(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, err
	}

	role := models.RoleUser
	if s.users != nil {
		user, err := s.users.GetByID(ctx, s.buckets.GetUserBucket(claims.UserID), claims.UserID)
		if err != nil {
			if errors.Is(err, scylla.ErrUserNotFound) {
				return nil, token.ErrInvalidToken
			}
			return nil, err
		}
		role = user.Role
	}

	return s.tokens.GeneratePair(claims.UserID, role)
}

// GetProfile loads the user behind a validated access token and decrypts the
// identifier for display.
func (s *AuthService) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if s.users == nil {
		return nil, scylla.ErrUserNotFound
	}

	user, err := s.users.GetByID(ctx, s.buckets.GetUserBucket(userID), userID)
	if err != nil {
		return nil, err
	}

	identifier := ""
	if len(user.IdentifierEncrypted) > 0 && s.encryptor != nil {
		var data encryption.EncryptedData
		if err := json.Unmarshal(user.IdentifierEncrypted, &data); err != nil {
			return nil, fmt.Errorf("corrupt identifier record: %w", err)
		}
		identifier, err = s.encryptor.DecryptField(ctx, &data)
		if err != nil {
			return nil, err
		}
	}

	return &Profile{
		UserID:      user.UserID,
		Channel:     user.Channel,
		Identifier:  identifier,
		Role:        user.Role,
		CreatedAt:   user.CreatedAt,
		LastLoginAt: user.LastLoginAt,
	}, nil
}

// ValidateAccess parses an access token for the middleware layer.
func (s *AuthService) ValidateAccess(tokenString string) (*token.Claims, error) {
	return s.tokens.Validate(tokenString, token.TypeAccess)
}

func (s *AuthService) getOrCreateUser(ctx context.Context, channel, identifier string) (*models.User, error) {
	role := models.RoleUser
	if _, ok := s.admins[identifier]; ok {
		role = models.RoleAdmin
	}

	hash := hashIdentifier(channel, identifier)

	if s.users == nil {
		// No durable store configured (dev without Scylla): mint a stable
		// user from the identity hash so tokens stay consistent.
		return &models.User{
			UserID:         hash[:32],
			Channel:        channel,
			IdentifierHash: hash,
			Role:           role,
			CreatedAt:      time.Now().UTC(),
		}, nil
	}

	user, err := s.users.GetByIdentity(ctx, channel, hash)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, scylla.ErrUserNotFound) {
		return nil, err
	}

	user = &models.User{
		Channel:        channel,
		IdentifierHash: hash,
		Role:           role,
	}

	if s.encryptor != nil {
		encrypted, err := s.encryptor.EncryptField(ctx, identifier)
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(encrypted)
		if err != nil {
			return nil, err
		}
		user.IdentifierEncrypted = blob
		user.IdentifierKeyID = encrypted.KeyID
	}

	// The bucket is derived from the user ID, so it must be assigned before
	// the create; Create fills the ID only when the caller left it empty.
	user.UserID = newUserID()
	user.Bucket = s.buckets.GetUserBucket(user.UserID)

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) publish(ctx context.Context, eventType, channel, maskedIdentifier, userID, detail string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, eventType, channel, maskedIdentifier, userID, detail)
}

func newUserID() string {
	return uuid.New().String()
}

// hashIdentifier is the lookup key for the identity mapping. It is scoped by
// channel so the same string used as email and phone yields distinct users.
func hashIdentifier(channel, identifier string) string {
	sum := sha256.Sum256([]byte(channel + ":" + identifier))
	return hex.EncodeToString(sum[:])
}
