package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assist-auth/internal/bucketing"
	"assist-auth/internal/config"
	"assist-auth/internal/encryption"
	"assist-auth/internal/models"
	"assist-auth/internal/otp"
	"assist-auth/internal/repository/scylla"
	"assist-auth/internal/secret"
	"assist-auth/internal/token"
)

// fakeNotifier captures delivered codes instead of sending them.
type fakeNotifier struct {
	mu    sync.Mutex
	codes []string
	fail  bool
}

func (f *fakeNotifier) SendCode(ctx context.Context, channel, identifier, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("delivery down")
	}
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeNotifier) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return ""
	}
	return f.codes[len(f.codes)-1]
}

func (f *fakeNotifier) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

// stubRepo is an in-memory UserRepository.
type stubRepo struct {
	mu         sync.Mutex
	byIdentity map[string]*models.User
	byID       map[string]*models.User
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		byIdentity: make(map[string]*models.User),
		byID:       make(map[string]*models.User),
	}
}

func (r *stubRepo) Create(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.byIdentity[user.Channel+":"+user.IdentifierHash] = user
	r.byID[user.UserID] = user
	return nil
}

func (r *stubRepo) GetByIdentity(ctx context.Context, channel, identifierHash string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byIdentity[channel+":"+identifierHash]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	return user, nil
}

func (r *stubRepo) GetByID(ctx context.Context, bucket int, userID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[userID]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	return user, nil
}

func (r *stubRepo) UpdateLastLogin(ctx context.Context, bucket int, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.byID[userID]; ok {
		user.LastLoginAt = &at
	}
	return nil
}

func (r *stubRepo) HealthCheck(ctx context.Context) error { return nil }

type authFixture struct {
	auth     *AuthService
	notifier *fakeNotifier
	repo     *stubRepo
	store    *secret.MemoryStore
}

func newAuthFixture(t *testing.T, admins ...string) *authFixture {
	t.Helper()

	store := secret.NewMemoryStore(50 * time.Millisecond)
	t.Cleanup(store.Close)

	otpSvc := otp.NewService(store, "test-salt", otp.Params{
		CodeLength:  6,
		TTL:         time.Minute,
		Cooldown:    30 * time.Millisecond,
		MaxAttempts: 3,
		LockFor:     time.Minute,
	})

	tokens, err := token.NewManager("test-jwt-secret", 30*time.Minute, 24*time.Hour)
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	repo := newStubRepo()

	auth := NewAuthService(AuthServiceParams{
		OTP:       otpSvc,
		Notifier:  notifier,
		Users:     repo,
		Tokens:    tokens,
		Encryptor: encryption.NewManager(config.KMSConfig{}, nil),
		Buckets:   bucketing.NewManager(config.BucketingConfig{UserBuckets: 10, EventBuckets: 10}),
		Admins:    admins,
		Cooldown:  30 * time.Millisecond,
		LockFor:   time.Minute,
	})

	return &authFixture{auth: auth, notifier: notifier, repo: repo, store: store}
}

func TestRequestCodeDeliversCode(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	retryAfter, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, retryAfter)
	assert.Len(t, fx.notifier.lastCode(), 6)
}

func TestRequestCodeOnCooldownLooksLikeSuccess(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)

	retryAfter, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.Equal(t, 1, fx.notifier.sent(), "second request must not deliver a new code")
}

func TestRequestCodeSurvivesDeliveryFailure(t *testing.T) {
	fx := newAuthFixture(t)
	fx.notifier.fail = true

	_, err := fx.auth.RequestCode(context.Background(), models.ChannelEmail, "alice@example.com")
	assert.NoError(t, err)
}

func TestVerifyCodeCreatesUserAndIssuesTokens(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)

	pair, user, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", fx.notifier.lastCode())
	require.NoError(t, err)
	require.NotNil(t, pair)
	require.NotNil(t, user)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, models.ChannelEmail, user.Channel)
	assert.NotEmpty(t, user.IdentifierEncrypted)
	assert.NotNil(t, user.LastLoginAt)

	stored, err := fx.repo.GetByID(ctx, user.Bucket, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, stored.UserID)
}

func TestVerifyCodeReusesExistingUser(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	_, first, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", fx.notifier.lastCode())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond) // let the cooldown lapse

	// Same identity with different casing and spacing maps to the same user.
	_, err = fx.auth.RequestCode(ctx, models.ChannelEmail, "  Alice@Example.COM ")
	require.NoError(t, err)
	_, second, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "Alice@Example.COM", fx.notifier.lastCode())
	require.NoError(t, err)

	assert.Equal(t, first.UserID, second.UserID)
}

func TestVerifyCodeAdminRole(t *testing.T) {
	fx := newAuthFixture(t, "root@example.com")
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "root@example.com")
	require.NoError(t, err)

	_, user, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "root@example.com", fx.notifier.lastCode())
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, user.Role)
}

func TestVerifyCodeWrongCode(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == fx.notifier.lastCode() {
		wrong = "000001"
	}

	pair, user, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", wrong)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Nil(t, pair)
	assert.Nil(t, user)
}

func TestVerifyCodeIsSingleUse(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	code := fx.notifier.lastCode()

	_, _, err = fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", code)
	require.NoError(t, err)

	_, _, err = fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestLockoutCollapsesIntoGenericFailure(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	code := fx.notifier.lastCode()

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Burn the attempt budget, then one more to trip the lock.
	for i := 0; i < 4; i++ {
		_, _, err = fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", wrong)
		assert.ErrorIs(t, err, ErrVerificationFailed)
	}

	// Even the correct code fails now, with the same error.
	_, _, err = fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	// And new code requests report the lock duration without erroring.
	retryAfter, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, retryAfter)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	pair, user, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", fx.notifier.lastCode())
	require.NoError(t, err)

	fresh, err := fx.auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.AccessToken)

	claims, err := fx.auth.ValidateAccess(fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, claims.UserID)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	pair, _, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", fx.notifier.lastCode())
	require.NoError(t, err)

	_, err = fx.auth.Refresh(ctx, pair.AccessToken)
	assert.Error(t, err)
}

func TestGetProfileDecryptsIdentifier(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	_, user, err := fx.auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", fx.notifier.lastCode())
	require.NoError(t, err)

	profile, err := fx.auth.GetProfile(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", profile.Identifier)
	assert.Equal(t, models.ChannelEmail, profile.Channel)
	assert.Equal(t, models.RoleUser, profile.Role)
}

// downStore fails every operation, standing in for an unreachable backend.
type downStore struct{}

func (downStore) errUnavailable() error {
	return fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}
func (d downStore) Get(ctx context.Context, key string) (string, error) {
	return "", d.errUnavailable()
}
func (d downStore) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return d.errUnavailable()
}
func (d downStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, d.errUnavailable()
}
func (d downStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, d.errUnavailable()
}
func (d downStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, d.errUnavailable()
}
func (d downStore) Del(ctx context.Context, keys ...string) error {
	return d.errUnavailable()
}
func (d downStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, d.errUnavailable()
}

func TestStoreOutageFailsClosed(t *testing.T) {
	tokens, err := token.NewManager("test-jwt-secret", time.Minute, time.Hour)
	require.NoError(t, err)

	auth := NewAuthService(AuthServiceParams{
		OTP:      otp.NewService(downStore{}, "test-salt", otp.Params{}),
		Notifier: &fakeNotifier{},
		Tokens:   tokens,
		Buckets:  bucketing.NewManager(config.BucketingConfig{UserBuckets: 10, EventBuckets: 10}),
		Cooldown: time.Minute,
		LockFor:  time.Minute,
	})
	ctx := context.Background()

	_, err = auth.RequestCode(ctx, models.ChannelEmail, "alice@example.com")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, _, err = auth.VerifyCode(ctx, models.ChannelEmail, "alice@example.com", "123456")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
