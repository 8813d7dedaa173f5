package otp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assist-auth/internal/secret"
)

const (
	testChannel = "email"
	testIdent   = "test@example.com"
)

func newTestService(t *testing.T, params Params) (*Service, *secret.MemoryStore) {
	t.Helper()
	store := secret.NewMemoryStore(50 * time.Millisecond)
	t.Cleanup(store.Close)

	if params.CodeLength == 0 {
		params.CodeLength = 6
	}
	if params.TTL == 0 {
		params.TTL = 5 * time.Minute
	}
	if params.Cooldown == 0 {
		params.Cooldown = time.Minute
	}
	if params.MaxAttempts == 0 {
		params.MaxAttempts = 3
	}
	if params.LockFor == 0 {
		params.LockFor = 10 * time.Minute
	}
	return NewService(store, "test-salt", params), store
}

// wrongCode returns a candidate guaranteed not to equal code.
func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestGenerateAndVerify(t *testing.T) {
	svc, _ := newTestService(t, Params{})
	ctx := context.Background()

	code, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, svc.Verify(ctx, testChannel, testIdent, code))
}

func TestVerifySucceedsExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t, Params{})
	ctx := context.Background()

	code, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	require.NoError(t, svc.Verify(ctx, testChannel, testIdent, code))

	// The record is gone; the same code must not verify again.
	err = svc.Verify(ctx, testChannel, testIdent, code)
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestWrongCodeRejected(t *testing.T) {
	svc, _ := newTestService(t, Params{})
	ctx := context.Background()

	code, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	err = svc.Verify(ctx, testChannel, testIdent, wrongCode(code))
	assert.ErrorIs(t, err, ErrCodeInvalid)

	// A wrong attempt leaves the active code verifiable.
	require.NoError(t, svc.Verify(ctx, testChannel, testIdent, code))
}

func TestSecondGenerateBlockedByCooldown(t *testing.T) {
	svc, _ := newTestService(t, Params{})
	ctx := context.Background()

	_, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	_, err = svc.Generate(ctx, testChannel, testIdent)
	assert.ErrorIs(t, err, ErrOnCooldown)

	onCooldown, remaining, err := svc.CooldownRemaining(ctx, testChannel, testIdent)
	require.NoError(t, err)
	assert.True(t, onCooldown)
	assert.Greater(t, remaining, time.Duration(0))
}

func TestGenerateAfterCooldownExpiry(t *testing.T) {
	svc, _ := newTestService(t, Params{Cooldown: 30 * time.Millisecond})
	ctx := context.Background()

	first, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	second, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	// Only the newest digest remains valid.
	if first != second {
		assert.ErrorIs(t, svc.Verify(ctx, testChannel, testIdent, first), ErrCodeInvalid)
	}
	require.NoError(t, svc.Verify(ctx, testChannel, testIdent, second))
}

func TestMaxAttemptsLocksIdentity(t *testing.T) {
	svc, _ := newTestService(t, Params{MaxAttempts: 3})
	ctx := context.Background()

	code, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)
	bad := wrongCode(code)

	// Attempts 1..3 fail but stay below the budget.
	for i := 0; i < 3; i++ {
		err := svc.Verify(ctx, testChannel, testIdent, bad)
		assert.ErrorIs(t, err, ErrCodeInvalid, "attempt %d", i+1)
	}

	// Attempt 4 exceeds the budget and trips the lock.
	err = svc.Verify(ctx, testChannel, testIdent, bad)
	assert.ErrorIs(t, err, ErrLocked)

	locked, err := svc.IsLocked(ctx, testChannel, testIdent)
	require.NoError(t, err)
	assert.True(t, locked)

	// Terminal for the current code: even the correct code is refused.
	err = svc.Verify(ctx, testChannel, testIdent, code)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestLockBlocksGenerate(t *testing.T) {
	svc, store := newTestService(t, Params{MaxAttempts: 1})
	ctx := context.Background()

	code, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)
	bad := wrongCode(code)

	require.ErrorIs(t, svc.Verify(ctx, testChannel, testIdent, bad), ErrCodeInvalid)
	require.ErrorIs(t, svc.Verify(ctx, testChannel, testIdent, bad), ErrLocked)

	// Clear the cooldown so only the lock can block issuance.
	require.NoError(t, store.Del(ctx, fmt.Sprintf(keyCooldown, testChannel, testIdent)))

	_, err = svc.Generate(ctx, testChannel, testIdent)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestVerifyAfterCodeExpiry(t *testing.T) {
	svc, store := newTestService(t, Params{})
	ctx := context.Background()

	code, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	// Simulate natural TTL expiry by deleting the record.
	require.NoError(t, store.Del(ctx, fmt.Sprintf(keyCode, testChannel, testIdent)))

	err = svc.Verify(ctx, testChannel, testIdent, code)
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestVerifyWithNoActiveCode(t *testing.T) {
	svc, _ := newTestService(t, Params{})
	err := svc.Verify(context.Background(), testChannel, "never-seen@example.com", "123456")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestGenerateResetsAttemptCounter(t *testing.T) {
	svc, _ := newTestService(t, Params{MaxAttempts: 3, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	code, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)
	bad := wrongCode(code)

	// Burn two of the three attempts.
	require.ErrorIs(t, svc.Verify(ctx, testChannel, testIdent, bad), ErrCodeInvalid)
	require.ErrorIs(t, svc.Verify(ctx, testChannel, testIdent, bad), ErrCodeInvalid)

	time.Sleep(40 * time.Millisecond)

	// A fresh generate clears the counter; three more wrong attempts fit
	// in the budget again before the lock trips.
	_, err = svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, svc.Verify(ctx, testChannel, testIdent, bad), ErrCodeInvalid)
	}
	require.ErrorIs(t, svc.Verify(ctx, testChannel, testIdent, bad), ErrLocked)
}

func TestTuplesAreIndependent(t *testing.T) {
	svc, _ := newTestService(t, Params{MaxAttempts: 1})
	ctx := context.Background()

	codeA, err := svc.Generate(ctx, "email", "a@example.com")
	require.NoError(t, err)
	codeB, err := svc.Generate(ctx, "phone", "a@example.com")
	require.NoError(t, err)

	// Lock tuple A.
	require.ErrorIs(t, svc.Verify(ctx, "email", "a@example.com", wrongCode(codeA)), ErrCodeInvalid)
	require.ErrorIs(t, svc.Verify(ctx, "email", "a@example.com", wrongCode(codeA)), ErrLocked)

	// Tuple B on another channel is untouched.
	require.NoError(t, svc.Verify(ctx, "phone", "a@example.com", codeB))
}

func TestEndToEndScenario(t *testing.T) {
	// otp_ttl=300s cooldown=60s max_attempts=3 lock=600s, cooldown scaled
	// down so the test can wait past it.
	svc, _ := newTestService(t, Params{
		TTL:         5 * time.Minute,
		Cooldown:    30 * time.Millisecond,
		MaxAttempts: 3,
		LockFor:     10 * time.Minute,
	})
	ctx := context.Background()

	c1, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)

	// Wait past cooldown but well inside the OTP TTL.
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, svc.Verify(ctx, testChannel, testIdent, c1))

	// Cooldown window already elapsed, so a new code issues immediately.
	c2, err := svc.Generate(ctx, testChannel, testIdent)
	require.NoError(t, err)
	require.Len(t, c2, 6)
}

func TestConcurrentGenerateIssuesAtMostOneCode(t *testing.T) {
	svc, _ := newTestService(t, Params{})
	ctx := context.Background()

	const workers = 16
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := svc.Generate(ctx, testChannel, testIdent)
			results <- err
		}()
	}

	issued := 0
	for i := 0; i < workers; i++ {
		err := <-results
		if err == nil {
			issued++
		} else {
			require.ErrorIs(t, err, ErrOnCooldown)
		}
	}
	assert.Equal(t, 1, issued, "cooldown claim must serialize concurrent generates")
}

// failingStore returns an error from every operation, standing in for an
// unreachable backend.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}

func (failingStore) SetEX(context.Context, string, string, time.Duration) error {
	return fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}

func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}

func (failingStore) TTL(context.Context, string) (time.Duration, error) {
	return 0, fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}

func (failingStore) Del(context.Context, ...string) error {
	return fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}

func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", secret.ErrUnavailable)
}

func TestStoreFailureFailsClosed(t *testing.T) {
	svc := NewService(failingStore{}, "salt", Params{MaxAttempts: 3, TTL: time.Minute, Cooldown: time.Minute, LockFor: time.Minute})
	ctx := context.Background()

	_, err := svc.Generate(ctx, testChannel, testIdent)
	assert.True(t, errors.Is(err, secret.ErrUnavailable))
	assert.NotErrorIs(t, err, ErrOnCooldown)
	assert.NotErrorIs(t, err, ErrLocked)

	err = svc.Verify(ctx, testChannel, testIdent, "123456")
	assert.True(t, errors.Is(err, secret.ErrUnavailable))
	assert.NotErrorIs(t, err, ErrCodeInvalid)
}
