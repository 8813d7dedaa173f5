package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assist-auth/internal/secret"
	"assist-auth/internal/util"
)

// Business outcomes, returned as values; only secret.ErrUnavailable
// (wrapped) is an exceptional condition.
var (
	// ErrLocked means the identity tuple is locked out, either already or
	// as of this call. Generate and verify both short-circuit on it.
	ErrLocked = errors.New("otp: identity locked")
	// ErrOnCooldown means generate was called before the previous cooldown
	// window elapsed.
	ErrOnCooldown = errors.New("otp: on cooldown")
	// ErrCodeInvalid covers both "no active code" and "wrong code"; the
	// two are deliberately indistinguishable to callers.
	ErrCodeInvalid = errors.New("otp: invalid or expired code")
)

// Key patterns, one record per concern, all scoped by (channel, identifier).
const (
	keyCode     = "otp:%s:%s"      // salted digest of the active code
	keyCooldown = "otp_cd:%s:%s"   // cooldown marker
	keyAttempts = "otp_att:%s:%s"  // verification attempt counter
	keyLock     = "otp_lock:%s:%s" // lockout marker
)

// Params configures record lifetimes and the attempt budget.
type Params struct {
	CodeLength  int
	TTL         time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	LockFor     time.Duration
}

// Service is the OTP state machine. It holds no mutable state of its own;
// all coordination is delegated to the store's atomic primitives and TTL
// expiry, so a single instance is safe for concurrent use and the service
// survives restarts.
type Service struct {
	store  secret.Store
	salt   string
	params Params
}

// NewService creates the OTP core over the given store. The salt must be
// resolved by the caller at startup (see config.ResolveOTPSalt).
func NewService(store secret.Store, salt string, params Params) *Service {
	if params.CodeLength <= 0 {
		params.CodeLength = DefaultCodeLength
	}
	return &Service{
		store:  store,
		salt:   salt,
		params: params,
	}
}

// IsLocked reports whether the identity tuple is locked out. No side effects.
func (s *Service) IsLocked(ctx context.Context, channel, identifier string) (bool, error) {
	return s.store.Exists(ctx, fmt.Sprintf(keyLock, channel, identifier))
}

// CooldownRemaining reports whether the tuple is inside a cooldown window
// and how long remains. No side effects.
func (s *Service) CooldownRemaining(ctx context.Context, channel, identifier string) (bool, time.Duration, error) {
	ttl, err := s.store.TTL(ctx, fmt.Sprintf(keyCooldown, channel, identifier))
	if err != nil {
		return false, 0, err
	}
	return ttl > 0, ttl, nil
}

// Generate draws a fresh code for the tuple and returns its plaintext
// exactly once, for the caller to hand to the notification layer. The
// cooldown window is claimed with a conditional write, so two racing calls
// cannot both issue a code. Returns ErrLocked or ErrOnCooldown as business
// outcomes; store failures propagate wrapped and must be treated as
// "cannot proceed".
func (s *Service) Generate(ctx context.Context, channel, identifier string) (string, error) {
	locked, err := s.IsLocked(ctx, channel, identifier)
	if err != nil {
		return "", err
	}
	if locked {
		util.Warn("OTP requested for locked identity",
			util.String("channel", channel),
			util.String("identifier", util.MaskIdentifier(identifier)))
		return "", ErrLocked
	}

	// Claiming the cooldown marker is the serialization point: exactly one
	// concurrent generate wins the window.
	claimed, err := s.store.SetNX(ctx, fmt.Sprintf(keyCooldown, channel, identifier), "1", s.params.Cooldown)
	if err != nil {
		return "", err
	}
	if !claimed {
		util.Debug("OTP request on cooldown",
			util.String("channel", channel),
			util.String("identifier", util.MaskIdentifier(identifier)))
		return "", ErrOnCooldown
	}

	code, err := GenerateCode(s.params.CodeLength)
	if err != nil {
		return "", err
	}

	if err := s.store.SetEX(ctx, fmt.Sprintf(keyCode, channel, identifier), Digest(code, s.salt), s.params.TTL); err != nil {
		// The cooldown marker stays behind; failing closed here only delays
		// the next issuance, it never leaks a verifiable code.
		return "", err
	}

	if err := s.store.Del(ctx, fmt.Sprintf(keyAttempts, channel, identifier)); err != nil {
		return "", err
	}

	util.Info("OTP generated",
		util.String("channel", channel),
		util.String("identifier", util.MaskIdentifier(identifier)),
		util.Duration("ttl", s.params.TTL))
	return code, nil
}

// Verify checks a candidate code. Success removes the code and the attempt
// counter; exceeding the attempt budget locks the tuple and invalidates the
// current code even for a later correct guess. Returns nil on success,
// ErrLocked or ErrCodeInvalid otherwise; store failures propagate wrapped.
func (s *Service) Verify(ctx context.Context, channel, identifier, candidate string) error {
	masked := util.MaskIdentifier(identifier)

	locked, err := s.IsLocked(ctx, channel, identifier)
	if err != nil {
		return err
	}
	if locked {
		util.Warn("OTP verify on locked identity",
			util.String("channel", channel),
			util.String("identifier", masked))
		return ErrLocked
	}

	codeKey := fmt.Sprintf(keyCode, channel, identifier)
	attemptsKey := fmt.Sprintf(keyAttempts, channel, identifier)

	stored, err := s.store.Get(ctx, codeKey)
	if err != nil {
		if errors.Is(err, secret.ErrNotFound) {
			// No active code: indistinguishable from a wrong code at the
			// API boundary, only the log differs.
			util.Debug("OTP verify with no active code",
				util.String("channel", channel),
				util.String("identifier", masked))
			return ErrCodeInvalid
		}
		return err
	}

	attempts, err := s.store.Incr(ctx, attemptsKey, s.params.TTL)
	if err != nil {
		return err
	}

	if attempts > int64(s.params.MaxAttempts) {
		if _, err := s.store.SetNX(ctx, fmt.Sprintf(keyLock, channel, identifier), "1", s.params.LockFor); err != nil {
			return err
		}
		if err := s.store.Del(ctx, codeKey, attemptsKey); err != nil {
			return err
		}
		util.Warn("OTP attempt budget exceeded, identity locked",
			util.String("channel", channel),
			util.String("identifier", masked),
			util.Duration("lock_for", s.params.LockFor))
		return ErrLocked
	}

	if !digestEqual(Digest(candidate, s.salt), stored) {
		util.Debug("OTP verify failed",
			util.String("channel", channel),
			util.String("identifier", masked),
			util.Int64("attempt", attempts),
			util.Int("max_attempts", s.params.MaxAttempts))
		return ErrCodeInvalid
	}

	if err := s.store.Del(ctx, codeKey, attemptsKey); err != nil {
		return err
	}

	util.Info("OTP verified",
		util.String("channel", channel),
		util.String("identifier", masked))
	return nil
}
