package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	testutil "github.com/techtrendlabs/techtrend/internal/database/testutil"
	"github.com/techtrendlabs/techtrend/internal/models"
)

type flowFixture struct {
	db    *gorm.DB
	flow  *FlowController
	clock *testClock
}

func setupFlow(t *testing.T) *flowFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC)}

	engine := NewTOTPEngine(WithClock(clock.Now))

	pending, err := NewPendingStore(newMemoryStore(clock.Now), PendingStoreConfig{
		TTL:         5 * time.Minute,
		MaxAttempts: 5,
		Clock:       clock.Now,
	})
	require.NoError(t, err)

	jwtService, err := NewJWTService(JWTConfig{
		Secret:         "flow-secret",
		AccessTokenTTL: time.Hour,
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	sessions, err := NewSessionService(db, jwtService, SessionConfig{
		RefreshTokenTTL: 2 * time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	flow, err := NewFlowController(db, engine, pending, sessions, zap.NewNop(), FlowConfig{
		EncryptionKey:    testSealKey(),
		LockoutThreshold: 3,
		LockoutDuration:  15 * time.Minute,
		Clock:            clock.Now,
	})
	require.NoError(t, err)

	return &flowFixture{db: db, flow: flow, clock: clock}
}

func (fx *flowFixture) register(t *testing.T, username string) *EnrollmentChallenge {
	t.Helper()

	challenge, err := fx.flow.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "hunter2!",
	})
	require.NoError(t, err)
	return challenge
}

func TestRegisterOpensEnrollmentChallenge(t *testing.T) {
	fx := setupFlow(t)

	challenge := fx.register(t, "flow-register")
	require.NotEmpty(t, challenge.ChallengeToken)
	require.NotEmpty(t, challenge.Secret)
	require.NotNil(t, challenge.Key)
	require.Contains(t, challenge.Key.String(), "otpauth://totp/")

	var user models.User
	require.NoError(t, fx.db.Take(&user, "username = ?", "flow-register").Error)
	require.Nil(t, user.TOTPConfirmedAt)
	// Secret is sealed at rest, never the raw base32.
	require.NotEqual(t, challenge.Secret, user.TOTPSecret)
	require.NotContains(t, user.TOTPSecret, challenge.Secret)

	// No session exists until the first OTP is confirmed.
	var count int64
	require.NoError(t, fx.db.Model(&models.Session{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	fx := setupFlow(t)
	fx.register(t, "flow-dup")

	_, err := fx.flow.Register(context.Background(), RegisterInput{
		Username: "flow-dup",
		Email:    "other@example.com",
		Password: "hunter2!",
	})
	require.ErrorIs(t, err, ErrDuplicateAccount)

	// Email comparison ignores case.
	_, err = fx.flow.Register(context.Background(), RegisterInput{
		Username: "flow-dup-2",
		Email:    "FLOW-DUP@example.com",
		Password: "hunter2!",
	})
	require.ErrorIs(t, err, ErrDuplicateAccount)
}

func TestVerifyOTPConfirmsEnrollment(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	challenge := fx.register(t, "flow-confirm")
	code := generateCodeAt(t, challenge.Secret, fx.clock.Now())

	pair, user, err := fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, code, SessionMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotNil(t, user.TOTPConfirmedAt)

	// The challenge is consumed; replaying the code does not mint another session.
	_, _, err = fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, code, SessionMetadata{})
	require.ErrorIs(t, err, ErrNoPendingAuth)
}

func TestVerifyOTPRejectsWrongCodeThenAcceptsRight(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	challenge := fx.register(t, "flow-wrong-code")
	good := generateCodeAt(t, challenge.Secret, fx.clock.Now())

	bad := "000000"
	if bad == good {
		bad = "000001"
	}

	_, _, err := fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, bad, SessionMetadata{})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// One failure does not burn the challenge.
	_, _, err = fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, good, SessionMetadata{})
	require.NoError(t, err)
}

func TestVerifyOTPAttemptCapDiscardsChallenge(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	challenge := fx.register(t, "flow-cap")
	good := generateCodeAt(t, challenge.Secret, fx.clock.Now())

	bad := "000000"
	if bad == good {
		bad = "000001"
	}

	for i := 0; i < 4; i++ {
		_, _, err := fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, bad, SessionMetadata{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, bad, SessionMetadata{})
	require.ErrorIs(t, err, ErrTooManyAttempts)

	// Even the right code is useless now; the flow must restart.
	_, _, err = fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, good, SessionMetadata{})
	require.ErrorIs(t, err, ErrNoPendingAuth)
}

func TestVerifyOTPRejectsExpiredChallenge(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	challenge := fx.register(t, "flow-expired")

	fx.clock.Advance(6 * time.Minute)
	code := generateCodeAt(t, challenge.Secret, fx.clock.Now())

	_, _, err := fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, code, SessionMetadata{})
	require.ErrorIs(t, err, ErrNoPendingAuth)
}

func TestLoginOpensChallengeWithoutSession(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	challenge := fx.register(t, "flow-login")
	code := generateCodeAt(t, challenge.Secret, fx.clock.Now())
	_, user, err := fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, code, SessionMetadata{})
	require.NoError(t, err)

	token, err := fx.flow.Login(ctx, LoginInput{
		Identifier: "flow-login",
		Password:   "hunter2!",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	pending, err := fx.flow.ChallengeInfo(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, pending.AccountID)
	require.Equal(t, PurposeLoggingIn, pending.Purpose)

	// Only the enrollment session exists so far.
	var count int64
	require.NoError(t, fx.db.Model(&models.Session{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)

	fx.clock.Advance(time.Minute)
	loginCode := generateCodeAt(t, challenge.Secret, fx.clock.Now())
	pair, _, err := fx.flow.VerifyOTP(ctx, token, loginCode, SessionMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
}

func TestLoginRejectsBadPasswordAndLocksOut(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	fx.register(t, "flow-lockout")

	for i := 0; i < 2; i++ {
		_, err := fx.flow.Login(ctx, LoginInput{Identifier: "flow-lockout", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := fx.flow.Login(ctx, LoginInput{Identifier: "flow-lockout", Password: "wrong"})
	require.ErrorIs(t, err, ErrAccountLocked)

	// The right password is refused while the lock holds.
	_, err = fx.flow.Login(ctx, LoginInput{Identifier: "flow-lockout", Password: "hunter2!"})
	require.ErrorIs(t, err, ErrAccountLocked)

	fx.clock.Advance(16 * time.Minute)
	_, err = fx.flow.Login(ctx, LoginInput{Identifier: "flow-lockout", Password: "hunter2!"})
	require.NoError(t, err)
}

func TestLoginDoesNotRevealWhetherAccountExists(t *testing.T) {
	fx := setupFlow(t)

	_, err := fx.flow.Login(context.Background(), LoginInput{
		Identifier: "no-such-user",
		Password:   "whatever",
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestProvisioningMaterialOnlyForEnrollment(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	challenge := fx.register(t, "flow-material")

	key, err := fx.flow.ProvisioningMaterial(ctx, challenge.ChallengeToken)
	require.NoError(t, err)
	require.Equal(t, challenge.Secret, key.Secret())

	code := generateCodeAt(t, challenge.Secret, fx.clock.Now())
	_, _, err = fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, code, SessionMetadata{})
	require.NoError(t, err)

	token, err := fx.flow.Login(ctx, LoginInput{Identifier: "flow-material", Password: "hunter2!"})
	require.NoError(t, err)

	// A login challenge never re-exposes the secret.
	_, err = fx.flow.ProvisioningMaterial(ctx, token)
	require.ErrorIs(t, err, ErrNoPendingAuth)
}

func TestRotateSecretInvalidatesOldSecret(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()

	challenge := fx.register(t, "flow-rotate")
	code := generateCodeAt(t, challenge.Secret, fx.clock.Now())
	_, user, err := fx.flow.VerifyOTP(ctx, challenge.ChallengeToken, code, SessionMetadata{})
	require.NoError(t, err)

	fx.clock.Advance(time.Minute)

	// Wrong password or wrong code both refuse the rotation.
	current := generateCodeAt(t, challenge.Secret, fx.clock.Now())
	_, _, err = fx.flow.RotateSecret(ctx, user.ID, "wrong", current)
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = fx.flow.RotateSecret(ctx, user.ID, "hunter2!", "000000")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	key, newSecret, err := fx.flow.RotateSecret(ctx, user.ID, "hunter2!", current)
	require.NoError(t, err)
	require.NotEqual(t, challenge.Secret, newSecret)
	require.Equal(t, newSecret, key.Secret())

	// Codes from the old secret are dead immediately.
	fx.clock.Advance(time.Minute)
	token, err := fx.flow.Login(ctx, LoginInput{Identifier: "flow-rotate", Password: "hunter2!"})
	require.NoError(t, err)

	oldCode := generateCodeAt(t, challenge.Secret, fx.clock.Now())
	_, _, err = fx.flow.VerifyOTP(ctx, token, oldCode, SessionMetadata{})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	newCode := generateCodeAt(t, newSecret, fx.clock.Now())
	_, _, err = fx.flow.VerifyOTP(ctx, token, newCode, SessionMetadata{})
	require.NoError(t, err)
}

func TestRegisterRequiresAllFields(t *testing.T) {
	fx := setupFlow(t)

	_, err := fx.flow.Register(context.Background(), RegisterInput{
		Username: " ",
		Email:    "a@example.com",
		Password: "hunter2!",
	})
	require.Error(t, err)
	require.False(t, strings.Contains(err.Error(), "hunter2"))
}
