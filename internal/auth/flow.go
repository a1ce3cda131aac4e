package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/techtrendlabs/techtrend/internal/models"
	"github.com/techtrendlabs/techtrend/pkg/crypto"
	"github.com/techtrendlabs/techtrend/pkg/metrics"
)

var (
	// ErrDuplicateAccount is returned when the username or email is taken.
	ErrDuplicateAccount = errors.New("auth: duplicate account")
	// ErrInvalidCredentials covers both a wrong password and a wrong OTP.
	// Callers must not distinguish the two to the client.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrAccountLocked signals that the user exceeded the permitted failed
	// password attempts.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrAccountDisabled signals that the user has been deactivated.
	ErrAccountDisabled = errors.New("auth: account disabled")
	// ErrProvisioningFailed means secret generation or sealing broke. The
	// enrollment must not proceed on a half-provisioned account.
	ErrProvisioningFailed = errors.New("auth: provisioning failed")
)

// FlowConfig tunes the authentication flow controller.
type FlowConfig struct {
	// EncryptionKey seals TOTP secrets at rest. Must be 32 bytes.
	EncryptionKey    []byte
	LockoutThreshold int
	LockoutDuration  time.Duration
	Clock            func() time.Time
}

// RegisterInput captures the details required to enrol a new user.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// LoginInput contains the primary credentials plus client metadata.
type LoginInput struct {
	Identifier string
	Password   string
	IPAddress  string
	UserAgent  string
}

// EnrollmentChallenge is handed back after registration: the client shows the
// provisioning material and then submits the first OTP with the token.
type EnrollmentChallenge struct {
	ChallengeToken string
	Secret         string
	Key            *otp.Key
}

// FlowController drives the two-step authentication state machine. A token
// pair is minted only through VerifyOTP; no path issues a session off the
// primary credential alone.
type FlowController struct {
	db        *gorm.DB
	engine    *TOTPEngine
	pending   *PendingStore
	sessions  *SessionService
	sealKey   []byte
	threshold int
	duration  time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewFlowController wires the flow controller from its collaborators.
func NewFlowController(db *gorm.DB, engine *TOTPEngine, pending *PendingStore, sessions *SessionService, log *zap.Logger, cfg FlowConfig) (*FlowController, error) {
	if db == nil {
		return nil, errors.New("flow controller: db is required")
	}
	if engine == nil {
		return nil, errors.New("flow controller: totp engine is required")
	}
	if pending == nil {
		return nil, errors.New("flow controller: pending store is required")
	}
	if sessions == nil {
		return nil, errors.New("flow controller: session service is required")
	}
	if len(cfg.EncryptionKey) != 32 {
		return nil, errors.New("flow controller: encryption key must be 32 bytes")
	}
	if log == nil {
		log = zap.NewNop()
	}

	threshold := cfg.LockoutThreshold
	if threshold <= 0 {
		threshold = 5
	}

	duration := cfg.LockoutDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &FlowController{
		db:        db,
		engine:    engine,
		pending:   pending,
		sessions:  sessions,
		sealKey:   cfg.EncryptionKey,
		threshold: threshold,
		duration:  duration,
		now:       clock,
		log:       log,
	}, nil
}

// Register creates the account with a freshly provisioned TOTP secret and
// opens an enrollment challenge. The user is NOT authenticated yet; they must
// confirm the first OTP before a session exists.
func (f *FlowController) Register(ctx context.Context, input RegisterInput) (*EnrollmentChallenge, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if username == "" || email == "" || input.Password == "" {
		return nil, errors.New("flow controller: username, email and password are required")
	}

	var taken int64
	err := f.db.WithContext(ctx).Model(&models.User{}).
		Where("LOWER(username) = LOWER(?) OR LOWER(email) = ?", username, email).
		Count(&taken).Error
	if err != nil {
		return nil, fmt.Errorf("flow controller: duplicate check: %w", err)
	}
	if taken > 0 {
		return nil, ErrDuplicateAccount
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("flow controller: hash password: %w", err)
	}

	secret, err := f.engine.GenerateSecret()
	if err != nil {
		f.log.Error("totp secret generation failed", zap.Error(err))
		return nil, errors.Join(ErrProvisioningFailed, err)
	}

	sealed, err := crypto.Encrypt([]byte(secret), f.sealKey)
	if err != nil {
		f.log.Error("totp secret sealing failed", zap.Error(err))
		return nil, errors.Join(ErrProvisioningFailed, err)
	}

	user := &models.User{
		Username:   username,
		Email:      email,
		Password:   hashed,
		TOTPSecret: sealed,
		IsActive:   true,
	}

	if err := f.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateAccount
		}
		return nil, fmt.Errorf("flow controller: create user: %w", err)
	}

	token, err := f.pending.Begin(ctx, user.ID, PurposeRegistering)
	if err != nil {
		return nil, fmt.Errorf("flow controller: open challenge: %w", err)
	}

	key, err := f.engine.ProvisioningKey(secret, email)
	if err != nil {
		return nil, errors.Join(ErrProvisioningFailed, err)
	}

	f.log.Info("registration challenge opened",
		zap.String("user_id", user.ID),
		zap.String("username", username))

	return &EnrollmentChallenge{
		ChallengeToken: token,
		Secret:         secret,
		Key:            key,
	}, nil
}

// Login verifies the primary credential and opens a login challenge. The
// password alone never yields a session.
func (f *FlowController) Login(ctx context.Context, input LoginInput) (string, error) {
	identity := strings.TrimSpace(input.Identifier)
	if identity == "" || input.Password == "" {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", ErrInvalidCredentials
	}

	var user models.User
	err := f.db.WithContext(ctx).
		Where("LOWER(username) = LOWER(?) OR LOWER(email) = LOWER(?)", identity, identity).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("flow controller: query user: %w", err)
	}

	now := f.now()

	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", ErrAccountDisabled
	}

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		metrics.AuthAttempts.WithLabelValues("locked").Inc()
		return "", ErrAccountLocked
	}

	if user.LockedUntil != nil && !user.LockedUntil.After(now) {
		user.LockedUntil = nil
		user.FailedAttempts = 0
		if err := f.db.WithContext(ctx).Model(&user).Updates(map[string]any{
			"locked_until":    nil,
			"failed_attempts": 0,
		}).Error; err != nil {
			return "", fmt.Errorf("flow controller: reset lock state: %w", err)
		}
	}

	if !crypto.VerifyPassword(user.Password, input.Password) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", f.handleFailedPassword(ctx, &user, now)
	}

	if err := f.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"failed_attempts": 0,
		"locked_until":    nil,
		"last_login_at":   now,
		"last_login_ip":   strings.TrimSpace(input.IPAddress),
	}).Error; err != nil {
		return "", fmt.Errorf("flow controller: update user: %w", err)
	}

	token, err := f.pending.Begin(ctx, user.ID, PurposeLoggingIn)
	if err != nil {
		return "", fmt.Errorf("flow controller: open challenge: %w", err)
	}

	metrics.AuthAttempts.WithLabelValues("challenge").Inc()
	f.log.Info("login challenge opened", zap.String("user_id", user.ID))

	return token, nil
}

func (f *FlowController) handleFailedPassword(ctx context.Context, user *models.User, now time.Time) error {
	user.FailedAttempts++

	updates := map[string]any{
		"failed_attempts": user.FailedAttempts,
	}

	if user.FailedAttempts >= f.threshold {
		lockUntil := now.Add(f.duration)
		user.LockedUntil = &lockUntil
		updates["locked_until"] = lockUntil
	}

	if err := f.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("flow controller: update failed attempts: %w", err)
	}

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return ErrAccountLocked
	}

	return ErrInvalidCredentials
}

// ChallengeInfo reads the open challenge without consuming it. Gate for the
// OTP step: callers receiving ErrNoPendingAuth send the client back to the
// start of the flow.
func (f *FlowController) ChallengeInfo(ctx context.Context, token string) (*PendingAuth, error) {
	return f.pending.Peek(ctx, token)
}

// ProvisioningMaterial re-derives the otpauth key for an open enrollment
// challenge, so a reloaded enrollment page can show the QR again. Login
// challenges never expose the secret.
func (f *FlowController) ProvisioningMaterial(ctx context.Context, token string) (*otp.Key, error) {
	pending, err := f.pending.Peek(ctx, token)
	if err != nil {
		return nil, err
	}
	if pending.Purpose != PurposeRegistering {
		return nil, ErrNoPendingAuth
	}

	user, err := f.loadUser(ctx, pending.AccountID)
	if err != nil {
		return nil, err
	}

	secret, err := f.openSecret(user)
	if err != nil {
		return nil, err
	}

	return f.engine.ProvisioningKey(secret, user.Email)
}

// VerifyOTP is the only transition into the authenticated state. On success
// the challenge is consumed and a session minted; on failure the attempt
// counter grows until the challenge is discarded.
func (f *FlowController) VerifyOTP(ctx context.Context, token, code string, meta SessionMetadata) (TokenPair, *models.User, error) {
	pending, err := f.pending.Peek(ctx, token)
	if err != nil {
		return TokenPair{}, nil, err
	}

	user, err := f.loadUser(ctx, pending.AccountID)
	if err != nil {
		return TokenPair{}, nil, err
	}

	secret, err := f.openSecret(user)
	if err != nil {
		return TokenPair{}, nil, err
	}

	if !f.engine.Verify(secret, code, f.now()) {
		metrics.OTPVerifications.WithLabelValues(string(pending.Purpose), "failure").Inc()
		if err := f.pending.RecordFailure(ctx, token); err != nil {
			if errors.Is(err, ErrTooManyAttempts) {
				f.log.Warn("otp attempt cap reached, challenge discarded",
					zap.String("user_id", user.ID))
				return TokenPair{}, nil, ErrTooManyAttempts
			}
			return TokenPair{}, nil, err
		}
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	if _, err := f.pending.Resolve(ctx, token); err != nil {
		return TokenPair{}, nil, err
	}

	if pending.Purpose == PurposeRegistering && user.TOTPConfirmedAt == nil {
		now := f.now()
		if err := f.db.WithContext(ctx).Model(user).
			Update("totp_confirmed_at", now).Error; err != nil {
			return TokenPair{}, nil, fmt.Errorf("flow controller: confirm enrollment: %w", err)
		}
		user.TOTPConfirmedAt = &now
	}

	pair, _, err := f.sessions.CreateSession(user.ID, meta)
	if err != nil {
		return TokenPair{}, nil, err
	}

	metrics.OTPVerifications.WithLabelValues(string(pending.Purpose), "success").Inc()
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	f.log.Info("otp verified, session issued",
		zap.String("user_id", user.ID),
		zap.String("purpose", string(pending.Purpose)))

	return pair, user, nil
}

// AbandonChallenge discards an open challenge, if any.
func (f *FlowController) AbandonChallenge(ctx context.Context, token string) error {
	return f.pending.Abandon(ctx, token)
}

// RotateSecret replaces the user's TOTP secret. The caller must re-confirm
// both the password and an OTP from the current secret; once the update
// lands, codes from the old secret are invalid and every other device must
// re-enrol. The swap is a single UPDATE, there is no window where the account
// has no secret.
func (f *FlowController) RotateSecret(ctx context.Context, userID, password, code string) (*otp.Key, string, error) {
	user, err := f.loadUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	if !crypto.VerifyPassword(user.Password, password) {
		return nil, "", ErrInvalidCredentials
	}

	current, err := f.openSecret(user)
	if err != nil {
		return nil, "", err
	}

	if !f.engine.Verify(current, code, f.now()) {
		metrics.OTPVerifications.WithLabelValues("rotation", "failure").Inc()
		return nil, "", ErrInvalidCredentials
	}

	secret, err := f.engine.GenerateSecret()
	if err != nil {
		return nil, "", errors.Join(ErrProvisioningFailed, err)
	}

	sealed, err := crypto.Encrypt([]byte(secret), f.sealKey)
	if err != nil {
		return nil, "", errors.Join(ErrProvisioningFailed, err)
	}

	now := f.now()
	if err := f.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"totp_secret":       sealed,
		"totp_confirmed_at": now,
	}).Error; err != nil {
		return nil, "", fmt.Errorf("flow controller: store rotated secret: %w", err)
	}

	key, err := f.engine.ProvisioningKey(secret, user.Email)
	if err != nil {
		return nil, "", errors.Join(ErrProvisioningFailed, err)
	}

	metrics.OTPVerifications.WithLabelValues("rotation", "success").Inc()
	metrics.SecretRotations.Inc()
	f.log.Info("totp secret rotated", zap.String("user_id", user.ID))

	return key, secret, nil
}

func (f *FlowController) loadUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := f.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("flow controller: find user: %w", err)
	}
	return &user, nil
}

func (f *FlowController) openSecret(user *models.User) (string, error) {
	raw, err := crypto.Decrypt(user.TOTPSecret, f.sealKey)
	if err != nil {
		f.log.Error("totp secret unseal failed", zap.String("user_id", user.ID), zap.Error(err))
		return "", errors.Join(ErrProvisioningFailed, err)
	}
	return string(raw), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
