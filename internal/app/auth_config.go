package app

import (
	"time"

	"github.com/techtrendlabs/techtrend/internal/auth"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// SessionServiceConfig converts AuthConfig into SessionService parameters.
func (c AuthConfig) SessionServiceConfig() auth.SessionConfig {
	ttl := c.Session.RefreshTTL
	if ttl <= 0 {
		ttl = auth.DefaultRefreshTokenTTL
	}

	length := c.Session.RefreshLength
	if length <= 0 {
		length = 48
	}

	return auth.SessionConfig{
		RefreshTokenTTL: ttl,
		RefreshLength:   length,
	}
}

// PendingStoreConfig converts AuthConfig into challenge store parameters.
func (c AuthConfig) PendingStoreConfig() auth.PendingStoreConfig {
	ttl := c.TOTP.ChallengeTTL
	if ttl <= 0 {
		ttl = auth.DefaultChallengeTTL
	}

	attempts := c.TOTP.MaxAttempts
	if attempts <= 0 {
		attempts = auth.DefaultMaxOTPAttempts
	}

	return auth.PendingStoreConfig{
		TTL:         ttl,
		MaxAttempts: attempts,
	}
}

// FlowControllerConfig converts AuthConfig into flow controller parameters.
// The encryption key must be decoded by the caller via DecodeKey.
func (c AuthConfig) FlowControllerConfig(encryptionKey []byte) auth.FlowConfig {
	duration := c.Local.LockoutDuration
	if duration <= 0 {
		duration = defaultLockoutDuration
	}

	threshold := c.Local.LockoutThreshold
	if threshold <= 0 {
		threshold = defaultLockoutThreshold
	}

	return auth.FlowConfig{
		EncryptionKey:    encryptionKey,
		LockoutThreshold: threshold,
		LockoutDuration:  duration,
	}
}
