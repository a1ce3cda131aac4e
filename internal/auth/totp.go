package auth

import (
	cryptoRand "crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

const (
	defaultIssuer     = "TechTrend Tracker"
	defaultQRCodeSize = 256

	// 20 random bytes = 160 bits, the RFC 4226 recommended secret size.
	secretBytes = 20

	otpDigits = 6
	otpPeriod = 30
)

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPOption customises the TOTP engine.
type TOTPOption func(*TOTPEngine)

// WithIssuer overrides the issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) TOTPOption {
	return func(e *TOTPEngine) {
		if strings.TrimSpace(issuer) != "" {
			e.issuer = issuer
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) TOTPOption {
	return func(e *TOTPEngine) {
		if size > 0 {
			e.qrCodeSize = size
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) TOTPOption {
	return func(e *TOTPEngine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// TOTPEngine generates shared secrets, derives provisioning URIs, and checks
// submitted codes. It is stateless given a secret and safe for concurrent use.
type TOTPEngine struct {
	issuer     string
	qrCodeSize int
	now        func() time.Time
}

// NewTOTPEngine constructs an engine with the standard SHA1/6-digit/30-second
// parameters used by authenticator apps.
func NewTOTPEngine(opts ...TOTPOption) *TOTPEngine {
	engine := &TOTPEngine{
		issuer:     defaultIssuer,
		qrCodeSize: defaultQRCodeSize,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Issuer returns the configured issuer label.
func (e *TOTPEngine) Issuer() string {
	return e.issuer
}

// GenerateSecret produces a fresh base32 shared secret from the secure random
// source. An error here means the environment is broken, not a domain failure.
func (e *TOTPEngine) GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", fmt.Errorf("totp: generate secret: %w", err)
	}
	return b32NoPadding.EncodeToString(buf), nil
}

// ProvisioningKey builds the otpauth:// key for an existing secret and account
// label. Pure formatting; the returned key's String() is the URI consumed by
// authenticator apps.
func (e *TOTPEngine) ProvisioningKey(secret, accountLabel string) (*otp.Key, error) {
	accountLabel = strings.TrimSpace(accountLabel)
	if accountLabel == "" {
		return nil, errors.New("totp: account label is required")
	}

	raw, err := b32NoPadding.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return nil, fmt.Errorf("totp: decode secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountLabel,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Period:      otpPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: build provisioning key: %w", err)
	}

	return key, nil
}

// Verify reports whether code is valid for secret at the given time. The
// current 30-second step and its immediate neighbours are accepted (±30s
// clock drift); comparison inside the library is constant-time.
//
// Verify is a total predicate: malformed, empty, or wrong-length input yields
// false, never an error.
func (e *TOTPEngine) Verify(secret, code string, at time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != otpDigits || !isDigits(code) {
		return false
	}

	if at.IsZero() {
		at = e.now()
	}

	valid, err := totp.ValidateCustom(code, strings.TrimSpace(secret), at, totp.ValidateOpts{
		Period:    otpPeriod,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}

// VerifyNow is Verify evaluated at the engine clock.
func (e *TOTPEngine) VerifyNow(secret, code string) bool {
	return e.Verify(secret, code, e.now())
}

// QRCode renders the provisioning URI as a PNG. The caller streams the bytes
// to the client and must not persist them.
func (e *TOTPEngine) QRCode(key *otp.Key) ([]byte, error) {
	if key == nil {
		return nil, errors.New("totp: key is required")
	}
	return qrcode.Encode(key.String(), qrcode.Medium, e.qrCodeSize)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
