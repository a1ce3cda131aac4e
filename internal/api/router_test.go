package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/techtrendlabs/techtrend/internal/auth"
	"github.com/techtrendlabs/techtrend/internal/cache"
	testutil "github.com/techtrendlabs/techtrend/internal/database/testutil"
	"github.com/techtrendlabs/techtrend/internal/news"
)

type apiFixture struct {
	db     *gorm.DB
	router *gin.Engine
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)

	engine := iauth.NewTOTPEngine()

	pending, err := iauth.NewPendingStore(store, iauth.PendingStoreConfig{})
	require.NoError(t, err)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret: "router-test-secret",
		Issuer: "techtrend",
	})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, jwtService, iauth.SessionConfig{})
	require.NoError(t, err)

	flow, err := iauth.NewFlowController(db, engine, pending, sessions, zap.NewNop(), iauth.FlowConfig{
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"news":[{"title":"Edge AI chips","link":"https://example.com/ai","position":1}]}`))
	}))
	t.Cleanup(upstream.Close)

	newsService, err := news.NewService(db, store, zap.NewNop(), news.Config{
		APIKey:  "router-test-key",
		BaseURL: upstream.URL,
	})
	require.NoError(t, err)

	router, err := NewRouter(Deps{
		DB:       db,
		JWT:      jwtService,
		Sessions: sessions,
		Flow:     flow,
		Engine:   engine,
		News:     newsService,
	})
	require.NoError(t, err)

	return &apiFixture{db: db, router: router}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func codeFor(t *testing.T, secret string) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func wrongCodeFor(t *testing.T, secret string) string {
	t.Helper()

	good := codeFor(t, secret)
	if good == "000000" {
		return "000001"
	}
	return "000000"
}

type enrollment struct {
	ChallengeToken string `json:"challenge_token"`
	Secret         string `json:"secret"`
	OTPAuthURL     string `json:"otpauth_url"`
	QRPNGBase64    string `json:"qr_png_base64"`
}

type tokenBundle struct {
	Tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"tokens"`
	User map[string]any `json:"user"`
}

func (fx *apiFixture) registerAndConfirm(t *testing.T, username string) (enrollment, tokenBundle) {
	t.Helper()

	w, env := fx.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct horse battery",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	var enrol enrollment
	require.NoError(t, json.Unmarshal(env.Data, &enrol))
	require.NotEmpty(t, enrol.ChallengeToken)
	require.NotEmpty(t, enrol.Secret)
	require.Contains(t, enrol.OTPAuthURL, "otpauth://totp/")
	require.NotEmpty(t, enrol.QRPNGBase64)

	w, env = fx.do(t, http.MethodPost, "/api/auth/register/2fa", gin.H{
		"challenge_token": enrol.ChallengeToken,
		"code":            codeFor(t, enrol.Secret),
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var bundle tokenBundle
	require.NoError(t, json.Unmarshal(env.Data, &bundle))
	require.NotEmpty(t, bundle.Tokens.AccessToken)
	require.NotEmpty(t, bundle.Tokens.RefreshToken)

	return enrol, bundle
}

func TestRegistrationFlowEndToEnd(t *testing.T) {
	fx := setupAPI(t)

	enrol, bundle := fx.registerAndConfirm(t, "api-register")

	// The issued access token works on protected routes.
	w, env := fx.do(t, http.MethodGet, "/api/auth/me", nil, bundle.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	var me map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &me))
	require.Equal(t, "api-register", me["username"])
	require.NotNil(t, me["totp_confirmed_at"])

	// The challenge was consumed: replaying the confirm is refused.
	w, env = fx.do(t, http.MethodPost, "/api/auth/register/2fa", gin.H{
		"challenge_token": enrol.ChallengeToken,
		"code":            codeFor(t, enrol.Secret),
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "auth.challenge_required", env.Error.Code)
}

func TestOTPStepWithoutChallengeRedirectsToFlowStart(t *testing.T) {
	fx := setupAPI(t)

	w, env := fx.do(t, http.MethodPost, "/api/auth/login/2fa", gin.H{
		"challenge_token": "never-issued",
		"code":            "123456",
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "auth.challenge_required", env.Error.Code)

	w, env = fx.do(t, http.MethodGet, "/api/auth/register/2fa?challenge_token=never-issued", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "auth.challenge_required", env.Error.Code)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	fx := setupAPI(t)

	fx.registerAndConfirm(t, "api-duplicate")

	w, env := fx.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": "api-duplicate",
		"email":    "fresh@example.com",
		"password": "correct horse battery",
	}, "")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "auth.duplicate_account", env.Error.Code)
}

func TestLoginFlowHidesFailureReason(t *testing.T) {
	fx := setupAPI(t)

	enrol, _ := fx.registerAndConfirm(t, "api-login")

	// Wrong password and wrong OTP produce the same error body.
	w, env := fx.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "api-login",
		"password":   "not the password",
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	passwordFailure := env.Error.Code

	w, env = fx.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "api-login",
		"password":   "correct horse battery",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var challenge map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &challenge))
	token := challenge["challenge_token"]
	require.NotEmpty(t, token)

	w, env = fx.do(t, http.MethodPost, "/api/auth/login/2fa", gin.H{
		"challenge_token": token,
		"code":            wrongCodeFor(t, enrol.Secret),
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, passwordFailure, env.Error.Code)

	w, env = fx.do(t, http.MethodPost, "/api/auth/login/2fa", gin.H{
		"challenge_token": token,
		"code":            codeFor(t, enrol.Secret),
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var bundle tokenBundle
	require.NoError(t, json.Unmarshal(env.Data, &bundle))
	require.NotEmpty(t, bundle.Tokens.AccessToken)
}

func TestRotationInvalidatesOldSecret(t *testing.T) {
	fx := setupAPI(t)

	enrol, bundle := fx.registerAndConfirm(t, "api-rotate")

	w, env := fx.do(t, http.MethodPost, "/api/profile/2fa/rotate", gin.H{
		"password": "correct horse battery",
		"code":     codeFor(t, enrol.Secret),
	}, bundle.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	var rotated enrollment
	require.NoError(t, json.Unmarshal(env.Data, &rotated))
	require.NotEmpty(t, rotated.Secret)
	require.NotEqual(t, enrol.Secret, rotated.Secret)

	// Log in again: the old secret's codes are dead, the new one's work.
	w, env = fx.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "api-rotate",
		"password":   "correct horse battery",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var challenge map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &challenge))

	oldCode := codeFor(t, enrol.Secret)
	newCode := codeFor(t, rotated.Secret)
	if oldCode != newCode {
		w, _ = fx.do(t, http.MethodPost, "/api/auth/login/2fa", gin.H{
			"challenge_token": challenge["challenge_token"],
			"code":            oldCode,
		}, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w, _ = fx.do(t, http.MethodPost, "/api/auth/login/2fa", gin.H{
		"challenge_token": challenge["challenge_token"],
		"code":            newCode,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRotationRequiresCurrentOTP(t *testing.T) {
	fx := setupAPI(t)

	enrol, bundle := fx.registerAndConfirm(t, "api-rotate-guard")

	w, env := fx.do(t, http.MethodPost, "/api/profile/2fa/rotate", gin.H{
		"password": "correct horse battery",
		"code":     wrongCodeFor(t, enrol.Secret),
	}, bundle.Tokens.AccessToken)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "INVALID_CREDENTIALS", env.Error.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	fx := setupAPI(t)

	_, bundle := fx.registerAndConfirm(t, "api-session")

	w, env := fx.do(t, http.MethodPost, "/api/auth/refresh", gin.H{
		"refresh_token": bundle.Tokens.RefreshToken,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var refreshed map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &refreshed))
	require.NotEmpty(t, refreshed["access_token"])
	require.NotEqual(t, bundle.Tokens.RefreshToken, refreshed["refresh_token"])

	w, _ = fx.do(t, http.MethodPost, "/api/auth/logout", nil, refreshed["access_token"])
	require.Equal(t, http.StatusOK, w.Code)

	// The revoked session cannot refresh again.
	w, _ = fx.do(t, http.MethodPost, "/api/auth/refresh", gin.H{
		"refresh_token": refreshed["refresh_token"],
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewsRequiresAuthentication(t *testing.T) {
	fx := setupAPI(t)

	w, _ := fx.do(t, http.MethodGet, "/api/news?q=ai+chips", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	_, bundle := fx.registerAndConfirm(t, "api-news")

	w, env := fx.do(t, http.MethodGet, "/api/news?q=ai+chips", nil, bundle.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	var result news.Result
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Articles, 1)
	require.Equal(t, "Edge AI chips", result.Articles[0].Title)
}

func TestHealthAndMetricsExposed(t *testing.T) {
	fx := setupAPI(t)

	w, _ := fx.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
