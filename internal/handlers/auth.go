package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp"
	"gorm.io/gorm"

	iauth "github.com/techtrendlabs/techtrend/internal/auth"
	"github.com/techtrendlabs/techtrend/internal/middleware"
	"github.com/techtrendlabs/techtrend/internal/models"
	appErrors "github.com/techtrendlabs/techtrend/pkg/errors"
	"github.com/techtrendlabs/techtrend/pkg/response"
)

// AuthHandler exposes the two-step registration and login flows plus session
// endpoints. Every path to a token pair runs through the OTP step.
type AuthHandler struct {
	db       *gorm.DB
	flow     *iauth.FlowController
	engine   *iauth.TOTPEngine
	sessions *iauth.SessionService
}

func NewAuthHandler(db *gorm.DB, flow *iauth.FlowController, engine *iauth.TOTPEngine, sessions *iauth.SessionService) *AuthHandler {
	return &AuthHandler{db: db, flow: flow, engine: engine, sessions: sessions}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type challengeRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,len=6,numeric"`
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	challenge, err := h.flow.Register(requestContext(c), iauth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		response.Error(c, mapFlowError(err))
		return
	}

	payload := gin.H{
		"challenge_token": challenge.ChallengeToken,
	}
	h.attachProvisioning(payload, challenge.Key)

	response.Success(c, http.StatusCreated, payload)
}

// GET /api/auth/register/2fa
//
// Re-displays the provisioning material for an open enrollment challenge so a
// reloaded page can show the QR again.
func (h *AuthHandler) EnrollmentMaterial(c *gin.Context) {
	token := strings.TrimSpace(c.Query("challenge_token"))

	key, err := h.flow.ProvisioningMaterial(requestContext(c), token)
	if err != nil {
		response.Error(c, mapFlowError(err))
		return
	}

	payload := gin.H{"challenge_token": token}
	h.attachProvisioning(payload, key)

	response.Success(c, http.StatusOK, payload)
}

// POST /api/auth/register/2fa
func (h *AuthHandler) ConfirmEnrollment(c *gin.Context) {
	h.verifyOTP(c)
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	token, err := h.flow.Login(requestContext(c), iauth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, mapFlowError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"challenge_token": token})
}

// POST /api/auth/login/2fa
func (h *AuthHandler) ConfirmLogin(c *gin.Context) {
	h.verifyOTP(c)
}

func (h *AuthHandler) verifyOTP(c *gin.Context) {
	var req challengeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, user, err := h.flow.VerifyOTP(requestContext(c), req.ChallengeToken, req.Code, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, mapFlowError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken},
		"user":   userPayload(user),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, _, err := h.sessions.RefreshSession(req.RefreshToken)
	if err != nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	sid := c.GetString(middleware.CtxSessionIDKey)
	if sid == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.sessions.RevokeSession(sid); err != nil {
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var user models.User
	if err := h.db.Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, userPayload(&user))
}

type rotateRequest struct {
	Password string `json:"password" validate:"required"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
}

// POST /api/profile/2fa/rotate
//
// Both the password and an OTP from the current secret are required before a
// new secret replaces the old one.
func (h *AuthHandler) RotateSecret(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req rotateRequest
	if !bindAndValidate(c, &req) {
		return
	}

	key, _, err := h.flow.RotateSecret(requestContext(c), userID, req.Password, req.Code)
	if err != nil {
		response.Error(c, mapFlowError(err))
		return
	}

	payload := gin.H{}
	h.attachProvisioning(payload, key)

	response.Success(c, http.StatusOK, payload)
}

func (h *AuthHandler) attachProvisioning(payload gin.H, key *otp.Key) {
	payload["secret"] = key.Secret()
	payload["otpauth_url"] = key.String()

	if png, err := h.engine.QRCode(key); err == nil {
		payload["qr_png_base64"] = base64.StdEncoding.EncodeToString(png)
	}
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":                user.ID,
		"username":          user.Username,
		"email":             user.Email,
		"is_active":         user.IsActive,
		"totp_confirmed_at": user.TOTPConfirmedAt,
		"last_login_at":     user.LastLoginAt,
	}
}

// mapFlowError translates flow sentinels into client-facing errors. Password
// and OTP failures share one generic credential error; a missing or consumed
// challenge sends the client back to the start of the flow.
func mapFlowError(err error) error {
	switch {
	case errors.Is(err, iauth.ErrDuplicateAccount):
		return appErrors.ErrDuplicateAccount
	case errors.Is(err, iauth.ErrAccountLocked):
		return appErrors.ErrAccountLocked
	case errors.Is(err, iauth.ErrNoPendingAuth),
		errors.Is(err, iauth.ErrTooManyAttempts):
		return appErrors.ErrChallengeRequired
	case errors.Is(err, iauth.ErrProvisioningFailed):
		return appErrors.ErrProvisioningFailed
	case errors.Is(err, iauth.ErrInvalidCredentials),
		errors.Is(err, iauth.ErrAccountDisabled):
		return appErrors.ErrInvalidCredentials
	default:
		return appErrors.ErrInternalServer.WithInternal(err)
	}
}
