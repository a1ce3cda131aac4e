package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/techtrendlabs/techtrend/internal/auth"
	"github.com/techtrendlabs/techtrend/internal/handlers"
	"github.com/techtrendlabs/techtrend/internal/middleware"
	"github.com/techtrendlabs/techtrend/internal/news"
)

// Deps bundles the services the router wires together.
type Deps struct {
	DB        *gorm.DB
	JWT       *iauth.JWTService
	Sessions  *iauth.SessionService
	Flow      *iauth.FlowController
	Engine    *iauth.TOTPEngine
	News      *news.Service
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
// The OTP endpoints carry a tighter rate limit than the rest of the API.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session service must be provided")
	}
	if deps.Flow == nil {
		return nil, fmt.Errorf("flow controller must be provided")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("totp engine must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	// Basic rate limiting: 100 requests/minute per IP+path
	r.Use(middleware.RateLimit(deps.RateStore, 100, time.Minute))

	// Tighter limit for credential and OTP submissions
	otpLimit := middleware.RateLimit(deps.RateStore, 10, time.Minute)

	r.GET("/health", handlers.Health())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Flow, deps.Engine, deps.Sessions)

	// Public two-step flow routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.GET("/register/2fa", authHandler.EnrollmentMaterial)
		auth.POST("/register/2fa", otpLimit, authHandler.ConfirmEnrollment)
		auth.POST("/login", otpLimit, authHandler.Login)
		auth.POST("/login/2fa", otpLimit, authHandler.ConfirmLogin)
		auth.POST("/refresh", authHandler.Refresh)
	}

	// Protected routes
	requireAuth := middleware.Auth(deps.JWT)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/logout", authHandler.Logout)
	api.POST("/profile/2fa/rotate", otpLimit, authHandler.RotateSecret)

	if deps.News != nil {
		newsHandler := handlers.NewNewsHandler(deps.News)
		api.GET("/news", newsHandler.Latest)
	}

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
