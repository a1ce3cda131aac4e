package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gin-gonic/gin"

	"github.com/techtrendlabs/techtrend/internal/api"
	"github.com/techtrendlabs/techtrend/internal/app"
	"github.com/techtrendlabs/techtrend/internal/app/maintenance"
	iauth "github.com/techtrendlabs/techtrend/internal/auth"
	"github.com/techtrendlabs/techtrend/internal/cache"
	"github.com/techtrendlabs/techtrend/internal/database"
	"github.com/techtrendlabs/techtrend/internal/middleware"
	"github.com/techtrendlabs/techtrend/internal/news"
	"github.com/techtrendlabs/techtrend/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Redis      cache.Store
	SessionSvc *iauth.SessionService
	Cleaner    *maintenance.Cleaner
	RateStore  middleware.RateStore
	Router     *gin.Engine
}

// bootstrapRuntime initialises the database, caches, auth services, and the HTTP router.
func bootstrapRuntime(cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	// Challenges, sessions, rate counters and the news cache all share one
	// store but live in distinct keyspaces.
	var sharedStore cache.Store = dbStore
	if stack.Redis != nil {
		sharedStore = stack.Redis
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionCfg := cfg.Auth.SessionServiceConfig()
	sessionCfg.Cache = iauth.NewSessionCache(sharedStore)

	stack.SessionSvc, err = iauth.NewSessionService(stack.DB, jwtSvc, sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	engine := iauth.NewTOTPEngine(iauth.WithIssuer(cfg.Auth.TOTP.Issuer))

	pending, err := iauth.NewPendingStore(sharedStore, cfg.Auth.PendingStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise pending auth store: %w", err)
	}

	sealKey, err := app.DecodeKey(cfg.Auth.TOTP.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode totp encryption key: %w", err)
	}

	flow, err := iauth.NewFlowController(stack.DB, engine, pending, stack.SessionSvc,
		logger.WithModule("auth"), cfg.Auth.FlowControllerConfig(sealKey))
	if err != nil {
		return nil, fmt.Errorf("initialise auth flow: %w", err)
	}

	var newsSvc *news.Service
	if strings.TrimSpace(cfg.News.APIKey) != "" {
		newsSvc, err = news.NewService(stack.DB, sharedStore, logger.WithModule("news"), news.Config{
			APIKey:   cfg.News.APIKey,
			BaseURL:  cfg.News.BaseURL,
			CacheTTL: cfg.News.CacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("initialise news service: %w", err)
		}
	} else {
		log.Info("news api key not configured; news endpoint disabled")
	}

	stack.Cleaner = maintenance.NewCleaner(stack.SessionSvc, dbStore)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.RateStore = middleware.NewStoreRateStore(sharedStore)

	stack.Router, err = api.NewRouter(api.Deps{
		DB:        stack.DB,
		JWT:       jwtSvc,
		Sessions:  stack.SessionSvc,
		Flow:      flow,
		Engine:    engine,
		News:      newsSvc,
		RateStore: stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if rc, ok := s.Redis.(*cache.RedisClient); ok && rc != nil {
		if err := rc.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave the driver as-is to surface an unsupported driver error on open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
