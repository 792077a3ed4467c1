package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/authgate/internal/auth"
	"github.com/BradenHooton/authgate/internal/background"
	"github.com/BradenHooton/authgate/internal/config"
	"github.com/BradenHooton/authgate/internal/database"
	"github.com/BradenHooton/authgate/internal/handlers"
	middlewareCustom "github.com/BradenHooton/authgate/internal/middleware"
	"github.com/BradenHooton/authgate/internal/models"
	"github.com/BradenHooton/authgate/internal/repositories"
	"github.com/BradenHooton/authgate/internal/routes"
	"github.com/BradenHooton/authgate/internal/services"
	pkghttp "github.com/BradenHooton/authgate/pkg/http"
	pkglogger "github.com/BradenHooton/authgate/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("rate_limit_backend", cfg.RateLimit.Backend),
		slog.Bool("rate_limit_enabled", cfg.RateLimit.Enabled),
	)

	ctx := context.Background()

	// Initialize database
	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)

	rateLimitStore, closeStore, err := newRateLimitStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("failed to initialize rate limit store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	// Rate limiting service
	rateLimitService := services.NewRateLimitService(rateLimitStore, services.RateLimitConfig{
		Enabled: cfg.RateLimit.Enabled,
		Policy: models.RateLimitPolicy{
			MaxAttempts:   cfg.RateLimit.MaxAttempts,
			Window:        cfg.RateLimit.Window,
			BlockDuration: cfg.RateLimit.BlockDuration,
		},
		OperationTimeout: cfg.Auth.OperationTimeout,
	}, logger)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.SessionExpiry)

	auditLogger := pkglogger.NewAuditLogger(logger)

	authService := services.NewAuthService(userRepo, sessionRepo, rateLimitService, tokenManager, logger, auditLogger, services.AuthConfig{
		OperationTimeout: cfg.Auth.OperationTimeout,
		ThrottleByIP:     cfg.RateLimit.ThrottleByIP,
	})

	// Timing delay for auth security
	authService.SetTimingDelay(auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	}))

	// AWS SES lockout notifications
	if cfg.Email.LockoutNotifications {
		notifier, err := services.NewSESLockoutNotifier(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize lockout notifier", slog.Any("error", err))
			os.Exit(1)
		}
		authService.SetLockoutNotifier(notifier)
	}

	// Initialize handlers
	ipConfig := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	cookies := auth.CookieConfig{
		Name:   cfg.Auth.CookieName,
		Domain: cfg.Auth.CookieDomain,
		Secure: cfg.Server.IsProduction(),
	}
	authHandler := handlers.NewAuthHandler(authService, cookies, ipConfig, logger)

	// Cleanup manager sweeps both rate limits and sessions
	cleanupManager := background.NewCleanupManager(rateLimitService, sessionRepo, logger, cfg.RateLimit.SweepInterval)

	// Setup router. Client IPs are resolved through the trusted proxy list, so chi's RealIP is not used.
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, authHandler, authService, cookies, middlewareCustom.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		IPConfig:          ipConfig,
	}, logger)

	// Health check with database
	router.Get("/health", handlers.Health(db))

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		return
	}

	logger.Info("server stopped gracefully")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newRateLimitStore builds the configured backend. The returned func releases its resources.
func newRateLimitStore(ctx context.Context, cfg *config.Config, db *database.DB, logger *slog.Logger) (services.RateLimitStore, func(), error) {
	switch cfg.RateLimit.Backend {
	case config.RateLimitBackendPostgres:
		return repositories.NewRateLimitRepository(db), func() {}, nil

	case config.RateLimitBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.Redis.Addr, err)
		}

		logger.Info("redis rate limit store connected", slog.String("addr", cfg.Redis.Addr))
		return repositories.NewRedisRateLimitStore(client, cfg.Redis.KeyPrefix), func() {
			if err := client.Close(); err != nil {
				logger.Error("failed to close redis client", slog.Any("error", err))
			}
		}, nil

	default:
		logger.Warn("using in-memory rate limit store; counters are per process and lost on restart")
		return repositories.NewMemoryRateLimitStore(), func() {}, nil
	}
}
