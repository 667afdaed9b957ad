package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"petify-core/internal/auth"
	"petify-core/internal/db"
	"petify-core/internal/kvstore"
	"petify-core/internal/observability"
	"petify-core/internal/ratelimit"
	"petify-core/internal/respond"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

// Build constructs the whole object graph from the environment: identity
// store (Postgres), shared keyed store (Redis), token issuer, credential
// lifecycle service, and the admission-controlled HTTP surface.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	redisAddr, err := mustEnv("REDIS_ADDR")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envIntOrDefault("REDIS_DB", 0),
	})

	storeTimeout := envSecondsOrDefault("KV_STORE_TIMEOUT_SECONDS", 2)
	keyedStore, err := kvstore.NewRedisStore(redisClient, kvstore.WithOpTimeout(storeTimeout))
	if err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init keyed store: %w", err)
	}

	tokens := auth.NewTokenIssuer(jwtSecret)
	tokens.WithTTLs(
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 75),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 2160),
	)

	identities := auth.NewRepository(database)
	authService := auth.NewService(identities, keyedStore, tokens, logger)
	authService.WithLockoutPolicy(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
	)
	authHandler := auth.NewHandler(authService)

	globalConfig := ratelimit.Config{
		ReplenishRate:     envFloatOrDefault("RATE_LIMIT_REPLENISH_RATE", 10),
		BurstCapacity:     envFloatOrDefault("RATE_LIMIT_BURST_CAPACITY", 20),
		RequestedTokens:   envFloatOrDefault("RATE_LIMIT_REQUESTED_TOKENS", 1),
		KeyExpiration:     envSecondsOrDefault("RATE_LIMIT_KEY_EXPIRATION_SECONDS", 3600),
		RetryAfterSeconds: envIntOrDefault("RATE_LIMIT_RETRY_AFTER_SECONDS", 60),
	}
	globalLimiter, err := ratelimit.NewRedisLimiter(redisClient, globalConfig,
		ratelimit.WithTimeout(storeTimeout))
	if err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	admission := ratelimit.Middleware(ratelimit.MiddlewareOptions{
		Limiter: globalLimiter,
		Config:  globalConfig,
		Logger:  logger,
		Scope:   "global",
	})

	// Login gets a stricter bucket on top of the global one: failed-password
	// probing should throttle well before the general budget runs out.
	loginConfig := ratelimit.Config{
		ReplenishRate:     envFloatOrDefault("LOGIN_RATE_REPLENISH_RATE", 0.2),
		BurstCapacity:     envFloatOrDefault("LOGIN_RATE_BURST_CAPACITY", 10),
		RetryAfterSeconds: envIntOrDefault("RATE_LIMIT_RETRY_AFTER_SECONDS", 60),
	}
	loginLimiter, err := ratelimit.NewRedisLimiter(redisClient, loginConfig,
		ratelimit.WithTimeout(storeTimeout))
	if err != nil {
		_ = database.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init login rate limiter: %w", err)
	}
	loginAdmission := ratelimit.Middleware(ratelimit.MiddlewareOptions{
		Limiter: loginLimiter,
		Config:  loginConfig,
		Logger:  logger,
		Scope:   "login",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.Handle("POST /auth/login", loginAdmission(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", auth.Middleware(authService, http.HandlerFunc(meHandler)))
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))
	mux.Handle("/", respond.NotFoundHandler())

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			admission(mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			redisErr := redisClient.Close()
			if err := database.Close(); err != nil {
				return err
			}
			return redisErr
		},
	}, nil
}

func meHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respond.WriteError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	respond.WriteJSON(w, http.StatusOK, respond.OK(identity))
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		state := "ok"
		if err := database.PingContext(ctx); err != nil {
			status, state = http.StatusServiceUnavailable, "degraded"
		} else if err := redisClient.Ping(ctx).Err(); err != nil {
			status, state = http.StatusServiceUnavailable, "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": state,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envFloatOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
