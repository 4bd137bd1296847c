package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rankcraft/linkengine/internal/api"
	"github.com/rankcraft/linkengine/internal/auth"
	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rankcraft/linkengine/internal/engine"
	"github.com/rankcraft/linkengine/internal/exchange"
	"github.com/rankcraft/linkengine/internal/notifications"
	"github.com/rankcraft/linkengine/internal/verify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	SentryDSN string
	LogLevel  string
	Version   string
}

func main() {
	// .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:      getEnvWithDefault("PORT", "8080"),
		Env:       getEnvWithDefault("APP_ENV", "development"),
		SentryDSN: os.Getenv("SENTRY_DSN"),
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		Version:   getEnvWithDefault("APP_VERSION", "dev"),
	}

	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	pgDB, err := db.InitFromEnvWithRetry(context.Background())
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	authClient, err := auth.NewClientFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure auth")
	}

	queue := db.NewTaskQueue(pgDB.GetDB())

	var notifier engine.Notifier
	if slackNotifier := notifications.NewSlackNotifierFromEnv(); slackNotifier != nil {
		notifier = slackNotifier
		log.Info().Msg("Slack escalations enabled")
	}

	worker := engine.NewWorkerCycle(
		pgDB,
		queue,
		engine.NewHTTPExecutor(nil, getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second)),
		notifier,
		engine.Config{
			AttemptCeiling:  getEnvInt("ATTEMPT_CEILING", 3),
			ClaimCandidates: getEnvInt("CLAIM_CANDIDATES", 3),
		},
	)

	verifier := verify.NewCycle(
		pgDB,
		verify.NewHTTPChecker(nil, getEnvFloat("CHECK_RATE", 2)),
		verify.Config{
			BatchSize:    getEnvInt("VERIFY_BATCH_SIZE", 50),
			StaleAfter:   getEnvDuration("VERIFY_STALE_AFTER", 24*time.Hour),
			ReplaceAfter: getEnvDuration("REPLACE_AFTER", 14*24*time.Hour),
		},
	)

	exchangeSvc := exchange.NewService(pgDB, exchange.NewHTTPSiteChecker(nil, getEnvFloat("CHECK_RATE", 2)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := newScheduler(queue, worker, verifier, exchangeSvc, pgDB.GetConfig().ConnectionString())
	if err := sched.start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer sched.stop()

	limiter := newRateLimiter()

	apiHandler := api.NewHandler(queue, pgDB, worker, verifier, exchangeSvc, authClient,
		func(ctx context.Context) error { return pgDB.GetDB().PingContext(ctx) },
		config.Version)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !limiter.getLimiter(ip).Allow() {
			api.WriteErrorMessage(w, r, "Too many requests", http.StatusTooManyRequests, api.ErrCodeRateLimit)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Middleware in reverse order (outermost first)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "linkengine").
			Logger()
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid float in environment variable, using default")
		return defaultValue
	}
	return result
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	return result
}

// RateLimiter applies per-client-IP request limits
type RateLimiter struct {
	limits   map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
}

func newRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:   make(map[string]*rate.Limiter),
		rate:     rate.Limit(20),
		capacity: 10,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limits[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.capacity)
		rl.limits[ip] = limiter
	}

	return limiter
}

// getClientIP extracts the client's IP address from a request
func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ips := strings.Split(ip, ",")
		return strings.TrimSpace(ips[0])
	}

	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}
