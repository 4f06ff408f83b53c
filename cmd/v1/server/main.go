package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/burrowchat/burrow/internal/v1/blob"
	"github.com/burrowchat/burrow/internal/v1/config"
	"github.com/burrowchat/burrow/internal/v1/health"
	"github.com/burrowchat/burrow/internal/v1/hub"
	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/middleware"
	"github.com/burrowchat/burrow/internal/v1/ratelimit"
	"github.com/burrowchat/burrow/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), tracing.Options{
			ServiceName:        "burrow",
			CollectorAddr:      cfg.OTLPAddr,
			InsecureSkipVerify: cfg.OTLPInsecure,
		})
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("Failed to shut down tracer provider", "error", err)
			}
		}()
		slog.Info("✅ Tracing initialized", "collector", cfg.OTLPAddr)
	}

	// --- Blob Store Backend ---
	var blobs blob.Store
	switch cfg.BlobBackend {
	case "s3":
		s3Store, err := blob.NewS3Store(context.Background(), blob.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			slog.Error("Failed to initialize S3 blob store", "error", err)
			os.Exit(1)
		}
		blobs = s3Store
		slog.Info("✅ S3 blob store initialized", "bucket", cfg.S3Bucket)
	default:
		diskStore, err := blob.NewDiskStore(cfg.BlobDir)
		if err != nil {
			slog.Error("Failed to initialize disk blob store", "error", err)
			os.Exit(1)
		}
		blobs = diskStore
		slog.Info("✅ Disk blob store initialized", "dir", cfg.BlobDir)
	}

	// --- Redis (Optional, backs the HTTP rate limiter) ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory rate limit store", "error", err)
			redisClient = nil
		} else {
			slog.Info("✅ Redis connected", "addr", cfg.RedisAddr)
		}
		cancel()
	} else {
		slog.Info("Redis disabled, rate limit counters are in-memory")
	}

	httpLimiter, err := ratelimit.NewHTTPLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to initialize HTTP rate limiter", "error", err)
		os.Exit(1)
	}

	allowedOrigins := parseAllowedOrigins(cfg.AllowedOrigins)
	coordinator := hub.NewHub(cfg.DataDir, blobs, allowedOrigins)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("burrow"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.Use(httpLimiter.GlobalMiddleware())

	coordinator.RegisterRoutes(router, httpLimiter)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(cfg.DataDir, redisClient)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := coordinator.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		}
	}

	slog.Info("Server exiting")
}

func parseAllowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
