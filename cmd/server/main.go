package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agrimatch/backend/internal/featureflags"
	"github.com/agrimatch/backend/internal/handler"
	"github.com/agrimatch/backend/internal/infrastructure/logger"
	"github.com/agrimatch/backend/internal/infrastructure/redis"
	"github.com/agrimatch/backend/internal/notify"
	"github.com/agrimatch/backend/internal/observability/metrics"
	"github.com/agrimatch/backend/internal/observability/tracing"
	"github.com/agrimatch/backend/internal/repository"
	"github.com/agrimatch/backend/internal/security"
	"github.com/agrimatch/backend/internal/security/audit"
	"github.com/agrimatch/backend/internal/security/auth"
	"github.com/agrimatch/backend/internal/security/middleware"
	"github.com/agrimatch/backend/internal/security/ratelimit"
	"github.com/agrimatch/backend/internal/service"
	"github.com/agrimatch/backend/internal/worker"
	"github.com/agrimatch/backend/pkg/config"
	"github.com/agrimatch/backend/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting AgriMatch server", slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing (no-op unless an OTLP endpoint is configured)
	shutdownTracing, err := tracing.Init(ctx, log, "agrimatch", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Initialize Redis client
	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// 5. Initialize PostgreSQL and run migrations
	pool, err := database.NewConnectionPool(ctx, &database.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}, log)
	if err != nil {
		log.Error("failed to connect to PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Migrate(ctx); err != nil {
		log.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db := pool.GetDB()

	// 6. Initialize repositories
	partyRepo := repository.NewPostgresPartyRepository(db, log)
	interestRepo := repository.NewPostgresInterestRepository(db, log)
	requestRepo := repository.NewPostgresRequestRepository(db, log)
	contractRepo := repository.NewPostgresContractRepository(db, log)
	outboxRepo := repository.NewPostgresOutboxRepository(db, log)

	// Seed the matched gauge from the database.
	if matched, err := partyRepo.CountMatched(ctx); err == nil {
		metrics.SetMatched(matched)
	} else {
		log.Warn("failed to count matched parties", slog.String("error", err.Error()))
	}

	// 7. Initialize services and workers. The reconcile worker doubles as
	// the trigger the services poke after a suspected partial write.
	reconcileService := service.NewReconcileService(partyRepo, interestRepo, requestRepo, log)
	reconcileWorker := worker.NewReconcileWorker(reconcileService, log, time.Duration(cfg.ReconcileIntervalMinutes)*time.Minute)

	registryService := service.NewRegistryService(partyRepo, log, time.Duration(cfg.DirectoryCacheTTLSeconds)*time.Second, cfg.AcceptRetries)
	matchService := service.NewMatchService(requestRepo, partyRepo, registryService, outboxRepo, reconcileWorker, log)
	interestService := service.NewInterestService(interestRepo, partyRepo, registryService, outboxRepo, reconcileWorker, log)
	contractService := service.NewContractService(contractRepo, partyRepo, interestRepo, outboxRepo, reconcileWorker, log, cfg.StrictStageOrder, cfg.MaxStageFiles)

	publisher := notify.NewRedisPublisher(redisClient, log)
	dispatchWorker := worker.NewDispatchWorker(outboxRepo, publisher, log, time.Duration(cfg.DispatchIntervalSeconds)*time.Second)

	// 8. Initialize security components
	tokenManager := auth.NewTokenManager(os.Getenv("JWT_SECRET"), "agrimatch")
	rateLimiter := ratelimit.NewLimiter(100, time.Minute) // 100 requests per minute per user
	auditLogger := audit.NewLogger(log)
	authzService := security.NewAuthorizationService(log)

	// 9. Initialize handlers
	healthHandler := handler.NewHealthHandler(db, redisClient, log)
	profileHandler := handler.NewProfileHandler(registryService, log)
	directoryHandler := handler.NewDirectoryHandler(registryService, log)
	requestHandler := handler.NewRequestHandler(matchService, log)
	interestHandler := handler.NewInterestHandler(interestService, log)
	contractHandler := handler.NewContractHandler(contractService, authzService, log)
	eventsHandler := handler.NewEventsHandler(redisClient, log, cfg.CORSAllowedOrigins)

	// 10. Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("GET /api/profile", profileHandler)
	mux.Handle("GET /api/directory/{role}", directoryHandler)

	mux.HandleFunc("POST /api/requests", requestHandler.Send)
	mux.HandleFunc("GET /api/requests", requestHandler.Incoming)
	mux.HandleFunc("POST /api/requests/{id}/accept", requestHandler.Accept)
	mux.HandleFunc("POST /api/requests/{id}/reject", requestHandler.Reject)

	mux.HandleFunc("POST /api/interests", interestHandler.Express)
	mux.HandleFunc("GET /api/interests", interestHandler.List)
	mux.HandleFunc("PUT /api/interests/{counterpartId}", interestHandler.UpdateStatus)

	mux.HandleFunc("POST /api/contracts", contractHandler.Create)
	mux.HandleFunc("GET /api/contracts", contractHandler.List)
	mux.HandleFunc("GET /api/contracts/stats", contractHandler.Stats)
	mux.HandleFunc("GET /api/contracts/{id}", contractHandler.Get)
	mux.HandleFunc("POST /api/contracts/{id}/approve", contractHandler.Approve)
	mux.HandleFunc("POST /api/contracts/{id}/complete", contractHandler.Complete)
	mux.HandleFunc("POST /api/contracts/{id}/cancel", contractHandler.Cancel)
	mux.HandleFunc("POST /api/contracts/{id}/stages", contractHandler.AppendStage)
	mux.HandleFunc("PUT /api/contracts/{id}/stages/{seq}", contractHandler.UpdateStage)
	mux.HandleFunc("POST /api/contracts/{id}/stages/{seq}/files", contractHandler.AttachStageFiles)
	mux.HandleFunc("DELETE /api/contracts/{id}/stages/{seq}/files/{name}", contractHandler.RemoveStageFile)

	mux.Handle("GET /ws/events", eventsHandler)

	// CORS middleware honoring configured origins
	handlerWithCORS := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if originAllowed(cfg.CORSAllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(cfg.CORSAllowedOrigins) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", cfg.CORSAllowedOrigins[0])
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		mux.ServeHTTP(w, r)
	})

	// Chain middleware: request ID -> JWT -> rate limit -> audit -> content
	// type -> metrics -> CORS -> mux, wrapped in otel instrumentation. The
	// limiter and audit log key on the claims the JWT layer attaches.
	rootHandler := otelhttp.NewHandler(
		withRequestID(
			middleware.JWTMiddleware(tokenManager, log)(
				middleware.RateLimitMiddleware(rateLimiter, log)(
					middleware.AuditMiddleware(auditLogger)(
						middleware.ValidateJSONContentType(log)(
							metrics.HTTPMetricsMiddleware(handlerWithCORS),
						),
					),
				),
			),
			log,
		),
		"http.server",
	)

	// 11. Start background workers
	if featureflags.Enabled("disable_workers") {
		log.Warn("background workers disabled by flag")
	} else {
		go reconcileWorker.Start(ctx)
		go dispatchWorker.Start(ctx)
	}

	// 12. Start HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      rootHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("auth", "jwt"),
		slog.Bool("strict_stage_order", cfg.StrictStageOrder),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel() // Stop workers
	rateLimiter.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

type requestIDKey struct{}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
