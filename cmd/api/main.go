package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	_ "go.uber.org/automaxprocs"

	_ "github.com/tangjunyou/prompt-faster-sub001/docs" // swagger docs
	"github.com/tangjunyou/prompt-faster-sub001/internal/auth"
	"github.com/tangjunyou/prompt-faster-sub001/internal/checkpoint"
	"github.com/tangjunyou/prompt-faster-sub001/internal/config"
	"github.com/tangjunyou/prompt-faster-sub001/internal/execution"
	"github.com/tangjunyou/prompt-faster-sub001/internal/gateway"
	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/metrics"
	"github.com/tangjunyou/prompt-faster-sub001/internal/orchestration"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
	"github.com/tangjunyou/prompt-faster-sub001/internal/recovery"
	"github.com/tangjunyou/prompt-faster-sub001/internal/storage"
)

// @title Prompt Optimizer API
// @version 1.0
// @description Checkpointed prompt optimization loops with pause, resume, recovery and rollback.
// @description
// @description Runs are controlled over REST and the /ws/control websocket.

// @contact.name API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	cfg.Log.Component = "api"
	logger := logging.New(cfg.Log)
	logger.Info("configuration loaded", "config", cfg.String())

	tp, err := initTracer()
	if err != nil {
		fatal(logger, "failed to initialize tracer", err)
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		fatal(logger, "failed to connect to database", err)
	}
	defer db.Close()

	optMetrics, err := metrics.NewOptimizationMetrics()
	if err != nil {
		fatal(logger, "failed to initialize optimization metrics", err)
	}

	// Persistence
	tasks := storage.NewTaskRepository(db, storage.WithTargetAPIKey(cfg.Target.APIKey))
	checkpoints := checkpoint.NewService(storage.NewCheckpointRepository(db), logger)
	markers := storage.NewRecoveryMarkerRepository(db)

	// Optimization loop
	registry := pause.NewRegistry()
	scheduler := execution.NewScheduler(execution.NewHTTPTarget(logger), logger)
	capabilities := orchestration.NewCapabilityClient(cfg.Capabilities.URL, cfg.Capabilities.Timeout, logger)

	engine, err := orchestration.NewEngine(cfg.Engine.Name, orchestration.Components{
		Scheduler:   scheduler,
		Evaluator:   capabilities,
		RuleEngine:  capabilities,
		Aggregator:  capabilities,
		Optimizer:   capabilities,
		Teacher:     capabilities,
		Checkpoints: checkpoints,
		Metrics:     optMetrics,
		Logger:      logger,
	})
	if err != nil {
		fatal(logger, "failed to build optimization engine", err)
	}

	runner := orchestration.NewRunner(registry, engine, optMetrics, logger)
	recoverySvc := recovery.NewService(tasks, markers, checkpoints, runner, registry, optMetrics, logger)

	// Gateway
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gwMetrics := gateway.NewMetrics("prompt_optimizer", promRegistry)

	broadcaster := gateway.NewBroadcaster(cfg.EventBus.QueueSize, gwMetrics, logger)
	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		fatal(logger, "failed to initialize JWT manager", err)
	}
	controlBus := gateway.NewControlBus(registry, tasks, jwtManager, broadcaster, gwMetrics, logger)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	var relay *gateway.RedisRelay
	if cfg.RedisEnabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			fatal(logger, "invalid REDIS_URL", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		relay = gateway.NewRedisRelay(redisClient, broadcaster, logger,
			gateway.WithChannel(cfg.Redis.Channel),
			gateway.WithRelayMetrics(gwMetrics),
		)
		if err := relay.Start(relayCtx); err != nil {
			fatal(logger, "failed to start event relay", err)
		}
		broadcaster.SetRelay(relay)
		logger.Info("cross-instance event relay enabled", "channel", cfg.Redis.Channel)
	}

	handler := gateway.NewHandler(recoverySvc, checkpoints, runner, registry, tasks, logger)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(structuredLoggingMiddleware(logger.Named("http")))
	router.Use(gwMetrics.GinMiddleware())

	// Health checks MUST be at the root
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "database connection failed",
			})
			return
		}
		if !capabilities.IsHealthy(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "capability runtime unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/metrics", gin.WrapH(gwMetrics.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")

	// The control bus authenticates before upgrading
	api.GET("/ws/control", controlBus.ServeWS)

	protected := api.Group("")
	protected.Use(auth.RequireAuth(jwtManager, logger))
	handler.RegisterRoutes(protected)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting prompt optimizer API server", "port", cfg.Server.Port, "engine", engine.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "failed to start server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	// Loops stop at their next safe point
	if err := runner.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("optimization loops did not stop in time")
	}

	stopRelay()
	if relay != nil {
		relay.Wait()
	}

	if err := tp.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("failed to flush traces")
	}

	logger.Info("server exited")
}

// openDatabase connects with retries; postgres may still be starting
func openDatabase(cfg *config.Config, logger *logging.Logger) (*storage.DB, error) {
	opts := storage.Options{
		Driver:      storage.Driver(cfg.Database.Driver),
		URL:         cfg.Database.URL,
		SQLitePath:  cfg.Database.SQLitePath,
		AutoMigrate: cfg.Database.AutoMigrate,
	}

	var (
		db  *storage.DB
		err error
	)
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err = storage.Open(ctx, opts)
		cancel()
		if err == nil {
			logger.Info("connected to database", "driver", cfg.Database.Driver)
			return db, nil
		}
		logger.WithError(err).Warn("waiting for database", "attempt", i+1)
		time.Sleep(3 * time.Second)
	}
	return nil, err
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// structuredLoggingMiddleware logs every served request
func structuredLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		attrs := []any{"user_agent", c.Request.UserAgent()}
		if userID := auth.UserID(c); userID != "" {
			attrs = append(attrs, "user_id", userID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		logger.HTTPRequestLog(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.ClientIP(), attrs...)
	}
}

func fatal(logger *logging.Logger, msg string, err error) {
	logger.WithError(err).Error(msg)
	os.Exit(1)
}
