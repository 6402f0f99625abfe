package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	"github.com/KyFuirY/FreelanceOS/internal/cache"
	"github.com/KyFuirY/FreelanceOS/internal/config"
	"github.com/KyFuirY/FreelanceOS/internal/database"
	"github.com/KyFuirY/FreelanceOS/internal/errmap"
	"github.com/KyFuirY/FreelanceOS/internal/origin"
	"github.com/KyFuirY/FreelanceOS/internal/pii"
	"github.com/KyFuirY/FreelanceOS/internal/ratelimit"
	"github.com/KyFuirY/FreelanceOS/internal/sanitize"
	"github.com/KyFuirY/FreelanceOS/internal/secrets"
	"github.com/KyFuirY/FreelanceOS/internal/server"
	"github.com/KyFuirY/FreelanceOS/internal/telemetry"
	"github.com/KyFuirY/FreelanceOS/internal/tokens"
	"github.com/KyFuirY/FreelanceOS/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load("config.yaml", os.Getenv("FREELANCEOS_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Tracing, os.Stdout)
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zapLogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	clock := clockwork.NewRealClock()

	// Shared store for the rate limiter
	var store cache.Store
	if cfg.Redis.Enabled {
		redisStore := cache.NewRedisStore(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisStore.Ping(pingCtx)
		cancel()
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		zapLogger.Warn("Redis disabled, rate limits are local to this instance")
		store = cache.NewMemoryStore(clock)
	}

	// Database is optional
	var db *gorm.DB
	dbLogLevel := gormlogger.Warn
	if !cfg.IsProduction() {
		dbLogLevel = gormlogger.Info
	}
	db, err = database.Open(cfg.Database, dbLogLevel)
	switch {
	case errors.Is(err, database.ErrDisabled):
		zapLogger.Info("Database disabled")
		db = nil
	case err != nil:
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	default:
		defer func() {
			if err := database.Close(db); err != nil {
				zapLogger.Warn("Database close failed", zap.Error(err))
			}
		}()
	}

	var cipherOpts []pii.Option
	if cfg.Security.LegacyPlaintext {
		cipherOpts = append(cipherOpts, pii.WithLegacyPlaintext())
	}
	cipher, err := pii.NewCipher(cfg.Security.MasterKey, cfg.Security.PIISalt, cipherOpts...)
	if err != nil {
		zapLogger.Fatal("Failed to create PII cipher", zap.Error(err))
	}
	pii.Register(cipher)

	// Security event sinks
	sinks := []audit.Sink{audit.NewLogSink(zapLogger)}
	if cfg.Kafka.Enabled {
		writer := audit.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		kafkaSink := audit.NewKafkaSink(writer)
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				zapLogger.Warn("Kafka writer close failed", zap.Error(err))
			}
		}()
		sinks = append(sinks, kafkaSink)
	}
	var eventStore *audit.GormSink
	if db != nil {
		eventStore, err = audit.NewGormSink(db)
		if err != nil {
			zapLogger.Fatal("Failed to migrate security events", zap.Error(err))
		}
		sinks = append(sinks, eventStore)
	}
	events := audit.NewDispatcher(zapLogger, clock, sinks...)

	keys, err := secrets.New(cfg.Security.MasterKey, events, zapLogger,
		secrets.WithClock(clock),
		secrets.WithRotationInterval(cfg.Security.RotationInterval))
	if err != nil {
		zapLogger.Fatal("Failed to create secret store", zap.Error(err))
	}
	defer keys.Close()
	if err := keys.EnsureSystemSecrets(ctx); err != nil {
		zapLogger.Fatal("Failed to provision system secrets", zap.Error(err))
	}
	if !keys.VerifyIntegrity(ctx) {
		zapLogger.Fatal("Secret store integrity check failed")
	}

	errs := errmap.New(cfg.IsProduction(), events, zapLogger)
	guard := errmap.NewGuard(errs)
	defer guard.Recover()
	guard.Go(func() error { return keys.Run(ctx) })

	policies := ratelimit.DefaultPolicies(cfg.IsProduction())
	if cfg.Security.RateLimitPolicyFile != "" {
		policies, err = ratelimit.LoadPolicyFile(cfg.Security.RateLimitPolicyFile, policies)
		if err != nil {
			zapLogger.Fatal("Failed to load rate limit policies", zap.Error(err))
		}
	}
	limiterOpts := []ratelimit.Option{
		ratelimit.WithPolicies(policies),
		ratelimit.WithFailurePolicy(ratelimit.FailurePolicy(cfg.Security.RateLimitFailure)),
		ratelimit.WithClock(clock),
	}
	if cfg.Redis.Enabled {
		limiterOpts = append(limiterOpts, ratelimit.WithOpTimeout(cfg.Redis.OpTimeout))
	}
	limiter := ratelimit.New(store, events, zapLogger, limiterOpts...)

	originGuard, err := origin.NewGuard(origin.Config{
		Production:     cfg.IsProduction(),
		AllowedOrigins: cfg.Security.AllowedOrigins,
		DevPorts:       cfg.Security.DevPorts,
	}, events, zapLogger)
	if err != nil {
		zapLogger.Fatal("Invalid origin configuration", zap.Error(err))
	}

	sanitizer := sanitize.NewGuard(
		sanitize.NewXSS(cfg.Security.MaxInputLength),
		sanitize.NewPathValidator(cfg.Security.MaxPathLength),
		events, zapLogger)

	srv, err := server.New(server.Deps{
		Config:    cfg,
		Logger:    zapLogger,
		Cache:     store,
		DB:        db,
		Events:    eventStore,
		Secrets:   keys,
		Limiter:   limiter,
		Origin:    originGuard,
		Sanitizer: sanitizer,
		Errors:    errs,
		Signer:    tokens.NewSigner(keys, "freelanceos", clock),
	})
	if err != nil {
		zapLogger.Fatal("Failed to build HTTP server", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	zapLogger.Info("FreelanceOS security core started",
		zap.String("environment", cfg.Environment),
		zap.String("addr", cfg.HTTP.Addr))

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			guard.Report(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Shutdown complete")
}
