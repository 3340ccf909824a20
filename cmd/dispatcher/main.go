package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KarimHesham/logistics-sync-engine/internal/config"
	"github.com/KarimHesham/logistics-sync-engine/internal/db"
	"github.com/KarimHesham/logistics-sync-engine/internal/discovery"
	"github.com/KarimHesham/logistics-sync-engine/internal/discovery/consul"
	"github.com/KarimHesham/logistics-sync-engine/internal/logger"
	"github.com/KarimHesham/logistics-sync-engine/internal/outbound"
	"github.com/KarimHesham/logistics-sync-engine/internal/queue"
	"github.com/KarimHesham/logistics-sync-engine/internal/ratelimit"
	"github.com/KarimHesham/logistics-sync-engine/internal/shopify"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/metrics"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/tracing"
)

const serviceName = "dispatcher"

func main() {
	log := logger.New(serviceName)

	defer func() {
		if r := recover(); r != nil {
			log.Error("fatal startup failure", slog.Any("error", r))
			os.Exit(1)
		}
	}()

	metricsAddr := config.GetEnv("METRICS_ADDR", ":9102")
	databaseURL := config.MustGetEnv("DATABASE_URL")
	upstreamBaseURL := config.GetEnv("UPSTREAM_BASE_URL", "http://localhost:4100")
	consulAddr := config.GetEnv("CONSUL_ADDR", "")
	redisAddr := config.GetEnv("REDIS_ADDR", "")
	instanceID := config.GetEnv("INSTANCE_ID", discovery.GenerateInstanceID(serviceName))

	shutdownTracing, err := tracing.Init(serviceName)
	if err != nil {
		log.Error("failed to init tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Open(databaseURL, db.Config{})
	if err != nil {
		log.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Error("failed to apply schema", slog.Any("error", err))
		os.Exit(1)
	}

	zapLogger, _ := zap.NewProduction()
	defer zapLogger.Sync()

	pipelineMetrics := metrics.NewPipeline(serviceName)
	q := queue.New(database)
	client := shopify.New(upstreamBaseURL, 15*time.Second)

	var limiter ratelimit.Limiter
	if redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		limiter = ratelimit.NewShared(redisClient, serviceName, ratelimit.DefaultRate, ratelimit.DefaultCapacity)
		log.Info("using redis-backed shared rate limiter", slog.String("addr", redisAddr))
	} else {
		limiter = ratelimit.NewLocal(ratelimit.DefaultRate, ratelimit.DefaultCapacity)
	}

	dispatcher := outbound.New(database, q, limiter, client, pipelineMetrics, zapLogger, outbound.Config{})

	var registration *discovery.Registration
	if consulAddr != "" {
		registry, err := consul.NewRegistry(consulAddr)
		if err != nil {
			log.Error("failed to build consul registry", slog.Any("error", err))
			os.Exit(1)
		}
		registration, err = discovery.Register(context.Background(), registry, instanceID, serviceName, metricsAddr, log)
		if err != nil {
			log.Error("failed to register with consul", slog.Any("error", err))
			os.Exit(1)
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		dispatcher.Run(ctx)
	}()

	log.Info("outbound dispatcher started", slog.String("upstream", upstreamBaseURL))
	<-ctx.Done()
	log.Info("received shutdown signal, draining in-flight work")

	workers.Wait()
	log.Info("dispatcher drained")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", slog.Any("error", err))
	}
	if registration != nil {
		if err := registration.Deregister(shutdownCtx); err != nil {
			log.Error("consul deregister error", slog.Any("error", err))
		}
	}

	os.Exit(130)
}
