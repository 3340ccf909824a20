package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KarimHesham/logistics-sync-engine/internal/broadcast"
	"github.com/KarimHesham/logistics-sync-engine/internal/config"
	"github.com/KarimHesham/logistics-sync-engine/internal/db"
	"github.com/KarimHesham/logistics-sync-engine/internal/discovery"
	"github.com/KarimHesham/logistics-sync-engine/internal/discovery/consul"
	"github.com/KarimHesham/logistics-sync-engine/internal/httpapi"
	"github.com/KarimHesham/logistics-sync-engine/internal/inbox"
	"github.com/KarimHesham/logistics-sync-engine/internal/logger"
	"github.com/KarimHesham/logistics-sync-engine/internal/orders"
	"github.com/KarimHesham/logistics-sync-engine/internal/queue"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/metrics"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/tracing"
)

const serviceName = "api"

func main() {
	log := logger.New(serviceName)

	defer func() {
		if r := recover(); r != nil {
			log.Error("fatal startup failure", slog.Any("error", r))
			os.Exit(1)
		}
	}()

	apiPort := config.GetEnv("API_PORT", "4000")
	databaseURL := config.MustGetEnv("DATABASE_URL")
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
	httpMetrics := metrics.NewHTTP(serviceName)

	q := queue.New(database)
	inboxStore := inbox.New(database, q, pipelineMetrics, zapLogger)
	broadcaster := broadcast.New(broadcast.DefaultBufferSize)

	var orderCache *orders.Cache
	if redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		orderCache = orders.NewCache(redisClient, orders.DefaultCacheTTL, zapLogger)
		log.Info("using redis-backed order read cache", slog.String("addr", redisAddr))
	}

	handler := httpapi.New(inboxStore, database, orderCache, broadcaster, log)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	allowedOrigins := map[string]bool{"http://localhost:3000": true}
	root := httpapi.CORSMiddleware(allowedOrigins, httpapi.MetricsMiddleware(httpMetrics, mux))

	server := &http.Server{Addr: ":" + apiPort, Handler: root}

	var registration *discovery.Registration
	if consulAddr != "" {
		registry, err := consul.NewRegistry(consulAddr)
		if err != nil {
			log.Error("failed to build consul registry", slog.Any("error", err))
			os.Exit(1)
		}
		registration, err = discovery.Register(context.Background(), registry, instanceID, serviceName, "localhost:"+apiPort, log)
		if err != nil {
			log.Error("failed to register with consul", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", slog.Any("error", err))
		}
		if registration != nil {
			if err := registration.Deregister(shutdownCtx); err != nil {
				log.Error("consul deregister error", slog.Any("error", err))
			}
		}
	}()

	log.Info("starting http server", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server failed", slog.Any("error", err))
		os.Exit(1)
	}

	os.Exit(130)
}
