package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/scrapehook/internal/api"
	"github.com/austindbirch/scrapehook/internal/auth"
	"github.com/austindbirch/scrapehook/internal/config"
	"github.com/austindbirch/scrapehook/internal/db"
	"github.com/austindbirch/scrapehook/internal/dedup"
	"github.com/austindbirch/scrapehook/internal/executor"
	"github.com/austindbirch/scrapehook/internal/health"
	"github.com/austindbirch/scrapehook/internal/journal"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/metrics"
	"github.com/austindbirch/scrapehook/internal/queue"
	"github.com/austindbirch/scrapehook/internal/ratelimit"
	"github.com/austindbirch/scrapehook/internal/store"
	"github.com/austindbirch/scrapehook/internal/tracing"
)

const (
	serviceName       = "scrapehook-api"
	grpcHealthService = "scrapehook.api"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runID := logging.NewRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := logging.New(serviceName).WithRunID(runID)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	rdb, err := store.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis connect failed")
	}
	defer rdb.Close()

	// Admission needs only the tags, but building the real registry keeps
	// the API and worker agreeing on what is accepted.
	registry, err := executor.FromConfig(cfg.Executor)
	if err != nil {
		logger.Plain().WithError(err).Fatal("executor registry")
	}

	checks := map[string]health.Checker{"redis": store.Healthcheck(rdb)}

	var jrnl api.Journal = journal.Nop{}
	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool, logger); err != nil {
			logger.Plain().WithError(err).Fatal("db migrate failed")
		}
		jrnl = journal.New(pool)
		checks["database"] = pool.Ping
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv, err := buildServer(cfg, rdb, registry, jrnl, checks, reg, runID, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("api setup failed")
	}

	// gRPC health
	grpcSrv, hs := newGRPCServer()
	go health.SyncGRPC(ctx, hs, grpcHealthService, checks, 5*time.Second)

	lis, err := net.Listen("tcp", cfg.API.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.API.GRPCPort).Info("api gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.API.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", cfg.API.HTTPPort).Info("api HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	logger.WithContext(ctx).WithFields(map[string]any{
		"job_types":  registry.Types(),
		"queue":      cfg.Redis.QueueName,
		"dedup_ttl":  cfg.Redis.DedupTTL.String(),
		"rate_limit": cfg.API.RateLimit,
		"auth":       cfg.API.JWTPublicKey != "",
	}).Info("api service started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down api service")
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("api service stopped")
}

// buildServer wires the admission API onto the shared Redis client.
func buildServer(
	cfg config.Config,
	rdb redis.Cmdable,
	jobs api.JobTypes,
	jrnl api.Journal,
	checks map[string]health.Checker,
	reg *prometheus.Registry,
	runID string,
	logger *logging.Logger,
) (*api.Server, error) {
	q := queue.New(rdb, cfg.Redis.QueueName, cfg.Redis.DLQName)
	d := dedup.New(rdb, cfg.Redis.DedupPrefix, cfg.Redis.DedupTTL)

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithRunID(runID),
		api.WithJournal(jrnl),
		api.WithMaxRetries(cfg.Worker.MaxRetries),
		api.WithHealthChecks(checks),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	if cfg.API.RateLimit > 0 {
		opts = append(opts, api.WithRateLimiter(
			ratelimit.NewFixedWindow(rdb, "", cfg.API.RateLimit, cfg.API.RateWindow)))
	}
	if cfg.API.JWTPublicKey != "" {
		v, err := auth.NewJWTValidator(cfg.API.JWTPublicKey, cfg.API.JWTIssuer, cfg.API.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("jwt validator: %w", err)
		}
		opts = append(opts, api.WithAuth(v))
	}

	return api.New(d, q, q, jobs, opts...), nil
}

func newGRPCServer() (*grpc.Server, *grpc_health.Server) {
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	return grpcSrv, hs
}
