package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/scrapehook/internal/callback"
	"github.com/austindbirch/scrapehook/internal/config"
	"github.com/austindbirch/scrapehook/internal/db"
	"github.com/austindbirch/scrapehook/internal/dispatch"
	"github.com/austindbirch/scrapehook/internal/executor"
	"github.com/austindbirch/scrapehook/internal/health"
	"github.com/austindbirch/scrapehook/internal/journal"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/metrics"
	"github.com/austindbirch/scrapehook/internal/queue"
	"github.com/austindbirch/scrapehook/internal/store"
	"github.com/austindbirch/scrapehook/internal/tracing"
)

const serviceName = "scrapehook-worker"

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// One run ID per process, carried in ctx and on every log line
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

	q := queue.New(rdb, cfg.Redis.QueueName, cfg.Redis.DLQName)
	checks := map[string]health.Checker{"redis": store.Healthcheck(rdb)}

	registry, err := executor.FromConfig(cfg.Executor)
	if err != nil {
		logger.Plain().WithError(err).Fatal("executor registry")
	}

	// Optional Postgres task journal
	var jrnl dispatch.Journal = journal.Nop{}
	if cfg.DB.Enabled {
		pool, err := openJournal(ctx, cfg, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("journal setup failed")
		}
		defer pool.Close()
		jrnl = journal.New(pool)
		checks["database"] = pool.Ping
	}

	// Optional NSQ dead-letter fan-out
	var dlqPublisher dispatch.DeadLetterPublisher
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
		dlqPublisher = dispatch.NewNSQPublisher(producer, cfg.NSQ.DLQTopic)
		checks["nsqd"] = func(context.Context) error { return producer.Ping() }
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           opsMux(reg, checks),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	go dispatch.MonitorBacklog(ctx, q, cfg.Worker.BacklogInterval, logger)

	notifier := callback.New(cfg.Worker.CallbackTimeout)
	pool := dispatch.NewPool(cfg.Worker.Concurrency, func(id int) *dispatch.Dispatcher {
		return dispatch.New(q, registry, notifier, dispatcherOptions(id, cfg.Worker, logger, jrnl, dlqPublisher)...)
	})

	logger.WithContext(ctx).WithFields(map[string]any{
		"concurrency": pool.Size(),
		"queue":       q.Name(),
		"dlq":         q.DLQName(),
		"job_types":   registry.Types(),
		"mode":        cfg.Executor.Mode,
	}).Info("worker service started")

	if err := pool.Run(ctx); err != nil {
		logger.WithContext(ctx).WithError(err).Error("dispatcher pool exited with error")
	}

	logger.Plain().Info("Shutting down worker service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

func openJournal(ctx context.Context, cfg config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// dispatcherOptions maps worker config onto one dispatcher. A nil publisher
// leaves NSQ fan-out off.
func dispatcherOptions(id int, cfg config.Worker, logger *logging.Logger, j dispatch.Journal, p dispatch.DeadLetterPublisher) []dispatch.Option {
	opts := []dispatch.Option{
		dispatch.WithID(id),
		dispatch.WithLogger(logger),
		dispatch.WithJournal(j),
		dispatch.WithPollInterval(cfg.PollInterval),
		dispatch.WithExecutorTimeout(cfg.ExecutorTimeout),
	}
	if p != nil {
		opts = append(opts, dispatch.WithDeadLetterPublisher(p))
	}
	return opts
}

func opsMux(reg *prometheus.Registry, checks map[string]health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
