package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/scrapehook/internal/config"
	"github.com/austindbirch/scrapehook/internal/health"
	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/task"
)

const serviceName = "scrapehook-dlq-monitor"

var errBadPayload = errors.New("bad dead letter payload")

// nsqStats is the part of nsqd's /stats JSON the monitor reads
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

var (
	deadLettersSeen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapehook_dlq_observed_total",
		Help: "Dead letters consumed from the NSQ DLQ topic",
	}, []string{"job_type"})

	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrapehook_nsq_channel_depth",
		Help: "Depth of NSQ channels on the DLQ topic",
	}, []string{"topic", "channel"})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrapehook_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels on the DLQ topic",
	}, []string{"topic", "channel"})
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runID := logging.NewRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := logging.New(serviceName).WithRunID(runID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(deadLettersSeen, channelDepth, channelInflight)

	conf := nsq.NewConfig()
	conf.MaxInFlight = 10
	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		if err := handleDeadLetter(ctx, logger, m.Body); err != nil {
			// terminal: don't requeue bad payloads
			logger.WithContext(ctx).WithError(err).Error("bad dead letter payload")
		}
		return nil
	}))
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}

	checks := map[string]health.Checker{"nsqd": func(context.Context) error {
		if consumer.Stats().Connections == 0 {
			return errors.New("no nsqd connections")
		}
		return nil
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.NSQ.MonitorPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dlq-monitor HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dlq-monitor HTTP server failed")
		}
	}()

	go pollStats(ctx, logger, &http.Client{Timeout: 5 * time.Second}, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.DLQTopic, cfg.NSQ.StatsInterval)

	logger.WithContext(ctx).WithFields(map[string]any{
		"topic":   cfg.NSQ.DLQTopic,
		"channel": cfg.NSQ.DLQChannel,
	}).Info("dlq-monitor started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down dlq-monitor")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("dlq-monitor stopped")
}

// handleDeadLetter logs one dead letter and counts it. The embedded task is
// already redacted by the worker.
func handleDeadLetter(ctx context.Context, logger *logging.Logger, body []byte) error {
	var dl task.DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if dl.Type != task.DLQType || dl.Task.TaskID == "" {
		return fmt.Errorf("%w: type %q", errBadPayload, dl.Type)
	}

	deadLettersSeen.WithLabelValues(dl.Task.JobType).Inc()
	logger.WithContext(ctx).WithTask(dl.Task.TaskID).WithJobType(dl.Task.JobType).WithFields(map[string]any{
		"reason":     dl.Reason,
		"retries":    dl.Retries,
		"last_error": dl.LastError,
		"at":         dl.At,
	}).Warn("task dead-lettered")
	return nil
}

func pollStats(ctx context.Context, logger *logging.Logger, client *http.Client, nsqdHTTP, topic string, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := updateMetrics(ctx, client, nsqdHTTP, topic); err != nil {
				logger.WithContext(ctx).WithError(err).Error("Error updating NSQ metrics")
			}
		}
	}
}

func updateMetrics(ctx context.Context, client *http.Client, nsqdHTTP, topic string) error {
	u := fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTP, url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsq stats returned %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, t := range stats.Topics {
		if t.TopicName != topic {
			continue
		}
		for _, ch := range t.Channels {
			channelDepth.WithLabelValues(t.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			channelInflight.WithLabelValues(t.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}
