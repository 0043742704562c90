package dispatch

import (
	"context"
	"time"

	"github.com/austindbirch/scrapehook/internal/logging"
	"github.com/austindbirch/scrapehook/internal/metrics"
)

// Sizer reports list lengths; queue.Queue satisfies it.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
	DLQSize(ctx context.Context) (int64, error)
}

// MonitorBacklog samples both list lengths into the queue depth gauge
// every interval until ctx is canceled.
func MonitorBacklog(ctx context.Context, q Sizer, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sampleBacklog(ctx, q, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleBacklog(ctx, q, logger)
		}
	}
}

func sampleBacklog(ctx context.Context, q Sizer, logger *logging.Logger) {
	if n, err := q.Size(ctx); err != nil {
		metrics.RecordStoreError("llen")
		logger.WithContext(ctx).WithError(err).Warn("failed to sample queue depth")
	} else {
		metrics.UpdateQueueDepth("main", n)
	}
	if n, err := q.DLQSize(ctx); err != nil {
		metrics.RecordStoreError("llen")
		logger.WithContext(ctx).WithError(err).Warn("failed to sample dlq depth")
	} else {
		metrics.UpdateQueueDepth("dlq", n)
	}
}
