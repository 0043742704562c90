package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result contains the result of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long to wait before the next request is allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	return time.Until(r.ResetAt)
}

// FixedWindow counts requests per key in Redis with INCR and a window-long
// expiry on the first hit. Counters are shared by every API replica.
type FixedWindow struct {
	rdb    redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

func NewFixedWindow(rdb redis.Cmdable, prefix string, limit int, window time.Duration) *FixedWindow {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

// Allow consumes one slot for key.
func (f *FixedWindow) Allow(ctx context.Context, key string) (*Result, error) {
	k := f.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := f.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit %s: %w", key, err)
	}

	remaining := ttl.Val()
	if remaining <= 0 {
		if err := f.rdb.PExpire(ctx, k, f.window).Err(); err != nil {
			return nil, fmt.Errorf("ratelimit expire %s: %w", key, err)
		}
		remaining = f.window
	}

	count := int(incr.Val())
	res := &Result{
		Allowed:   count <= f.limit,
		Limit:     f.limit,
		Remaining: max(f.limit-count, 0),
		ResetAt:   time.Now().Add(remaining),
	}
	return res, nil
}

// KeyFunc extracts the client key from a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys by remote address without the port. Run chi's RealIP first
// to honour X-Forwarded-For.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the limit and answers 429 with Retry-After. Store
// errors fail open.
func Middleware(l *FixedWindow, keyFunc KeyFunc, onLimited func(r *http.Request)) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retryAfter := int(res.RetryAfter().Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				if onLimited != nil {
					onLimited(r)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"detail":"Too Many Requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
