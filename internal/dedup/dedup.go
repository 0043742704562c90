package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "dedup:"
	DefaultTTL    = 300 * time.Second
)

// Deduplicator rejects repeat submissions of the same (identity, callback)
// pair inside a TTL window. Check and mark are separate calls; two racing
// requests can both pass the check.
type Deduplicator struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// New returns a deduplicator. Empty prefix and non-positive ttl fall back to the defaults.
func New(rdb redis.Cmdable, prefix string, ttl time.Duration) *Deduplicator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Key derives the namespaced key for a pair.
func (d *Deduplicator) Key(identity, callbackURL string) string {
	sum := sha256.Sum256([]byte(identity + "-" + callbackURL))
	return d.prefix + hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether the pair was marked within the window.
func (d *Deduplicator) IsDuplicate(ctx context.Context, identity, callbackURL string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.Key(identity, callbackURL)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// MarkAsProcessed opens the window for the pair using the configured TTL.
func (d *Deduplicator) MarkAsProcessed(ctx context.Context, identity, callbackURL string) error {
	return d.MarkAsProcessedFor(ctx, identity, callbackURL, d.ttl)
}

// MarkAsProcessedFor is MarkAsProcessed with an explicit TTL.
func (d *Deduplicator) MarkAsProcessedFor(ctx context.Context, identity, callbackURL string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.ttl
	}
	if err := d.rdb.Set(ctx, d.Key(identity, callbackURL), "1", ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// TTL returns the default window.
func (d *Deduplicator) TTL() time.Duration { return d.ttl }
