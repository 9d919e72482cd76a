// Package statscache caches per-subject audit statistics in Redis. Subject
// dashboards poll these aggregates; a short TTL keeps them fresh enough
// while sparing the store repeated GROUP BY scans.
package statscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"careledger/internal/audit"
)

const keyPrefix = "careledger:audit:subject-stats:"

// DefaultTTL bounds staleness of cached aggregates.
const DefaultTTL = 5 * time.Minute

// Cache implements audit.StatsCache on Redis. Failures degrade to cache
// misses; the store remains the source of truth.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func (c *Cache) GetSubjectStats(ctx context.Context, subjectID string) (audit.SubjectStats, bool) {
	raw, err := c.client.Get(ctx, keyPrefix+subjectID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "stats cache read failed", "subject_id", subjectID, "error", err)
		}
		return audit.SubjectStats{}, false
	}

	var stats audit.SubjectStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		c.logger.WarnContext(ctx, "stats cache entry corrupt, discarding", "subject_id", subjectID, "error", err)
		return audit.SubjectStats{}, false
	}
	return stats, true
}

func (c *Cache) SetSubjectStats(ctx context.Context, stats audit.SubjectStats) {
	raw, err := json.Marshal(stats)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to marshal subject stats", "subject_id", stats.SubjectID, "error", err)
		return
	}
	if err := c.client.Set(ctx, keyPrefix+stats.SubjectID, raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "stats cache write failed", "subject_id", stats.SubjectID, "error", err)
	}
}
