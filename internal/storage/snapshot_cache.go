package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

const snapshotKeyPrefix = "dashboard:snapshot:"

// SnapshotCache keeps the latest dashboard snapshot per site in Redis so
// readers can be served before the first refresh completes.
type SnapshotCache struct {
	logger *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a new snapshot cache. A ttl of zero keeps
// snapshots until they are replaced.
func NewSnapshotCache(logger *zap.Logger, client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		logger: logger.Named("snapshot-cache"),
		client: client,
		ttl:    ttl,
	}
}

func snapshotKey(siteID string) string {
	return snapshotKeyPrefix + siteID
}

// Put stores snap as the latest snapshot of siteID
func (c *SnapshotCache) Put(ctx context.Context, siteID string, snap *model.DashboardMetricsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.client.Set(ctx, snapshotKey(siteID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}

	c.logger.Debug("Cached snapshot",
		zap.String("site", siteID),
		zap.Time("last_calculated", snap.LastCalculated))
	return nil
}

// Get returns the cached snapshot of siteID or ErrNotFound
func (c *SnapshotCache) Get(ctx context.Context, siteID string) (*model.DashboardMetricsSnapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(siteID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("snapshot for site %s: %w", siteID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read cached snapshot: %w", err)
	}

	var snap model.DashboardMetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete drops the cached snapshot of siteID
func (c *SnapshotCache) Delete(ctx context.Context, siteID string) error {
	if err := c.client.Del(ctx, snapshotKey(siteID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached snapshot: %w", err)
	}
	return nil
}
