package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UpdateDeduplicator remembers which (bot, update) deliveries have already
// been accepted. The provider delivers at-least-once; without this a
// redelivery would append duplicate interactions.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst returns true exactly once per (botID, updateID) within the TTL.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, botID, updateID int64) (bool, error) {
	key := fmt.Sprintf("botfleet:update:%d:%d", botID, updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
