package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"opdflow/internal/models"

	"github.com/redis/go-redis/v9"
)

const queueKeyPrefix = "opdflow:queue:"

// QueueCache keeps short-lived queue snapshots in Redis so display boards
// polling every few seconds do not hit Postgres each time.
type QueueCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewQueueCache(redisURL string, ttl time.Duration) (*QueueCache, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &QueueCache{client: redis.NewClient(options), ttl: ttl}, nil
}

func NewQueueCacheWithClient(client *redis.Client, ttl time.Duration) *QueueCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &QueueCache{client: client, ttl: ttl}
}

func (c *QueueCache) GetQueue(ctx context.Context, department string) ([]models.QueueEntry, bool, error) {
	raw, err := c.client.Get(ctx, queueKeyPrefix+department).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var entries []models.QueueEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, err
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return entries, true, nil
}

func (c *QueueCache) SetQueue(ctx context.Context, department string, entries []models.QueueEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, queueKeyPrefix+department, raw, c.ttl).Err()
}

func (c *QueueCache) InvalidateQueue(ctx context.Context, department string) error {
	return c.client.Del(ctx, queueKeyPrefix+department).Err()
}

func (c *QueueCache) Close() error {
	return c.client.Close()
}
