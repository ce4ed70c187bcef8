package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a new cache instance. ttl applies to cached histories.
func NewCache(host string, port int, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

func historyKey(userID string) string {
	return fmt.Sprintf("history:%s", userID)
}

// SetHistory caches a user's job history
func (c *Cache) SetHistory(ctx context.Context, userID string, jobs []*models.Job) error {
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	return c.client.Set(ctx, historyKey(userID), data, c.ttl).Err()
}

// GetHistory retrieves a cached history. A miss returns nil, nil.
func (c *Cache) GetHistory(ctx context.Context, userID string) ([]*models.Job, error) {
	data, err := c.client.Get(ctx, historyKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheAccess("history", false)
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get history from cache: %w", err)
	}

	jobs := []*models.Job{}
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	metrics.RecordCacheAccess("history", true)
	return jobs, nil
}

// InvalidateHistory removes a user's cached history
func (c *Cache) InvalidateHistory(ctx context.Context, userID string) error {
	return c.client.Del(ctx, historyKey(userID)).Err()
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
