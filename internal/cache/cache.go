// Package cache keeps a live tail of each task's status and recent
// output in Redis so the HTTP API can answer tail requests without
// hitting PostgreSQL on every poll.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/courierd/courier/pkg/models"
)

// Config defines tail cache configuration.
type Config struct {
	RedisURL   string        // e.g. "redis://localhost:6379/0"
	TailBytes  int64         // max bytes of output kept per task
	DefaultTTL time.Duration // entry lifetime after last write
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RedisURL:   "redis://localhost:6379/0",
		TailBytes:  64 * 1024,
		DefaultTTL: 24 * time.Hour,
	}
}

// TailCache mirrors task status and a bounded output tail into Redis.
type TailCache struct {
	client *redis.Client
	cfg    Config
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*TailCache, error) {
	if cfg.RedisURL == "" {
		cfg.RedisURL = DefaultConfig().RedisURL
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = DefaultConfig().TailBytes
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Printf("[TailCache] Connected to redis at %s", opts.Addr)
	return &TailCache{client: client, cfg: cfg}, nil
}

// Close releases the Redis connection.
func (c *TailCache) Close() error {
	return c.client.Close()
}

func statusKey(taskID uuid.UUID) string {
	return fmt.Sprintf("courier:task:%s:status", taskID)
}

func tailKey(taskID uuid.UUID) string {
	return fmt.Sprintf("courier:task:%s:tail", taskID)
}

// SetStatus caches the latest status update for a task.
func (c *TailCache) SetStatus(ctx context.Context, update models.StatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(update.TaskID), data, c.cfg.DefaultTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache status: %w", err)
	}
	return nil
}

// AppendOutput appends a chunk to the task's tail and trims it to the
// configured bound, keeping the most recent bytes.
func (c *TailCache) AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error {
	if chunk == "" {
		return nil
	}

	key := tailKey(taskID)
	size, err := c.client.Append(ctx, key, chunk).Result()
	if err != nil {
		return fmt.Errorf("failed to append tail: %w", err)
	}

	if size > c.cfg.TailBytes {
		tail, err := c.client.GetRange(ctx, key, size-c.cfg.TailBytes, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to trim tail: %w", err)
		}
		if err := c.client.Set(ctx, key, tail, c.cfg.DefaultTTL).Err(); err != nil {
			return fmt.Errorf("failed to rewrite tail: %w", err)
		}
		return nil
	}

	if err := c.client.Expire(ctx, key, c.cfg.DefaultTTL).Err(); err != nil {
		return fmt.Errorf("failed to set tail ttl: %w", err)
	}
	return nil
}

// LastStatus returns the most recent cached status, or (nil, nil) on a
// cache miss.
func (c *TailCache) LastStatus(ctx context.Context, taskID uuid.UUID) (*models.StatusUpdate, error) {
	data, err := c.client.Get(ctx, statusKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached status: %w", err)
	}

	var update models.StatusUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached status: %w", err)
	}
	return &update, nil
}

// Tail returns the cached output tail for a task. Empty string on miss.
func (c *TailCache) Tail(ctx context.Context, taskID uuid.UUID) (string, error) {
	tail, err := c.client.Get(ctx, tailKey(taskID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read tail: %w", err)
	}
	return tail, nil
}
