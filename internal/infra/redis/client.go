// Package redis holds the dead-letter queue. Batches that exhaust their
// commit retries are preserved here as JSON for manual inspection and
// replay through the CLI.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// Client wraps Redis operations for the dead-letter queue.
type Client struct {
	rdb *redis.Client
}

// NewClient connects and verifies the connection with a ping.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func deadLetterKey(streamID string) string {
	return fmt.Sprintf("dead_letters:%s", streamID)
}

// Push appends a dead letter to its stream's list, oldest first.
func (c *Client) Push(ctx context.Context, dl *domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", dl.BatchID, err)
	}
	if err := c.rdb.RPush(ctx, deadLetterKey(dl.StreamID), data).Err(); err != nil {
		return fmt.Errorf("rpush dead letter %s: %w", dl.BatchID, err)
	}
	return nil
}

// List retrieves up to limit dead letters for a stream, oldest first.
// A non-positive limit returns the whole list.
func (c *Client) List(ctx context.Context, streamID string, limit int64) ([]*domain.DeadLetter, error) {
	end := limit - 1
	if limit <= 0 {
		end = -1
	}
	raw, err := c.rdb.LRange(ctx, deadLetterKey(streamID), 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dead letters: %w", err)
	}

	letters := make([]*domain.DeadLetter, 0, len(raw))
	for _, entry := range raw {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		letters = append(letters, &dl)
	}
	return letters, nil
}

// Size returns the number of dead letters queued for a stream.
func (c *Client) Size(ctx context.Context, streamID string) (int64, error) {
	n, err := c.rdb.LLen(ctx, deadLetterKey(streamID)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen dead letters: %w", err)
	}
	return n, nil
}

// Health pings the connection.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
