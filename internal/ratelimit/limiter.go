// Package ratelimit throttles mutation requests per user before they reach
// the collaboration service.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a Redis-backed fixed-window counter. It fails open: when Redis
// is unreachable the request is allowed, since throttling protects capacity
// rather than correctness.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func New(redisURL string, limit int, window time.Duration) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, limit, window), nil
}

// NewWithClient creates a limiter from an existing Redis client.
func NewWithClient(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{
		client: client,
		prefix: "ratelimit:",
		limit:  limit,
		window: window,
	}
}

func (l *Limiter) key(userID string) string {
	return l.prefix + userID
}

// Allow reports whether userID may perform another mutation in the current
// window.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	key := l.key(userID)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: incr %s: %v", key, err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			log.Printf("ratelimit: expire %s: %v", key, err)
		}
	}
	return count <= int64(l.limit)
}

func (l *Limiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Limiter) Close() error {
	return l.client.Close()
}
