// Package cache holds resolved study trees in Redis. Trees are immutable per
// resolution, so a cached copy is safe to share; a TTL bounds staleness when
// the archive receives new instances for a study.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"radview/api/internal/study"
)

// ErrMiss is returned when no cached tree exists for the study.
var ErrMiss = errors.New("cache: miss")

// StudyCache stores resolved trees keyed by study UID.
type StudyCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a Redis-backed study cache.
func New(redisURL string, ttl time.Duration) (*StudyCache, error) {
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

	return NewWithClient(client, ttl), nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *StudyCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StudyCache{
		client: client,
		prefix: "studytree:",
		ttl:    ttl,
	}
}

func (c *StudyCache) key(studyUID string) string {
	return c.prefix + studyUID
}

// Get returns the cached tree for a study, or ErrMiss.
func (c *StudyCache) Get(ctx context.Context, studyUID string) (*study.StudyTree, error) {
	jsonData, err := c.client.Get(ctx, c.key(studyUID)).Result()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cached tree: %w", err)
	}

	var tree study.StudyTree
	if err := json.Unmarshal([]byte(jsonData), &tree); err != nil {
		return nil, fmt.Errorf("unmarshal cached tree: %w", err)
	}
	return &tree, nil
}

// Put stores a resolved tree with the configured TTL.
func (c *StudyCache) Put(ctx context.Context, tree *study.StudyTree) error {
	jsonData, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tree.StudyUID), jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("put cached tree: %w", err)
	}
	return nil
}

// Invalidate drops the cached tree for a study.
func (c *StudyCache) Invalidate(ctx context.Context, studyUID string) error {
	if err := c.client.Del(ctx, c.key(studyUID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached tree: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *StudyCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *StudyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
