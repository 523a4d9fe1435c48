package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client caches warehouse unit costs. Pricing reads feed order cost
// calculation and are not consistency-critical, so a stale entry is
// acceptable within the TTL.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClient creates a Redis-backed cost cache.
func NewClient(addr, password string, db int, ttl time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb, ttl: ttl}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func costKey(itemID string) string {
	return fmt.Sprintf("item-cost:%s", itemID)
}

// GetItemCost returns the cached unit cost of an item and whether the
// cache held it.
func (c *Client) GetItemCost(ctx context.Context, itemID string) (float64, bool, error) {
	val, err := c.rdb.Get(ctx, costKey(itemID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	cost, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached cost for item %s: %w", itemID, err)
	}
	return cost, true, nil
}

// SetItemCost caches the unit cost of an item for the configured TTL.
func (c *Client) SetItemCost(ctx context.Context, itemID string, cost float64) error {
	return c.rdb.Set(ctx, costKey(itemID), strconv.FormatFloat(cost, 'f', -1, 64), c.ttl).Err()
}
