package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"branchledger/backend/internal/domain"
)

const maxSetAttempts = 3

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(client *redis.Client) *RedisStockCache {
	return &RedisStockCache{client: client}
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Get(ctx context.Context, productID string, branchID string) (*domain.Stock, bool, error) {
	val, err := c.client.Get(ctx, StockKey(productID, branchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var row domain.Stock
	if err := json.Unmarshal(val, &row); err != nil {
		return nil, false, err
	}
	return &row, true, nil
}

// Set writes row unless the key already holds a newer version. The check and
// the write run in one WATCH transaction; a concurrent writer makes it retry.
func (c *RedisStockCache) Set(ctx context.Context, row domain.Stock, ttl time.Duration) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	key := StockKey(row.ProductID, row.BranchID)

	write := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cached domain.Stock
			if json.Unmarshal(current, &cached) == nil && !Supersedes(cached, row) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSetAttempts; attempt++ {
		err = c.client.Watch(ctx, write, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (c *RedisStockCache) Invalidate(ctx context.Context, productID string, branchID string) error {
	return c.client.Del(ctx, StockKey(productID, branchID)).Err()
}
