// internal/service/stock/infrastructure/redis_cache.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stocknexus/internal/service/stock/domain"
)

// RedisAvailabilityCache 是 port.AvailabilityCache 的 Redis 实现。
// 只服务读路径（checkAvailability / 规划），短 TTL + 写后失效，
// 账本的真实来源永远是 MySQL。
type RedisAvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAvailabilityCache(client *redis.Client, ttl time.Duration) *RedisAvailabilityCache {
	return &RedisAvailabilityCache{client: client, ttl: ttl}
}

func availabilityKey(productVariant string) string {
	// hash tag 保证同一规格的 key 落在同一个 cluster slot
	return fmt.Sprintf("stock:availability:{%s}", productVariant)
}

func (c *RedisAvailabilityCache) GetRecords(ctx context.Context, productVariant string) ([]*domain.StockRecord, error) {
	data, err := c.client.Get(ctx, availabilityKey(productVariant)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []*domain.StockRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// 缓存损坏当未命中处理，顺手清掉
		_ = c.client.Del(ctx, availabilityKey(productVariant)).Err()
		return nil, nil
	}
	return records, nil
}

func (c *RedisAvailabilityCache) SetRecords(ctx context.Context, productVariant string, records []*domain.StockRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(productVariant), data, c.ttl).Err()
}

func (c *RedisAvailabilityCache) Invalidate(ctx context.Context, productVariant string) error {
	return c.client.Del(ctx, availabilityKey(productVariant)).Err()
}
