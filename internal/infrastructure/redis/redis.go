package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache serves the short-lived registration count cache and the fixed-window
// rate limiter.
type Cache struct {
	Client   *redis.Client
	countTTL time.Duration
}

func New(addr, pass string, db int, countTTL time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return NewWithClient(rdb, countTTL)
}

func NewWithClient(rdb *redis.Client, countTTL time.Duration) *Cache {
	if countTTL <= 0 {
		countTTL = 5 * time.Second
	}
	return &Cache{Client: rdb, countTTL: countTTL}
}

func countKey(eventID uuid.UUID) string {
	return "registration:count:" + eventID.String()
}

func (c *Cache) GetCount(ctx context.Context, eventID uuid.UUID) (int, error) {
	val, err := c.Client.Get(ctx, countKey(eventID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrCacheMiss
		}
		return 0, err
	}
	return strconv.Atoi(val)
}

func (c *Cache) SetCount(ctx context.Context, eventID uuid.UUID, count int) error {
	return c.Client.Set(ctx, countKey(eventID), count, c.countTTL).Err()
}

// AllowRequest is a fixed-window counter per key. Redis failures fail open.
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := "ratelimit:" + key
	count, err := c.Client.Incr(ctx, k).Result()
	if err != nil {
		return true, nil
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, k, window).Err()
	}
	return count <= int64(limit), nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.Client.Close()
}
