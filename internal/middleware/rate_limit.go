package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/assess-pipeline/internal/utils"
)

// RateLimit limits each caller to max requests per window. Callers are keyed by subject, falling
// back to the client IP. A nil store keeps counters in process memory.
func RateLimit(identifier string, max int, window time.Duration, store fiber.Storage) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		Storage:    store,
		KeyGenerator: func(c *fiber.Ctx) string {
			caller := UserID(c)
			if caller == "" {
				caller = "ip:" + c.IP()
			}
			return identifier + ":" + caller
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendErrorCode(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
		},
	})
}

// RedisLimiterStorage shares limiter counters between API replicas.
type RedisLimiterStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiterStorage wraps client. Keys are namespaced under prefix.
func NewRedisLimiterStorage(client *redis.Client, prefix string) *RedisLimiterStorage {
	return &RedisLimiterStorage{client: client, prefix: prefix + ":ratelimit:"}
}

func (s *RedisLimiterStorage) Get(key string) ([]byte, error) {
	value, err := s.client.Get(context.Background(), s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return value, err
}

func (s *RedisLimiterStorage) Set(key string, val []byte, exp time.Duration) error {
	return s.client.Set(context.Background(), s.prefix+key, val, exp).Err()
}

func (s *RedisLimiterStorage) Delete(key string) error {
	return s.client.Del(context.Background(), s.prefix+key).Err()
}

// Reset drops every counter under the prefix.
func (s *RedisLimiterStorage) Reset() error {
	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisLimiterStorage) Close() error {
	return nil
}
