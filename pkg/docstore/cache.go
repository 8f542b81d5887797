package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultCacheMaxObjectBytes = 2 << 20

// CacheConfig tunes the Redis read-through cache.
type CacheConfig struct {
	Prefix         string
	TTL            time.Duration
	MaxObjectBytes int
}

// CachedStore decorates a Store with a Redis read-through cache. Cache failures never fail a read.
type CachedStore struct {
	next   Store
	redis  *redis.Client
	cfg    CacheConfig
	logger zerolog.Logger
}

// NewCachedStore wraps next with a Redis cache. A nil client returns next unchanged.
func NewCachedStore(next Store, client *redis.Client, cfg CacheConfig, logger zerolog.Logger) Store {
	if client == nil {
		return next
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "assess:docs:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = defaultCacheMaxObjectBytes
	}

	return &CachedStore{
		next:   next,
		redis:  client,
		cfg:    cfg,
		logger: logger.With().Str("component", "document_cache").Logger(),
	}
}

func (s *CachedStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref, err := s.next.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.remember(ctx, ref, data)
	return ref, nil
}

func (s *CachedStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	cached, err := s.redis.Get(ctx, s.key(ref)).Bytes()
	switch {
	case err == nil:
		return cached, nil
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn().Err(err).Str("ref", ref.String()).Msg("document cache read failed")
	}

	data, err := s.next.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	s.remember(ctx, ref, data)
	return data, nil
}

func (s *CachedStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}

	count, err := s.redis.Exists(ctx, s.key(ref)).Result()
	if err == nil && count > 0 {
		return true, nil
	}

	return s.next.Exists(ctx, ref)
}

func (s *CachedStore) remember(ctx context.Context, ref Ref, data []byte) {
	if len(data) > s.cfg.MaxObjectBytes {
		return
	}
	if err := s.redis.Set(ctx, s.key(ref), data, s.cfg.TTL).Err(); err != nil {
		s.logger.Warn().Err(err).Str("ref", ref.String()).Msg("document cache write failed")
	}
}

func (s *CachedStore) key(ref Ref) string {
	return s.cfg.Prefix + string(ref)
}
