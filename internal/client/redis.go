package client

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/config"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "blacklist:"

func NewRedisClient(cfg *config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// TokenBlacklist answers whether a JWT id has been revoked by logout.
type TokenBlacklist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

type redisBlacklist struct {
	rdb redis.Cmdable
}

func NewTokenBlacklist(rdb redis.Cmdable) TokenBlacklist {
	return &redisBlacklist{rdb: rdb}
}

func (b *redisBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.rdb.Exists(ctx, blacklistKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (b *redisBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, blacklistKeyPrefix+jti, "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
