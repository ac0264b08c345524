package services

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix   = "presence:user:"
	defaultPresenceTTL  = 60 * time.Second
	presenceKeyLifetime = 10 * time.Minute
)

// PresenceRegistry records which users have a live connection on some instance.
type PresenceRegistry interface {
	Touch(ctx context.Context, userID, connID string) error
	Drop(ctx context.Context, userID, connID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// RedisPresence keeps one sorted set per user. Members are connection ids scored by
// their expiry, so a crashed instance's connections age out without cleanup.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, now: time.Now}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

// Touch marks the connection alive for another ttl. Clients refresh it with ping.
func (p *RedisPresence) Touch(ctx context.Context, userID, connID string) error {
	key := presenceKey(userID)
	expiry := p.now().Add(p.ttl).UnixMilli()

	pipe := p.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry), Member: connID})
	pipe.Expire(ctx, key, presenceKeyLifetime)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) Drop(ctx context.Context, userID, connID string) error {
	return p.rdb.ZRem(ctx, presenceKey(userID), connID).Err()
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	key := presenceKey(userID)
	now := strconv.FormatInt(p.now().UnixMilli(), 10)

	pipe := p.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+now)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() > 0, nil
}
