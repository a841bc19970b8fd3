// Package redis keeps cluster-wide connection presence in Redis sorted sets,
// one set per user scored by last-seen time.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:"

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns a store whose per-user keys expire ttl after their last touch.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Store{client: client, ttl: ttl}
}

func key(userID string) string {
	return presenceKeyPrefix + userID
}

func (s *Store) Touch(ctx context.Context, userID, connectionID string, at time.Time) error {
	k := key(userID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: float64(at.UnixMilli()), Member: connectionID})
		p.PExpire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence touch %s: %w", userID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, userID, connectionID string) error {
	if err := s.client.ZRem(ctx, key(userID), connectionID).Err(); err != nil {
		return fmt.Errorf("presence remove %s: %w", userID, err)
	}
	return nil
}

// CountActive also trims members older than since, so sets left by crashed instances shrink.
func (s *Store) CountActive(ctx context.Context, userID string, since time.Time) (int, error) {
	k := key(userID)
	floor := strconv.FormatInt(since.UnixMilli(), 10)
	var count *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", "("+floor)
		count = p.ZCount(ctx, k, floor, "+inf")
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("presence count %s: %w", userID, err)
	}
	return int(count.Val()), nil
}
