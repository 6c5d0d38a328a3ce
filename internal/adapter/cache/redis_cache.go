package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
	"github.com/redis/go-redis/v9"
)

var _ port.Cache = (*RedisCache)(nil)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr string, password string, db int, ttl time.Duration) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCacheFromClient(rdb, ttl)
}

func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

func key(accountID string) string    { return "ledger:stats:" + accountID }
func genKey(accountID string) string { return "ledger:stats:gen:" + accountID }

func (c *RedisCache) Generation(ctx context.Context, accountID string) (uint64, error) {
	return c.generation(ctx, c.client, accountID)
}

// getter is satisfied by both *redis.Client and the *redis.Tx of a WATCH.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *RedisCache) generation(ctx context.Context, cmd getter, accountID string) (uint64, error) {
	gen, err := cmd.Get(ctx, genKey(accountID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// SetStatistics writes s only while the generation key still holds gen. The
// check and the write run under WATCH, so a concurrent Invalidate aborts the
// write.
func (c *RedisCache) SetStatistics(ctx context.Context, accountID string, gen uint64, s *domain.Statistics) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := c.generation(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key(accountID), b, c.ttl)
			return nil
		})
		return err
	}, genKey(accountID))
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (c *RedisCache) GetStatistics(ctx context.Context, accountID string) (*domain.Statistics, error) {
	b, err := c.client.Get(ctx, key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s domain.Statistics
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Invalidate bumps the generation and drops the entry in one MULTI.
func (c *RedisCache) Invalidate(ctx context.Context, accountID string) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(accountID))
		p.Del(ctx, key(accountID))
		return nil
	})
	return err
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
