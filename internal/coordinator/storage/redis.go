package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

// RedisBackend stores each record as a string key and keeps one set of ids per kind
// so that Scan does not rely on KEYS.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "lectern"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (s *RedisBackend) recordKey(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

func (s *RedisBackend) indexKey(kind string) string {
	return s.prefix + ":" + kind
}

func (s *RedisBackend) Save(ctx context.Context, kind, id string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(kind, id), value, 0)
		pipe.SAdd(ctx, s.indexKey(kind), id)
		return nil
	})
	return err
}

func (s *RedisBackend) Load(ctx context.Context, kind, id string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.recordKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *RedisBackend) Delete(ctx context.Context, kind, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(kind, id))
		pipe.SRem(ctx, s.indexKey(kind), id)
		return nil
	})
	return err
}

func (s *RedisBackend) Scan(ctx context.Context, kind string, fn func(id string, value []byte) error) error {
	ids, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(kind, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}

	for i, raw := range values {
		// Deleted between SMEMBERS and MGET.
		if raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("unexpected value type %T for %s", raw, keys[i])
		}
		if err := fn(ids[i], []byte(str)); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisBackend) Close() error {
	return s.client.Close()
}
