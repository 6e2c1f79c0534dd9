package uploads

import (
	"context"
	"errors"
	"fmt"

	"github.com/fiscalmind/fiscalmind-gateway/internal/fiscal"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "fiscalmind:uploads"

// RedisStore keeps the upload list as one JSON value under a single key.
// Updates use WATCH/MULTI so concurrent writers never drop each other's
// entries.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) List(ctx context.Context) ([]fiscal.FileInfo, error) {
	return s.get(ctx, s.client)
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter) ([]fiscal.FileInfo, error) {
	data, err := c.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get upload list: %w", err)
	}
	return decodeList(data)
}

func (s *RedisStore) Update(ctx context.Context, fn UpdateFunc) error {
	return retry(ctx, func() (bool, error) {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			files, err := s.get(ctx, tx)
			if err != nil {
				return err
			}
			updated, err := fn(files)
			if err != nil {
				return err
			}
			data, err := encodeList(updated)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key, data, 0)
				return nil
			})
			return err
		}, s.key)

		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, redis.TxFailedErr):
			return false, nil
		default:
			return false, fmt.Errorf("failed to save upload list: %w", err)
		}
	})
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear upload list: %w", err)
	}
	return nil
}
