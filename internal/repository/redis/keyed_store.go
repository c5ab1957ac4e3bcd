package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"master-session-service/internal/client"
	"master-session-service/internal/repository"
	"master-session-service/internal/util"
)

const opTimeout = 5 * time.Second

// KeyedStore implements repository.KeyedStore on top of the shared Redis
// client. Paths are used verbatim as keys.
type KeyedStore struct {
	client *client.RedisClient
}

func NewKeyedStore(client *client.RedisClient) *KeyedStore {
	return &KeyedStore{client: client}
}

func (s *KeyedStore) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Client.Get(ctx, path).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to read keyed record",
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read record at %s: %w", path, err)
	}
	return val, nil
}

func (s *KeyedStore) Set(ctx context.Context, path string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Client.Set(ctx, path, value, ttl).Err(); err != nil {
		util.Error("Failed to write keyed record",
			zap.String("path", path),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to write record at %s: %w", path, err)
	}
	util.Debug("Keyed record written",
		zap.String("path", path),
		zap.Int("size", len(value)),
		zap.Duration("ttl", ttl))
	return nil
}

func (s *KeyedStore) Delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Client.Del(ctx, path).Err(); err != nil {
		util.Error("Failed to delete keyed record",
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("failed to delete record at %s: %w", path, err)
	}
	return nil
}
