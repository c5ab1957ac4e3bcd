package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"master-session-service/internal/repository"
	"master-session-service/internal/util"
)

// KeyedStore implements repository.KeyedStore over a single keyed_records
// table. It satisfies the same contract as the Redis store, so either
// backend can hold session and login-attempt records.
//
// Schema:
//
//	CREATE TABLE keyed_records (
//	    path text PRIMARY KEY,
//	    value blob,
//	    updated_at timestamp
//	);
type KeyedStore struct {
	client *ScyllaClient
}

func NewKeyedStore(client *ScyllaClient) *KeyedStore {
	return &KeyedStore{client: client}
}

func (s *KeyedStore) Get(ctx context.Context, path string) ([]byte, error) {
	var value []byte
	err := s.client.Session.Query(s.client.Prepared.GetRecord, path).
		WithContext(ctx).
		Scan(&value)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to read keyed record",
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read record at %s: %w", path, err)
	}
	return value, nil
}

func (s *KeyedStore) Set(ctx context.Context, path string, value []byte, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		err = s.client.Session.Query(s.client.Prepared.SetRecordTTL,
			path, value, time.Now().UTC(), int(ttl.Seconds())).
			WithContext(ctx).
			Exec()
	} else {
		err = s.client.Session.Query(s.client.Prepared.SetRecord,
			path, value, time.Now().UTC()).
			WithContext(ctx).
			Exec()
	}
	if err != nil {
		util.Error("Failed to write keyed record",
			zap.String("path", path),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to write record at %s: %w", path, err)
	}
	return nil
}

func (s *KeyedStore) Delete(ctx context.Context, path string) error {
	err := s.client.Session.Query(s.client.Prepared.DeleteRecord, path).
		WithContext(ctx).
		Exec()
	if err != nil {
		util.Error("Failed to delete keyed record",
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("failed to delete record at %s: %w", path, err)
	}
	return nil
}
