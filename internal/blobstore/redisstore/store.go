// Package redisstore is a Redis-backed blobstore backend. Objects live as
// string values under "<bucket>:<key>"; listing scans by prefix and sizes
// come from STRLEN, so the worker's payload gate works unchanged.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/rlops/reward-assignment/internal/blobstore"
)

// Store implements blobstore.Store on a Redis instance.
type Store struct {
	client *redis.Client
	bucket string
}

// New connects a store to addr/db, namespacing all keys under bucket.
func New(addr string, db int, bucket string) *Store {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Store{client: client, bucket: bucket}
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) redisKey(key string) string {
	if s.bucket == "" {
		return key
	}
	return s.bucket + ":" + key
}

func (s *Store) logicalKey(redisKey string) string {
	if s.bucket == "" {
		return redisKey
	}
	return strings.TrimPrefix(redisKey, s.bucket+":")
}

func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	match := s.redisKey(prefix) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	sizes := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		sizes[i] = pipe.StrLen(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("strlen pipeline: %w", err)
	}

	result := make([]blobstore.ObjectInfo, 0, len(keys))
	for i, key := range keys {
		result = append(result, blobstore.ObjectInfo{
			Key:  s.logicalKey(key),
			Size: sizes[i].Val(),
		})
	}
	return result, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.redisKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = s.redisKey(key)
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("delete %d keys: %w", len(keys), err)
	}
	return nil
}

var _ blobstore.Store = (*Store)(nil)
