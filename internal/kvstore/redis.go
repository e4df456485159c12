package kvstore

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps documents as plain redis strings under a namespace.
type RedisStore struct {
	client *redis.Client
	ns     string
}

// NewRedisStore creates a redis-backed store. ns defaults to "classlink:".
func NewRedisStore(client *redis.Client, ns string) *RedisStore {
	if ns == "" {
		ns = "classlink:"
	}
	return &RedisStore{client: client, ns: ns}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := r.client.Get(ctx, r.ns+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return doc, err
}

func (r *RedisStore) Set(ctx context.Context, key string, doc []byte) error {
	return r.client.Set(ctx, r.ns+key, doc, 0).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.ns+key).Err()
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.ns+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.ns):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
