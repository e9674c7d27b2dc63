package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/livedata/internal/model"
)

// DefaultRedisKey is the set holding persistent subscription ids.
const DefaultRedisKey = "livedata:persistent"

// setClient is the part of a redis client the store uses.
type setClient interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisStore keeps persistent subscription ids in a Redis set.
type RedisStore struct {
	client setClient
	key    string
}

// NewRedisStore creates a store on the set named key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return newRedisStore(client, key)
}

func newRedisStore(client setClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]model.PersistentSubscription, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: smembers %s: %v", ErrStorage, s.key, err)
	}
	subs := make([]model.PersistentSubscription, len(members))
	for i, m := range members {
		subs[i] = model.PersistentSubscription{ID: m}
	}
	return fromIDs(sortedIDs(subs)), nil
}

// SaveAll replaces the set atomically with MULTI/EXEC.
func (s *RedisStore) SaveAll(ctx context.Context, subs []model.PersistentSubscription) error {
	ids := sortedIDs(subs)
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(members) > 0 {
			pipe.SAdd(ctx, s.key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrStorage, s.key, err)
	}
	return nil
}
