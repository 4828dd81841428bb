package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps each record under perf:{intervention}:{branch} and the
// branch ids of an intervention in the set perf-idx:{intervention}, outside
// the record namespace so no branch id can collide with it.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis.
//
// Args:
//   - addr: Redis address (e.g., "localhost:6379")
//   - password: Redis password (empty string if none)
//   - db: Redis database number
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func indexKey(interventionID string) string {
	return fmt.Sprintf("perf-idx:%s", interventionID)
}

func (r *RedisStore) Upsert(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// SET (not SETNX): re-analysis replaces the previous snapshot
	iv, branch := rec.Result.InterventionID, rec.Result.BranchID
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key(iv, branch), data, 0)
		pipe.SAdd(ctx, indexKey(iv), branch)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, interventionID, branchID string) (*Record, error) {
	data, err := r.client.Get(ctx, key(interventionID, branchID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	return decode(data)
}

func (r *RedisStore) List(ctx context.Context, interventionID string) ([]*Record, error) {
	branches, err := r.client.SMembers(ctx, indexKey(interventionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}
	if len(branches) == 0 {
		return nil, nil
	}

	keys := make([]string, len(branches))
	for i, b := range branches {
		keys[i] = key(interventionID, b)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET failed: %w", err)
	}

	out := make([]*Record, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // index entry without a record
		}
		rec, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortByBranch(out)
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
