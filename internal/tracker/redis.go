package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps delivered ids in a sorted set scored by a sequence
// counter, so ZRANGE returns them in delivery order.
type RedisStore struct {
	client *redis.Client
	key    string
	seqKey string
	now    func() time.Time
}

// NewRedisStore returns a store using key and key+":seq". The store owns
// client and closes it on Close.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "forumspy:delivered"
	}
	return &RedisStore{client: client, key: key, seqKey: key + ":seq", now: time.Now}
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

func (s *RedisStore) Load(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if isWrongType(err) {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.key, err)
	}
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.key, err)
		}
	}
	return ids, nil
}

func (s *RedisStore) Append(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	seq, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	if err := s.client.ZAddNX(ctx, s.key, redis.Z{Score: float64(seq), Member: id}).Err(); err != nil {
		return fmt.Errorf("add %s: %w", id, err)
	}
	if err := s.client.HSet(ctx, s.metaKey(), "last", s.now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("record delivery time: %w", err)
	}
	return nil
}

// Replace rewrites the set in one MULTI/EXEC transaction. A key of the wrong
// type is deleted along with it.
func (s *RedisStore) Replace(ctx context.Context, ids []string) error {
	members := make([]redis.Z, 0, len(ids))
	for i, id := range ids {
		if err := ValidateID(id); err != nil {
			return err
		}
		members = append(members, redis.Z{Score: float64(i + 1), Member: id})
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key, s.seqKey)
		if len(members) > 0 {
			pipe.ZAdd(ctx, s.key, members...)
			pipe.Set(ctx, s.seqKey, len(members), 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count %s: %w", s.key, err)
	}
	st := Stats{Count: int(n)}

	last, err := s.client.HGet(ctx, s.metaKey(), "last").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("read delivery time: %w", err)
	}
	if last != "" {
		if ts, err := time.Parse(time.RFC3339Nano, last); err == nil {
			st.Last = ts
		}
	}
	if size, err := s.client.MemoryUsage(ctx, s.key).Result(); err == nil {
		st.Size = size
	}
	return st, nil
}

func (s *RedisStore) metaKey() string { return s.key + ":meta" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}
