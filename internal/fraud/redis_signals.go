package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSignalStore keeps windows as sorted sets scored by observation time
// in milliseconds, so every API replica sees the same velocity counts.
type RedisSignalStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSignalStore wraps an existing client.
func NewRedisSignalStore(client redis.Cmdable) *RedisSignalStore {
	return &RedisSignalStore{client: client, prefix: "escrowd:fraud"}
}

// NewRedisClient connects to url (redis://...) and pings it.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisSignalStore) key(userID, kind string) string {
	return s.prefix + ":" + userID + ":" + kind
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *RedisSignalStore) Add(ctx context.Context, userID, kind string, o Observation) error {
	member, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}
	key := s.key(userID, kind)

	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(o.At.UnixMilli()), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	cutoff := "(" + score(o.At.Add(-SignalRetention))
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return fmt.Errorf("prune %s: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, SignalRetention).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisSignalStore) Count(ctx context.Context, userID, kind string, since time.Time) (int64, error) {
	key := s.key(userID, kind)
	n, err := s.client.ZCount(ctx, key, score(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("zcount %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisSignalStore) Since(ctx context.Context, userID, kind string, since time.Time) ([]Observation, error) {
	key := s.key(userID, kind)
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score(since), Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	out := make([]Observation, 0, len(members))
	for _, m := range members {
		var o Observation
		if err := json.Unmarshal([]byte(m), &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
