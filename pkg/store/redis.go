package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"github.com/redis/go-redis/v9"
)

const (
	callKeyPrefix    = "voicebot:call:"
	recentCallsKey   = "voicebot:calls:recent"
	// recentCallsLimit bounds the recent-calls index.
	recentCallsLimit = 1000
)

// RedisRecorder stores call records as JSON with a TTL and indexes them by end time.
type RedisRecorder struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisClient connects to addr, which may be a redis:// URL or a host:port.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewRedisRecorder(rdb redis.Cmdable, ttl time.Duration) *RedisRecorder {
	return &RedisRecorder{rdb: rdb, ttl: ttl}
}

func callKey(callID string) string {
	return callKeyPrefix + callID
}

func (r *RedisRecorder) RecordCall(ctx context.Context, rec orchestrator.CallRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(rec.CallID), b, r.ttl)
		pipe.ZAdd(ctx, recentCallsKey, redis.Z{Score: float64(rec.EndedAt.Unix()), Member: rec.CallID})
		pipe.ZRemRangeByRank(ctx, recentCallsKey, 0, -recentCallsLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store call %s: %w", rec.CallID, err)
	}
	return nil
}

// Get loads a stored call record. The bool is false when the record is missing or expired.
func (r *RedisRecorder) Get(ctx context.Context, callID string) (orchestrator.CallRecord, bool, error) {
	var rec orchestrator.CallRecord
	s, err := r.rdb.Get(ctx, callKey(callID)).Result()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		// data corrupt: treat as miss by deleting
		_ = r.rdb.Del(ctx, callKey(callID)).Err()
		return rec, false, nil
	}
	return rec, true, nil
}

// Recent returns up to n call ids, newest first.
func (r *RedisRecorder) Recent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return r.rdb.ZRevRange(ctx, recentCallsKey, 0, int64(n-1)).Result()
}
