package counters

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript trims the sorted set to the trailing window and records the
// request only when the window has room. Scores are unix milliseconds.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - span)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, span)
  return {1, count + 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = span
if oldest[2] then
  retry = tonumber(oldest[2]) + span - now
end
return {0, count, retry}
`)

// RedisStore keeps sliding windows in Redis sorted sets so several gateway
// instances share one set of counters.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on top of an existing client
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gatekeeper:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL parses a redis:// URL and verifies connectivity
func NewRedisStoreFromURL(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// Admit implements Store
func (s *RedisStore) Admit(ctx context.Context, key string, limit int, span time.Duration, now time.Time) (Decision, error) {
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	res, err := admitScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), span.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run admit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected admit script reply: %v", res)
	}

	d := Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Limit:   limit,
	}
	if d.Allowed {
		d.Token = member
	} else {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
	}
	return d, nil
}

// Undo implements Store
func (s *RedisStore) Undo(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := s.client.ZRem(ctx, s.prefix+key, token).Err(); err != nil {
		return fmt.Errorf("failed to undo admission: %w", err)
	}
	return nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
