// Package redis provides a rate store shared by every instance of the service.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/okian/jamur/internal/domain/ratelimit"
)

const pingTimeout = 5 * time.Second

// ErrConfig reports an unusable connection setting.
var ErrConfig = errors.New("redis store config")

// recordScript prunes, counts and conditionally appends in one round trip.
// KEYS[1] sorted set of admit timestamps (score = member time in ms).
// ARGV: now ms, window ms, limit, unique member.
// Returns {admitted, count, oldest ms}.
var recordScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local oldest = now
  if first[2] then oldest = tonumber(first[2]) end
  return {0, count, oldest}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, tonumber(first[2])}
`)

// Config holds the connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "jamur:ratelimit".
	Prefix string
}

// Store implements ratelimit.Store on a Redis sorted set per identifier.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ ratelimit.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("%w: address is required", ErrConfig)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "jamur:ratelimit"
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Record implements ratelimit.Store.
func (s *Store) Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (ratelimit.Window, error) {
	nowMs := now.UnixMilli()
	res, err := recordScript.Run(ctx, s.client,
		[]string{s.key(key)},
		nowMs, window.Milliseconds(), limit, fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("record %q: %w", key, err)
	}
	if len(res) != 3 {
		return ratelimit.Window{}, fmt.Errorf("record %q: unexpected reply length %d", key, len(res))
	}

	return ratelimit.Window{
		Admitted: res[0] == 1,
		Count:    int(res[1]),
		Oldest:   time.UnixMilli(res[2]),
	}, nil
}

func (s *Store) key(identifier string) string {
	return s.prefix + ":" + identifier
}
