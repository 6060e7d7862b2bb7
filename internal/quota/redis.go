package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "mailrota:sent:"
	keyTTL    = 48 * time.Hour
)

// RedisCounter keeps daily counters in Redis so several engine instances
// share one view of sender quotas.
type RedisCounter struct {
	rc redis.UniversalClient
}

func NewRedisCounter(rc redis.UniversalClient) *RedisCounter {
	return &RedisCounter{rc: rc}
}

// Open parses url, pings the server and returns a counter.
func Open(ctx context.Context, url string) (*RedisCounter, error) {
	if url == "" {
		return nil, errors.New("quota: redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("quota: parse redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("quota: ping redis: %w", err)
	}
	return &RedisCounter{rc: rc}, nil
}

func (c *RedisCounter) Close() error { return c.rc.Close() }

func key(day, email string) string { return keyPrefix + day + ":" + email }

var incrWithTTL = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return current
`)

func (c *RedisCounter) Increment(ctx context.Context, day, email string) (int, error) {
	n, err := incrWithTTL.Run(ctx, c.rc, []string{key(day, email)}, keyTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("quota: increment %s: %w", email, err)
	}
	return n, nil
}

func (c *RedisCounter) Counts(ctx context.Context, day string, emails []string) (map[string]int, error) {
	counts := make(map[string]int, len(emails))
	if len(emails) == 0 {
		return counts, nil
	}
	keys := make([]string, len(emails))
	for i, e := range emails {
		keys[i] = key(day, e)
	}
	vals, err := c.rc.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quota: read counters: %w", err)
	}
	for i, v := range vals {
		counts[emails[i]] = toInt(v)
	}
	return counts, nil
}

func (c *RedisCounter) Reset(ctx context.Context, day, email string) error {
	if err := c.rc.Del(ctx, key(day, email)).Err(); err != nil {
		return fmt.Errorf("quota: reset %s: %w", email, err)
	}
	return nil
}

func toInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
