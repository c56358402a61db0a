package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// Client wraps Redis operations using rueidis.
type Client struct {
	redis rueidis.Client
}

// NewClient creates a new Redis client.
func NewClient(ctx context.Context, url string) (*Client, error) {
	// Parse Redis URL (redis://localhost:6379)
	opts, err := rueidis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewClientWithOptions(ctx, opts)
}

// NewClientWithOptions creates a client from explicit rueidis options.
func NewClientWithOptions(ctx context.Context, opts rueidis.ClientOption) (*Client, error) {
	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}

	// Verify connection
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{redis: client}, nil
}

// Close closes the Redis client.
func (c *Client) Close() {
	c.redis.Close()
}

// Ping checks if Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Do(ctx, c.redis.B().Ping().Build()).Error()
}

// --- Client Locks ---

// AcquireLock sets key to token if it is unset. It returns false while
// another holder owns the key.
func (c *Client) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	cmd := c.redis.B().Set().Key(lockKey(key)).Value(token).Nx().Px(ttl).Build()
	err := c.redis.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock deletes key only if it still holds token. An expired lock that
// was taken over by someone else is left alone.
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	script := `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`
	err := c.redis.Do(ctx,
		c.redis.B().Eval().Script(script).Numkeys(1).Key(lockKey(key)).Arg(token).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func lockKey(key string) string {
	return "lock:" + key
}

// --- Rate Limiting ---

// CheckRateLimit checks if a tenant has exceeded their rate limit within a
// sliding window. Returns true if request is allowed, false if rate limited.
func (c *Client) CheckRateLimit(ctx context.Context, tenantID string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("rate_limit:%s", tenantID)
	now := time.Now().UnixMilli()
	windowStart := now - window.Milliseconds()

	// Use a Lua script for atomic rate limiting
	script := `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local ttl = tonumber(ARGV[4])

		-- Remove old entries
		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		-- Count current requests
		local count = redis.call('ZCARD', key)

		if count < limit then
			-- Add current request
			redis.call('ZADD', key, now, now .. ':' .. math.random())
			redis.call('PEXPIRE', key, ttl)
			return 1
		else
			return 0
		end
	`

	result, err := c.redis.Do(ctx,
		c.redis.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
			strconv.FormatInt(now, 10),
			strconv.FormatInt(windowStart, 10),
			strconv.Itoa(limit),
			strconv.FormatInt(window.Milliseconds(), 10),
		).Build(),
	).ToInt64()

	if err != nil {
		return false, fmt.Errorf("check rate limit: %w", err)
	}

	return result == 1, nil
}

// --- Idempotency ---

// SetIdempotentResult stores the response for an idempotency key. It returns
// false if a result was already stored.
func (c *Client) SetIdempotentResult(ctx context.Context, tenantID, key string, result []byte, ttl time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("idempotency:%s:%s", tenantID, key)

	cmd := c.redis.B().Set().Key(redisKey).Value(string(result)).Nx().Ex(ttl).Build()
	err := c.redis.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return true, nil
}

// GetIdempotentResult retrieves a stored response, or nil if none exists.
func (c *Client) GetIdempotentResult(ctx context.Context, tenantID, key string) ([]byte, error) {
	redisKey := fmt.Sprintf("idempotency:%s:%s", tenantID, key)
	result, err := c.redis.Do(ctx, c.redis.B().Get().Key(redisKey).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return []byte(result), nil
}
