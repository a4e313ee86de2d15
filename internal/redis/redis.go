// Package redis wraps go-redis with the handful of commands the token cache,
// the chat client session store and the reply workers share.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tradechat/internal/config"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 6379
	pingTimeout = 3 * time.Second
)

var (
	// ErrCacheMiss mirrors redis.Nil for callers.
	ErrCacheMiss = redis.Nil
	// ErrDisabled is returned by NewRedisClient when the redis section opts out.
	ErrDisabled = errors.New("redis disabled by config")
	// ErrNotInitialized is returned by calls on a nil Client.
	ErrNotInitialized = errors.New("redis client not initialized")
)

// Client is a go-redis client built from the app config. A nil *Client is
// safe to call and reports ErrNotInitialized.
type Client struct {
	inner *redis.Client
}

// NewRedisClient connects using cfg.Redis and pings once before returning.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if cfg.Redis.Disabled {
		return nil, ErrDisabled
	}
	client := redis.NewClient(options(cfg.Redis))
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{inner: client}, nil
}

func options(rc config.RedisConfig) *redis.Options {
	host := rc.Host
	if host == "" {
		host = defaultHost
	}
	port := rc.Port
	if port == 0 {
		port = defaultPort
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	}
}

func (c *Client) ready() (*redis.Client, error) {
	if c == nil || c.inner == nil {
		return nil, ErrNotInitialized
	}
	return c.inner, nil
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	rc, err := c.ready()
	if err != nil {
		return err
	}
	return rc.Set(ctx, key, value, ttl).Err()
}

// SetNX stores the key only when it is absent and reports whether it did.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	rc, err := c.ready()
	if err != nil {
		return false, err
	}
	return rc.SetNX(ctx, key, value, ttl).Result()
}

// Get returns ErrCacheMiss for absent keys.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	rc, err := c.ready()
	if err != nil {
		return "", err
	}
	return rc.Get(ctx, key).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	rc, err := c.ready()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return rc.Del(ctx, keys...).Err()
}

// Expire refreshes the TTL of an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	rc, err := c.ready()
	if err != nil {
		return err
	}
	return rc.Expire(ctx, key, ttl).Err()
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	rc, err := c.ready()
	if err != nil {
		return 0, err
	}
	return rc.TTL(ctx, key).Result()
}

// Run executes a Lua script, loading it on first use.
func (c *Client) Run(ctx context.Context, script *redis.Script, keys []string, args ...any) error {
	rc, err := c.ready()
	if err != nil {
		return err
	}
	err = script.Run(ctx, rc, keys, args...).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	rc, err := c.ready()
	if err != nil {
		return err
	}
	return rc.Publish(ctx, channel, payload).Err()
}

// Subscribe returns nil on a nil Client.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	rc, err := c.ready()
	if err != nil {
		return nil
	}
	return rc.Subscribe(ctx, channels...)
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the go-redis client for tests that need commands not wrapped here.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
