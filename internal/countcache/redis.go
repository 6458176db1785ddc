package countcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Address is host:port of the Redis server.
	Address string

	// Password is the AUTH password, empty for none.
	Password string

	// DB is the logical database index.
	DB int

	// MaxIdle caps idle pooled connections.
	// Default: 10
	MaxIdle int
}

// ApplyDefaults sets default values for unset fields.
func (c *RedisConfig) ApplyDefaults() {
	if c.MaxIdle == 0 {
		c.MaxIdle = 10
	}
}

// Validate validates the configuration.
func (c RedisConfig) Validate() error {
	if c.Address == "" {
		return errors.New("redis address required")
	}
	return nil
}

// incrIfExists increments only when the key is already present, so a
// missing count stays missing instead of becoming a bogus delta.
var incrIfExists = redis.NewScript(1, `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCRBY", KEYS[1], ARGV[1])
end
return 0`)

// Redis is a Cache backed by a shared Redis server.
type Redis struct {
	pool *redis.Pool
}

// NewRedis creates a Redis cache and verifies connectivity with a PING.
func NewRedis(ctx context.Context, config RedisConfig) (*Redis, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	pool := &redis.Pool{
		MaxIdle:     config.MaxIdle,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{redis.DialDatabase(config.DB)}
			if config.Password != "" {
				opts = append(opts, redis.DialPassword(config.Password))
			}
			return redis.Dial("tcp", config.Address, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Redis{pool: pool}, nil
}

// Get returns the value for key, or "" on a miss.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	v, err := redis.String(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// setArgs builds SET command arguments. A non-positive ttl means no
// expiry, and sub-second ttls round up so a live ttl never truncates to
// EX 0, which the server rejects.
func setArgs(key, value string, ttl time.Duration, nx bool) []interface{} {
	args := []interface{}{key, value}
	if ttl > 0 {
		secs := int64(ttl / time.Second)
		if ttl%time.Second != 0 {
			secs++
		}
		args = append(args, "EX", secs)
	}
	if nx {
		args = append(args, "NX")
	}
	return args
}

// Set stores value under key for ttl. A non-positive ttl stores without
// expiry.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("SET", setArgs(key, value, ttl, false)...)
	return err
}

// IncrBy adds delta to an existing integer value via a server-side script.
func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = incrIfExists.Do(conn, key, delta)
	return err
}

// SetNX stores value only if key is absent.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	reply, err := conn.Do("SET", setArgs(key, value, ttl, true)...)
	if err != nil {
		return false, err
	}
	return reply != nil, nil
}

// Del removes key.
func (r *Redis) Del(ctx context.Context, key string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("DEL", key)
	return err
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

var _ Cache = (*Redis)(nil)
