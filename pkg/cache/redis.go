package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Horizon  time.Duration
	// KeyPrefix namespaces every key (defaults to "proximity:rssi").
	KeyPrefix string
}

// Redis mirrors latest readings into Redis. Keys expire after the horizon,
// so Sweep has nothing to do.
type Redis struct {
	client  *redis.Client
	horizon time.Duration
	prefix  string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg RedisConfig) *Redis {
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "proximity:rssi"
	}
	return &Redis{client: client, horizon: horizon, prefix: prefix}
}

func (r *Redis) key(beaconID, gatewayID string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, beaconID, gatewayID)
}

func (r *Redis) Put(ctx context.Context, beaconID, gatewayID string, reading Reading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := r.client.Set(ctx, r.key(beaconID, gatewayID), data, r.horizon).Err(); err != nil {
		return fmt.Errorf("failed to store reading: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, beaconID, gatewayID string) (Reading, error) {
	data, err := r.client.Get(ctx, r.key(beaconID, gatewayID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Reading{}, ErrNotFound
	}
	if err != nil {
		return Reading{}, fmt.Errorf("failed to load reading: %w", err)
	}

	var reading Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		return Reading{}, fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	return reading, nil
}

func (r *Redis) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping checks that Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
