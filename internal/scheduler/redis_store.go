package scheduler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the durable timer store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns sensible defaults for local development.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "opsrelay:timers",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisStore is a TimerStore backed by Redis. Pending timers live in a
// sorted set scored by absolute fire time, with payloads in a hash keyed by
// timer id, so outstanding escalations survive a process restart.
type RedisStore struct {
	client  *redis.Client
	dueKey  string
	bodyKey string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "opsrelay:timers"
	}
	return &RedisStore{
		client:  client,
		dueKey:  prefix + ":due",
		bodyKey: prefix + ":body",
	}, nil
}

func (s *RedisStore) Add(ctx context.Context, timer Timer) error {
	body, err := json.Marshal(timer)
	if err != nil {
		return fmt.Errorf("failed to encode timer: %w", err)
	}

	member := timer.TimerID.String()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.dueKey, redis.Z{
		Score:  float64(timer.FireAt.UnixMilli()),
		Member: member,
	})
	pipe.HSet(ctx, s.bodyKey, member, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store timer: %w", err)
	}
	return nil
}

func (s *RedisStore) Cancel(ctx context.Context, timerID uuid.UUID) (bool, error) {
	member := timerID.String()
	removed, err := s.client.ZRem(ctx, s.dueKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to cancel timer: %w", err)
	}
	if err := s.client.HDel(ctx, s.bodyKey, member).Err(); err != nil {
		return false, fmt.Errorf("failed to delete timer body: %w", err)
	}
	return removed > 0, nil
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	members, err := s.client.ZRangeByScore(ctx, s.dueKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due timers: %w", err)
	}

	var claimed []Timer
	for _, member := range members {
		// ZRem decides ownership: whoever removes the member owns the timer,
		// so a timer fires at most once even across competing pollers.
		removed, err := s.client.ZRem(ctx, s.dueKey, member).Result()
		if err != nil {
			return claimed, fmt.Errorf("failed to claim timer %s: %w", member, err)
		}
		if removed == 0 {
			continue
		}

		body, err := s.client.HGet(ctx, s.bodyKey, member).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return claimed, fmt.Errorf("failed to read timer body %s: %w", member, err)
		}
		if err := s.client.HDel(ctx, s.bodyKey, member).Err(); err != nil {
			return claimed, fmt.Errorf("failed to delete timer body %s: %w", member, err)
		}

		var timer Timer
		if err := json.Unmarshal([]byte(body), &timer); err != nil {
			return claimed, fmt.Errorf("failed to decode timer %s: %w", member, err)
		}
		claimed = append(claimed, timer)
	}
	return claimed, nil
}

func (s *RedisStore) Pending(ctx context.Context) (int, error) {
	count, err := s.client.ZCard(ctx, s.dueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count timers: %w", err)
	}
	return int(count), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
