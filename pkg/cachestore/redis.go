package cachestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var _ Store = (*Redis)(nil)

// Redis is a Store backed by a Redis server. It's the backend to use when
// multiple addon instances share state, because SetNX is atomic across
// instances.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis creates a new Redis store and pings the server to validate the
// connection. creds is either a password (Redis <= 5) or "username:password"
// (Redis >= 6). An empty creds connects without AUTH.
func NewRedis(addr, creds string, logger *zap.Logger) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("addr must not be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	var username, password string
	if creds != "" {
		if i := strings.Index(creds, ":"); i != -1 {
			username = creds[:i]
			password = creds[i+1:]
		} else {
			password = creds
		}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("couldn't ping Redis: %w", err)
	}

	return &Redis{
		rdb:    rdb,
		logger: logger,
	}, nil
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("couldn't get value from Redis: %w", err)
	}
	return val, true, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("couldn't set value in Redis: %w", err)
	}
	return nil
}

func (s *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("couldn't set value in Redis: %w", err)
	}
	return ok, nil
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("couldn't delete keys from Redis: %w", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}
