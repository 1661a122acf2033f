package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/toolkits/pkg/logger"
)

type RedisConfig struct {
	Address          string
	Username         string
	Password         string
	DB               int
	RedisType        string
	MasterName       string
	SentinelUsername string
	SentinelPassword string
	KeyPrefix        string
}

type Redis redis.Cmdable

func NewRedis(cfg RedisConfig) (Redis, error) {
	var redisClient Redis
	switch cfg.RedisType {
	case "standalone", "":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})

	case "cluster":
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    strings.Split(cfg.Address, ","),
			Username: cfg.Username,
			Password: cfg.Password,
		})

	case "sentinel":
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    strings.Split(cfg.Address, ","),
			Username:         cfg.Username,
			Password:         cfg.Password,
			DB:               cfg.DB,
			SentinelUsername: cfg.SentinelUsername,
			SentinelPassword: cfg.SentinelPassword,
		})

	default:
		return nil, fmt.Errorf("redis type is illegal: %s", cfg.RedisType)
	}

	err := redisClient.Ping(context.Background()).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return redisClient, nil
}

// MGet returns values aligned with keys, missing keys give nil.
func MGet(ctx context.Context, r Redis, keys []string) [][]byte {
	vals := make([][]byte, len(keys))
	if len(keys) == 0 {
		return vals
	}
	pipe := r.Pipeline()
	for _, key := range keys {
		pipe.Get(ctx, key)
	}
	cmds, _ := pipe.Exec(ctx)

	for i, key := range keys {
		cmd := cmds[i]
		if errors.Is(cmd.Err(), redis.Nil) {
			continue
		}

		if cmd.Err() != nil {
			logger.Errorf("failed to get key: %s, err: %s", key, cmd.Err())
			continue
		}
		vals[i] = []byte(cmd.(*redis.StringCmd).Val())
	}

	return vals
}

// MSet writes every pair with the same ttl, zero means no expiry.
func MSet(ctx context.Context, r Redis, m map[string]interface{}, ttl time.Duration) error {
	if len(m) == 0 {
		return nil
	}
	pipe := r.Pipeline()
	for k, v := range m {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// MSetNX tries every key and reports the ones acquired.
func MSetNX(ctx context.Context, r Redis, keys []string, value interface{}, ttl time.Duration) (map[string]bool, error) {
	res := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return res, nil
	}
	pipe := r.Pipeline()
	cmds := make([]*redis.BoolCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.SetNX(ctx, key, value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, key := range keys {
		res[key] = cmds[i].Val()
	}
	return res, nil
}

func Expire(ctx context.Context, r Redis, key string, expiration time.Duration) error {
	return r.Expire(ctx, key, expiration).Err()
}

func MDel(ctx context.Context, r Redis, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := r.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
