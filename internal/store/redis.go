package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig holds connection parameters for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	MaxBytes int
}

// RedisRepository stores the state document under one Redis key, so a
// replacement host can pick up where the previous one stopped.
type RedisRepository struct {
	rdb      *redis.Client
	key      string
	maxBytes int
}

// NewRedisRepository connects and pings the server.
func NewRedisRepository(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	if cfg.Addr == "" {
		return nil, errors.New("store: redis addr is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultConfig().RedisKey
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return newRedisRepository(rdb, cfg.Key, cfg.MaxBytes), nil
}

func newRedisRepository(rdb *redis.Client, key string, maxBytes int) *RedisRepository {
	return &RedisRepository{rdb: rdb, key: key, maxBytes: maxBytes}
}

func (r *RedisRepository) Load(ctx context.Context) (State, error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Empty(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("store: redis get %s: %w", r.key, err)
	}
	return Decode(raw)
}

func (r *RedisRepository) Save(ctx context.Context, st State) error {
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}
	raw, trimmed, err := Encode(st, r.maxBytes)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %s: %w", r.key, err)
	}
	log.Debug().Str("key", r.key).Int("bytes", len(raw)).Int("trimmed", trimmed).Msg("store: redis state saved")
	return nil
}

func (r *RedisRepository) Close() error { return r.rdb.Close() }
