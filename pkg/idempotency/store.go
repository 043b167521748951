package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/config"
	"github.com/telekom/mail-relay/pkg/metrics"
)

// MaxKeyLength bounds client supplied keys.
const MaxKeyLength = 255

// ReservationTTL bounds how long an in-flight reservation blocks a key when
// the holder never stores a result or releases it.
const ReservationTTL = 5 * time.Minute

var (
	ErrInvalidKey = errors.New("idempotency key must be 1-255 printable ASCII characters")

	// ErrInFlight is returned by Get while another request holds the key.
	ErrInFlight = errors.New("a request with this idempotency key is still in progress")
)

// inFlight marks a reserved key that has no result yet. Stored results are
// JSON objects and can never collide with it.
var inFlight = []byte("\x00in-flight")

// Store keeps serialized results for a bounded time.
//
// Reserve claims a key before the work it guards starts. Exactly one caller
// wins; the winner either stores a result with Set or gives the key back
// with Release.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Reserve(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Release(ctx context.Context, key string) error
	Close() error
	Name() string
}

func reservationTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < ReservationTTL {
		return ttl
	}
	return ReservationTTL
}

// ValidKey reports whether key is acceptable as an idempotency key.
func ValidKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// New builds the store selected by cfg. It returns nil when idempotency is disabled.
func New(ctx context.Context, cfg config.Idempotency, log *zap.SugaredLogger) (Store, error) {
	if cfg.Disabled {
		return nil, nil
	}
	ttl, err := time.ParseDuration(cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("invalid idempotency ttl %q: %w", cfg.TTL, err)
	}

	switch cfg.Backend {
	case config.IdempotencyRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Infow("Using redis idempotency store", "addr", cfg.Redis.Addr, "ttl", ttl)
		return NewRedisStore(client, cfg.Redis.Prefix, ttl), nil
	case config.IdempotencyMemory, "":
		log.Infow("Using in-memory idempotency store", "ttl", ttl)
		return NewMemoryStore(ttl), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}

// MemoryStore keeps results in process memory. Entries are lost on restart
// and are not shared between replicas.
type MemoryStore struct {
	c   *cache.Cache
	ttl time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	cleanup := ttl / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &MemoryStore{c: cache.New(ttl, cleanup), ttl: ttl}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if bytes.Equal(b, inFlight) {
		return nil, false, ErrInFlight
	}
	return b, true, nil
}

// Reserve relies on cache.Add failing for keys that already exist.
func (s *MemoryStore) Reserve(_ context.Context, key string) (bool, error) {
	if err := s.c.Add(key, inFlight, reservationTTL(s.ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.c.Set(key, value, s.ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.c.Flush()
	return nil
}

func (s *MemoryStore) Name() string { return config.IdempotencyMemory }

// RedisStore shares results between replicas through Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		metrics.IdempotencyStoreErrors.WithLabelValues(config.IdempotencyRedis, "get").Inc()
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	if bytes.Equal(b, inFlight) {
		return nil, false, ErrInFlight
	}
	return b, true, nil
}

// Reserve writes the in-flight marker with SETNX so only one replica wins.
func (s *RedisStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), inFlight, reservationTTL(s.ttl)).Result()
	if err != nil {
		metrics.IdempotencyStoreErrors.WithLabelValues(config.IdempotencyRedis, "reserve").Inc()
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Set replaces the reservation with the final result.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		metrics.IdempotencyStoreErrors.WithLabelValues(config.IdempotencyRedis, "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		metrics.IdempotencyStoreErrors.WithLabelValues(config.IdempotencyRedis, "release").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) Name() string { return config.IdempotencyRedis }
