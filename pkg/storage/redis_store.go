package storage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/polisai/assetgate/pkg/domain"
)

// DefaultRedisKey is the hash used when RedisOptions.Key is empty.
const DefaultRedisKey = "assetgate:domains"

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisDomainStore keeps the allowlist in a single Redis hash of name -> id.
// HSETNX gives insert-if-absent atomically; durability follows the server's
// persistence settings (AOF with fsync is required for durable mutations).
type RedisDomainStore struct {
	client redis.UniversalClient
	key    string
}

var _ DomainStore = (*RedisDomainStore)(nil)

// NewRedisDomainStore wraps an existing client.
func NewRedisDomainStore(client redis.UniversalClient, key string) *RedisDomainStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisDomainStore{client: client, key: key}
}

// OpenRedis connects to a Redis server and verifies it answers PING.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisDomainStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: redis driver requires an address", domain.ErrConfigInvalid)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("connect", err)
	}
	return NewRedisDomainStore(client, opts.Key), nil
}

func (s *RedisDomainStore) Add(ctx context.Context, name string) (bool, error) {
	added, err := s.client.HSetNX(ctx, s.key, name, uuid.NewString()).Result()
	if err != nil {
		return false, unavailable("add", err)
	}
	return added, nil
}

func (s *RedisDomainStore) Remove(ctx context.Context, name string) (int, error) {
	n, err := s.client.HDel(ctx, s.key, name).Result()
	if err != nil {
		return 0, unavailable("remove", err)
	}
	return int(n), nil
}

func (s *RedisDomainStore) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key, name).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return ok, nil
}

func (s *RedisDomainStore) List(ctx context.Context) ([]domain.DomainEntry, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}

	entries := make([]domain.DomainEntry, 0, len(all))
	for name, id := range all {
		entries = append(entries, domain.DomainEntry{ID: id, Name: name})
	}
	return entries, nil
}

// Close closes the Redis client.
func (s *RedisDomainStore) Close() error {
	return s.client.Close()
}
