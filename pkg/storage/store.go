// Package storage provides the persistent allowlist of domains for the gateway.
// It offers SQLite, PostgreSQL, Redis and in-memory backends behind one
// DomainStore contract. Only the in-memory backend loses entries on exit.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/assetgate/pkg/domain"
)

// DomainStore exposes persistence operations for allowlisted domains. Names are
// expected to be canonical already; matching at this layer is exact and
// case-sensitive.
//
// Any underlying I/O failure, including a context deadline, is reported as an error
// wrapping domain.ErrStoreUnavailable so callers never confuse it with "not found".
type DomainStore interface {
	// Add inserts name if absent. It reports false without error when the name exists.
	Add(ctx context.Context, name string) (bool, error)
	// Remove deletes name and reports how many entries were removed (0 or 1).
	Remove(ctx context.Context, name string) (int, error)
	// Exists reports whether name is allowlisted.
	Exists(ctx context.Context, name string) (bool, error)
	// List returns every entry. Order is not significant.
	List(ctx context.Context) ([]domain.DomainEntry, error)
	Close() error
}

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects and parameterises a DomainStore backend.
type Config struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// Migrate applies the embedded schema migrations on open (postgres only).
	Migrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// RedisKey is the hash holding name -> id entries.
	RedisKey string
}

// Open builds the DomainStore selected by cfg.Driver. An empty driver selects
// the SQLite file store.
func Open(ctx context.Context, cfg Config) (DomainStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DriverMemory:
		return NewMemoryDomainStore(), nil
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN, cfg.Migrate)
	case DriverRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", domain.ErrConfigInvalid, cfg.Driver)
	}
}

// unavailable wraps a backend failure so that it matches domain.ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
