package storage

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the DomainStore contract against a live backend.
func exerciseStore(t *testing.T, s DomainStore) {
	t.Helper()
	ctx := context.Background()

	_, _ = s.Remove(ctx, "it-a.com")
	_, _ = s.Remove(ctx, "it-b.com")

	added, err := s.Add(ctx, "it-a.com")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, "it-a.com")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.Add(ctx, "it-b.com")
	require.NoError(t, err)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Subset(t, names(entries), []string{"it-a.com", "it-b.com"})

	n, err := s.Remove(ctx, "it-a.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Exists(ctx, "it-a.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _ = s.Remove(ctx, "it-b.com")
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db.DB))
	require.NoError(t, Migrate(db.DB), "migrating twice is a no-op")

	exerciseStore(t, NewSQLDomainStore(db))
}

func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	exerciseStore(t, NewRedisDomainStore(client, "assetgate:test:domains"))
}
