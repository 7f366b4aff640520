package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/polisai/assetgate/pkg/domain"
)

// SQLDomainStore implements DomainStore on PostgreSQL or SQLite. The UNIQUE constraint on
// domains.name is what serialises concurrent inserts of the same name.
type SQLDomainStore struct {
	db *sqlx.DB
}

var _ DomainStore = (*SQLDomainStore)(nil)

// NewSQLDomainStore wraps an existing database handle.
func NewSQLDomainStore(db *sqlx.DB) *SQLDomainStore {
	return &SQLDomainStore{db: db}
}

// OpenPostgres connects to dsn and optionally applies the schema migrations.
func OpenPostgres(ctx context.Context, dsn string, migrate bool) (*SQLDomainStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres driver requires a dsn", domain.ErrConfigInvalid)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, unavailable("connect", err)
	}

	if migrate {
		if err := Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return NewSQLDomainStore(db), nil
}

func (s *SQLDomainStore) Add(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO domains (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, uuid.NewString(), name)
	if err != nil {
		return false, unavailable("add", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("add", err)
	}
	return n == 1, nil
}

func (s *SQLDomainStore) Remove(ctx context.Context, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM domains WHERE name = $1`, name)
	if err != nil {
		return 0, unavailable("remove", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("remove", err)
	}
	return int(n), nil
}

func (s *SQLDomainStore) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM domains WHERE name = $1)`, name); err != nil {
		return false, unavailable("exists", err)
	}
	return exists, nil
}

func (s *SQLDomainStore) List(ctx context.Context) ([]domain.DomainEntry, error) {
	entries := []domain.DomainEntry{}
	if err := s.db.SelectContext(ctx, &entries, `SELECT id, name FROM domains ORDER BY name`); err != nil {
		return nil, unavailable("list", err)
	}
	return entries, nil
}

// Close closes the underlying connection pool.
func (s *SQLDomainStore) Close() error {
	return s.db.Close()
}
