package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// DefaultSQLitePath is the allowlist file used when no path is configured.
const DefaultSQLitePath = "domains.db"

// sqliteBusyTimeout bounds how long a writer waits for another process holding
// the database lock, in milliseconds.
const sqliteBusyTimeout = 5000

// OpenSQLite opens the allowlist database file at path, creating it and its
// schema when missing. Several processes may share one file; the queries are
// those of SQLDomainStore.
func OpenSQLite(ctx context.Context, path string) (*SQLDomainStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, unavailable("create database directory", err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", sqliteDSN(path))
	if err != nil {
		return nil, unavailable("open "+path, err)
	}
	if err := MigrateSQLite(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLDomainStore(db), nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeout))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	return "file:" + path + "?" + q.Encode()
}
