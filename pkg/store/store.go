// Package store provides durable state over an embedded SQL engine
// (modernc.org/sqlite) with typed repositories for every domain entity in
// pkg/models. See spec §3/§4.1 (C1 Store).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Store wraps a *sql.DB connection to an embedded sqlite database and
// exposes one repository per domain entity.
//
// All repository operations are safe to call from multiple goroutines; the
// underlying engine serialises writes per connection (spec §4.1
// Concurrency). Store does not hold a cross-operation cursor.
type Store struct {
	db *sql.DB

	Loops      *LoopRepository
	Profiles   *ProfileRepository
	Pools      *PoolRepository
	Runs       *LoopRunRepository
	Queue      *LoopQueueRepository
	KV         *LoopKVRepository
	Usage      *UsageRepository
	TeamTasks  *TeamTaskRepository
}

// Open opens (creating if absent) the sqlite database at path and wires up
// every repository. Callers must call migrate.Up (pkg/migrate) before using
// the returned Store in anger — Open itself does not apply schema.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn != ":memory:" {
		// Single-connection busy-timeout pragma: the embedded engine
		// serialises writes, so a brief busy wait beats a hard failure
		// under concurrent callers.
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	// sqlite serialises writes; a single connection avoids SQLITE_BUSY
	// storms under our own retry-free pragma above.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database %s: %w", path, err)
	}

	return wrap(db), nil
}

// FromDB wraps an already-open *sql.DB.
func FromDB(db *sql.DB) *Store {
	return wrap(db)
}

func wrap(db *sql.DB) *Store {
	return &Store{
		db:        db,
		Loops:     &LoopRepository{db: db},
		Profiles:  &ProfileRepository{db: db},
		Pools:     &PoolRepository{db: db},
		Runs:      &LoopRunRepository{db: db},
		Queue:     &LoopQueueRepository{db: db},
		KV:        &LoopKVRepository{db: db},
		Usage:     &UsageRepository{db: db},
		TeamTasks: &TeamTaskRepository{db: db},
	}
}

// DB returns the underlying *sql.DB, used by pkg/migrate and health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
