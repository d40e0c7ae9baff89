// Package store provides the embedded transactional store backing the task
// graph: a single SQLite database file opened in WAL mode, with forward-only
// idempotent migrations and a periodic checkpoint task, over the generic
// nodes/edges/events/knowledge schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// openMaxElapsed bounds the retry loop Open uses to ride out a transient
// SQLITE_BUSY while another process is mid-checkpoint.
const openMaxElapsed = 10 * time.Second

func newOpenBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	return bo
}

// Store wraps the *sql.DB handle; database file access is exclusive per
// process.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger

	mu sync.Mutex // serializes transactions per §5 ("exactly one request handled at a time for writes")
}

// Open opens (creating if necessary) the database at path in WAL mode and
// runs any pending migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer, single-process per §5

	pingErr := backoff.Retry(func() error {
		return db.Ping()
	}, newOpenBackoff())
	if pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, pingErr)
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	return &Store{db: db, path: path, log: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Tx is the transactional handle passed to mutation handlers. Every mutation
// handler opens exactly one Tx spanning all of its reads and writes: on any
// error the transaction is aborted and no state changes.
type Tx struct {
	*sql.Tx
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any returned error. The outer mutex enforces a
// single-writer, serializable request model.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{Tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Checkpoint issues a passive WAL checkpoint. Invoked every 30s by the RPC
// surface; passive mode never blocks a concurrent writer, so it is safe to
// call from a background goroutine without the Tx mutex.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// RunCheckpointLoop runs Checkpoint on a 30s ticker until ctx is canceled: a
// fire-and-forget background loop that logs failures but never panics the
// process, and exits cleanly on shutdown.
func (s *Store) RunCheckpointLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Checkpoint(ctx); err != nil {
				s.log.Warn("wal checkpoint failed", "error", err)
			}
		}
	}
}

// now returns the current UTC time truncated to second precision, the
// resolution ISO-8601 timestamps are stored and compared at.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Now exposes now() to repository packages that embed Store's clock so every
// package agrees on timestamp precision (DB columns are TEXT/ISO-8601).
func Now() time.Time { return now() }
