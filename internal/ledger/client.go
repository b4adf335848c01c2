// Package ledger implements the durable system of record on embedded
// SQLite. A committed transaction survives an immediate process or power
// loss: the database runs in WAL mode with synchronous=FULL, and foreign
// keys are enforced between trade legs and their owning positions.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"sort"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens (or creates) the ledger database at path, applies pragmas and
// pending migrations, and returns a ready Store. The connection pool is
// capped at one writer; SQLite serializes writers anyway and a single
// connection avoids spurious SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)",
		url.PathEscape(path),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Store implements domain.Ledger on a SQLite database.
type Store struct {
	db *sql.DB
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint forces a WAL checkpoint, truncating the log. Called
// periodically and before backups.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return classify("wal checkpoint", err)
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns ErrLedgerCorrupt
// on any reported problem.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return classify("integrity check", err)
	}
	if result != "ok" {
		return fmt.Errorf("ledger: integrity check: %s: %w", result, domain.ErrLedgerCorrupt)
	}
	return nil
}

// runMigrations reads embedded SQL files from the migrations/ directory,
// applies them in lexicographic order, and tracks applied migrations in a
// schema_migrations table.
func (s *Store) runMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, createTracker); err != nil {
		return classify("create schema_migrations table", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = ?)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return classify("check migration "+entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("ledger: read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("begin tx for "+entry.Name(), err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return classify("exec migration "+entry.Name(), err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, unixepoch())",
			entry.Name(),
		); err != nil {
			_ = tx.Rollback()
			return classify("record migration "+entry.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return classify("commit migration "+entry.Name(), err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction and commits it, rolling back on any
// error. Every multi-row logical transition goes through here.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

// classify maps driver errors onto the ledger failure taxonomy: retryable
// infrastructure faults become ErrLedgerUnavailable, unrecoverable database
// damage becomes ErrLedgerCorrupt, and missing rows become ErrNotFound.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ledger: %s: %w", op, domain.ErrNotFound)
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR:
			return fmt.Errorf("ledger: %s: %v: %w", op, err, domain.ErrLedgerUnavailable)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("ledger: %s: %v: %w", op, err, domain.ErrLedgerCorrupt)
		}
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}

// appendOp writes one operation-log row inside the caller's transaction so
// the log always agrees with the state it describes.
func appendOp(tx *sql.Tx, entity, entityID, from, to, detail string, at int64) error {
	_, err := tx.Exec(
		`INSERT INTO operation_log (entity, entity_id, from_state, to_state, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entity, entityID, from, to, detail, at,
	)
	return err
}
