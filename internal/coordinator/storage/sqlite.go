package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 4
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

var ErrSchemaMismatch = errors.New("schema version mismatch")

// SQLiteBackend keeps records in a single key/value table of a SQLite database.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates lectern.db inside dir.
func OpenSQLite(dir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure storage dir: %w", err)
	}

	dbPath := filepath.Join(dir, "lectern.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	backend := &SQLiteBackend{db: db, path: dbPath}
	if err := backend.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func (s *SQLiteBackend) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (%s)", ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy repeats op while SQLite reports lock contention.
func retryOnBusy(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithCappedDuration(busyRetryMaxBackoff, retry.NewExponential(busyRetryInitialBackoff))
	return retry.Do(ctx, retry.WithMaxRetries(busyRetryAttempts, backoff), func(ctx context.Context) error {
		err := op(ctx)
		if isSQLiteBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *SQLiteBackend) Save(ctx context.Context, kind, id string, value []byte) error {
	return retryOnBusy(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (kind, id, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(kind, id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			kind, id, value, time.Now().UTC().UnixMilli(),
		)
		return err
	})
}

func (s *SQLiteBackend) Load(ctx context.Context, kind, id string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM records WHERE kind = ? AND id = ?", kind, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, kind, id string) error {
	return retryOnBusy(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE kind = ? AND id = ?", kind, id)
		return err
	})
}

func (s *SQLiteBackend) Scan(ctx context.Context, kind string, fn func(id string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, value FROM records WHERE kind = ?", kind)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			value []byte
		)
		if err := rows.Scan(&id, &value); err != nil {
			return err
		}
		if err := fn(id, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
