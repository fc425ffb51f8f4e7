package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"wayfarer/internal/services"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLite is a file-backed Store. Expiry times are stored as unix nanoseconds
// from the injected clock and filtered on read; Purge removes them physically.
type SQLite struct {
	db    *sql.DB
	path  string
	clock clockwork.Clock
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string, clock clockwork.Clock) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "kv", "open sqlite", "path is required", nil)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLite{db: db, path: path, clock: clock}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
			key, s.now(),
		).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sqliteErr("get", err)
	}
	return value, nil
}

func (s *SQLite) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl).UnixNano()
	}
	err := s.exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	)
	if err != nil {
		return sqliteErr("set", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if err := s.exec(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return sqliteErr("delete", err)
	}
	return nil
}

func (s *SQLite) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := retryOnBusy(ctx, func() error {
		keys = keys[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT key FROM kv_entries WHERE instr(key, ?) = 1 AND (expires_at IS NULL OR expires_at > ?) ORDER BY key`,
			prefix, s.now(),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, sqliteErr("keys by prefix", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (s *SQLite) SetAdd(ctx context.Context, set string, members ...string) error {
	for _, member := range members {
		if err := s.exec(ctx, `INSERT OR IGNORE INTO kv_set_members (set_key, member) VALUES (?, ?)`, set, member); err != nil {
			return sqliteErr("set add", err)
		}
	}
	return nil
}

func (s *SQLite) SetRemove(ctx context.Context, set string, members ...string) error {
	for _, member := range members {
		if err := s.exec(ctx, `DELETE FROM kv_set_members WHERE set_key = ? AND member = ?`, set, member); err != nil {
			return sqliteErr("set remove", err)
		}
	}
	return nil
}

func (s *SQLite) SetMembers(ctx context.Context, set string) ([]string, error) {
	var members []string
	err := retryOnBusy(ctx, func() error {
		members = members[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_set_members WHERE set_key = ? ORDER BY member`, set)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var member string
			if err := rows.Scan(&member); err != nil {
				return err
			}
			members = append(members, member)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, sqliteErr("set members", err)
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

func (s *SQLite) Purge(ctx context.Context) (int, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now())
		return execErr
	})
	if err != nil {
		return 0, sqliteErr("purge", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, sqliteErr("purge", err)
	}
	return int(affected), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return sqliteErr("ping", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) now() int64 {
	return s.clock.Now().UnixNano()
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func sqliteErr(operation string, err error) error {
	return services.Wrap(services.ErrPersistence, "kv", "sqlite "+operation, "", err)
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

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
