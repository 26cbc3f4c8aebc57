package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

const (
	OptPath       = "path"
	sqliteBackend = "sqlite"
)

func init() {
	Register(sqliteBackend, func(ctx context.Context, opts map[string]string, logger *zap.Logger) (Backend, error) {
		return NewSQLite(ctx, optString(opts, OptPath, ""), logger)
	}, func() map[string]string {
		return map[string]string{OptPath: "data/state.db"}
	})
}

// SQLite stores state in a single-file database.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, &ConfigError{Backend: sqliteBackend, Option: OptPath, Message: "cannot be empty"}
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS provider_state (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	logger.Info("SQLite state store opened", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Read(ctx context.Context, key string, tenant *envelope.TenantCtx) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM provider_state WHERE key = ?`, scopedKey(key, tenant)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	return value, true, nil
}

func (s *SQLite) Write(ctx context.Context, key string, value []byte, tenant *envelope.TenantCtx) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_state (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scopedKey(key, tenant), value)
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string, tenant *envelope.TenantCtx) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM provider_state WHERE key = ?`, scopedKey(key, tenant)); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *SQLite) DeletePrefix(ctx context.Context, prefix string, tenant *envelope.TenantCtx) (int, error) {
	p := scopedKey(prefix, tenant)
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_state WHERE instr(key, ?) = 1`, p)
	if err != nil {
		return 0, fmt.Errorf("delete state prefix: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
