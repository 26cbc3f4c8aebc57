package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

const (
	OptDSN          = "dsn"
	OptMaxConns     = "max_conns"
	OptSkipMigrate  = "skip_migrate"
	postgresBackend = "postgres"
)

func init() {
	Register(postgresBackend, func(ctx context.Context, opts map[string]string, logger *zap.Logger) (Backend, error) {
		dsn := optString(opts, OptDSN, "")
		if dsn == "" {
			return nil, &ConfigError{Backend: postgresBackend, Option: OptDSN, Message: "cannot be empty"}
		}
		maxConns, err := optInt(postgresBackend, opts, OptMaxConns, 0)
		if err != nil {
			return nil, err
		}
		s, err := NewPostgres(ctx, dsn, int32(maxConns), logger)
		if err != nil {
			return nil, err
		}
		if opts[OptSkipMigrate] != "true" {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	}, nil)
}

// Postgres stores state rows in PostgreSQL through a pgx pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects and pings the database.
func NewPostgres(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL state store connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate applies the embedded .up.sql files in name order.
func (s *Postgres) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := migrations.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

func (s *Postgres) Read(ctx context.Context, key string, tenant *envelope.TenantCtx) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM provider_state WHERE key = $1`, scopedKey(key, tenant)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	return value, true, nil
}

func (s *Postgres) Write(ctx context.Context, key string, value []byte, tenant *envelope.TenantCtx) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO provider_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		scopedKey(key, tenant), value,
	)
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string, tenant *envelope.TenantCtx) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM provider_state WHERE key = $1`, scopedKey(key, tenant)); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *Postgres) DeletePrefix(ctx context.Context, prefix string, tenant *envelope.TenantCtx) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM provider_state WHERE starts_with(key, $1)`, scopedKey(prefix, tenant))
	if err != nil {
		return 0, fmt.Errorf("delete state prefix: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
