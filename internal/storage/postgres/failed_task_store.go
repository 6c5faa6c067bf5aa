// Package postgres mirrors failed fetch tasks into a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetchpool/internal/failedlog"
)

const defaultTable = "failed_tasks"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// FailedTaskStoreConfig controls the Postgres connection pool used for failed task rows.
type FailedTaskStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// FailedTaskStore inserts one row per exhausted task. It satisfies
// failedlog.Mirror.
type FailedTaskStore struct {
	pool  execCloser
	table string
}

// NewFailedTaskStore connects to Postgres using the provided config.
func NewFailedTaskStore(ctx context.Context, cfg FailedTaskStoreConfig) (*FailedTaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &FailedTaskStore{pool: pool, table: table}, nil
}

// NewFailedTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFailedTaskStoreWithPool(pool execCloser, table string) (*FailedTaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &FailedTaskStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureTable creates the failed task table if it does not exist.
func (s *FailedTaskStore) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	failed_at TIMESTAMPTZ NOT NULL,
	target TEXT NOT NULL,
	handler TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// InsertFailedTask writes rec as a new row.
func (s *FailedTaskStore) InsertFailedTask(ctx context.Context, rec failedlog.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("failed task store is not configured")
	}
	if rec.Target == "" {
		return fmt.Errorf("record target is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (failed_at, target, handler, attempts, last_error)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, rec.At.UTC(), rec.Target, rec.Handler, rec.Attempts, rec.LastError); err != nil {
		return fmt.Errorf("insert failed task: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *FailedTaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
