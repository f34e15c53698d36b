// Package postgres is a shared idempotency store backed by PostgreSQL,
// for deployments where several runners share one record table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool  *pgxpool.Pool
	table string
}

// New connects to dsn and creates table if it does not exist.
func New(ctx context.Context, dsn, table string) (*Store, error) {
	if table == "" {
		table = "event_records"
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		id          TEXT PRIMARY KEY,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM ` + s.table + ` WHERE id = $1)`
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return exists, nil
}

func (s *Store) Record(ctx context.Context, id string) error {
	query := `INSERT INTO ` + s.table + ` (id, recorded_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Prune deletes records older than before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE recorded_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
