// Package postgres provides the Postgres-backed index of confirmed incident IDs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/incident-harvester/internal/incident"
)

// DefaultTable holds confirmed IDs when no table is configured.
const DefaultTable = "incident_ids"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IndexStoreConfig controls the Postgres connection pool.
type IndexStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// IndexStore records which IDs were durably written to which partition.
type IndexStore struct {
	pool  pool
	table string
}

// NewIndexStore connects a pool using cfg.
func NewIndexStore(ctx context.Context, cfg IndexStoreConfig) (*IndexStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &IndexStore{pool: p, table: table}, nil
}

// NewIndexStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewIndexStoreWithPool(p pool, table string) (*IndexStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &IndexStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *IndexStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the index table when missing.
func (s *IndexStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	partition TEXT NOT NULL,
	confirmed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Confirm inserts flushed IDs. IDs already present keep their first partition.
func (s *IndexStore) Confirm(ctx context.Context, partition string, ids []incident.RecordID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, partition)
SELECT unnest($1::bigint[]), $2
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, raw, partition); err != nil {
		return fmt.Errorf("confirm %d ids for %s: %w", len(ids), partition, err)
	}
	return nil
}

// KnownIDs returns confirmed IDs in [lower, upper], ascending.
func (s *IndexStore) KnownIDs(ctx context.Context, lower, upper incident.RecordID) ([]incident.RecordID, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE id >= $1 AND id <= $2 ORDER BY id`, s.table)
	rows, err := s.pool.Query(ctx, query, int64(lower), int64(upper))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table, err)
	}
	ids := make([]incident.RecordID, len(raw))
	for i, id := range raw {
		ids[i] = incident.RecordID(id)
	}
	return ids, nil
}
