package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // register sqlite as database/sql driver

	"syncwire/internal/config"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Notifier receives committed mutations together with the post-commit plain
// snapshot of the mutated entity. The server's fan-out hub implements it.
type Notifier interface {
	Publish(mut *record.Mutation, snapshot map[string]any)
}

// Store is the dialect-neutral persistence engine: two physical tables per
// entity (values and meta shadow), transactional writes, materialized reads.
type Store struct {
	DB       *sql.DB
	Dialect  Dialect
	Registry *schema.Registry

	notifier Notifier
	clock    *record.Clock
}

// New opens a database connection per the storage config.
func New(ctx context.Context, cfg config.StorageConfig, reg *schema.Registry) (*Store, error) {
	dialect := NewDialect(cfg.Dialect)
	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.IsSQLite() {
		// Single writer, WAL for concurrent readers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Store{
		DB:       db,
		Dialect:  dialect,
		Registry: reg,
		clock:    record.NewClock(),
	}, nil
}

// SetNotifier installs the subscriber notifier committed mutations flow into.
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

// Clock returns the store's timestamp source.
func (s *Store) Clock() *record.Clock {
	return s.clock
}

// Close closes the database connection.
func (s *Store) Close() {
	s.DB.Close()
}

// QueryRows executes a query and returns results as []map[string]any.
func QueryRows(ctx context.Context, q Querier, sqlStr string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// Exec executes a statement and returns the number of rows affected.
func Exec(ctx context.Context, q Querier, sqlStr string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// normalizeValue converts driver-specific scan results to JSON-friendly Go
// types. database/sql often returns []byte for TEXT columns.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return val
	}
}

// parseJSONColumn decodes a JSON column value that may arrive as a string
// ([]byte already normalized) or as an already-decoded value. SQLite always
// returns JSON as text; Postgres does too through database/sql.
func parseJSONColumn(v any) (any, bool) {
	s, ok := v.(string)
	if !ok {
		return v, v != nil
	}
	if s == "" {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		logrus.WithError(err).Warn("store: malformed JSON column value")
		return nil, false
	}
	return out, out != nil
}
