package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is the concrete storage port (C1) backing every core component.
type Postgres struct {
	db *sql.DB
	q  queryer
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ErrOptimisticConflict is returned when a conditional update's WHERE
// version=$n clause matches zero rows.
var ErrOptimisticConflict = errors.New("optimistic conflict: stale version")

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not found")

func Open(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db, q: db}, nil
}

func (s *Postgres) DB() *sql.DB { return s.db }

func (s *Postgres) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn against a Postgres handle scoped to a single transaction,
// committing on success and rolling back on any error, in the spirit of the
// storage port's "multi-entity atomic operations" contract (§4.1).
func (s *Postgres) WithTx(ctx context.Context, fn func(scoped *Postgres) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	scoped := &Postgres{db: s.db, q: tx}
	if err := fn(scoped); err != nil {
		return err
	}
	return tx.Commit()
}
