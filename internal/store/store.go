package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx. The repository
// methods in this package run on Store.Pool directly and do not take a
// DBTX; the OAuth pruning sweep is a single DELETE statement on the pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles the connection pool used by every repository in this
// package.
type Store struct {
	Pool *pgxpool.Pool
}

// New wraps an established connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}
