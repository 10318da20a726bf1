package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"flowhook.app/automation/core/db"
)

const dialectPostgres = "postgres"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same store
// implementations serve pooled and transactional access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stores bundles the Postgres store implementations over one querier.
type Stores struct {
	q querier
}

// NewStores builds stores over a pool or transaction handle.
func NewStores(q querier) *Stores {
	return &Stores{q: q}
}

func (s *Stores) Events() EventStore {
	return &pgEventStore{q: s.q}
}

// dbTxRunner adapts core/db transactions to the store Provider contract.
type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(p Provider) error) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(NewStores(tx))
	})
}
