// Package store provides the SQLite persistence layer for the verifier.
package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/ppah/dbopen"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the verifier database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the verifier SQLite database at path and applies
// the schema. Extra schemas (e.g. the shield tables) can be passed as
// options.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Tx runs fn in a transaction, retried on SQLITE_BUSY.
func (s *Store) Tx(ctx context.Context, fn func(q Querier) error) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error { return fn(tx) })
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
