// Package store persists the settlement records in SQLite through
// pocketbase/dbx. Every counter change is a single conditional UPDATE and
// multi-record changes run through RunInTx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("store: conditional update matched no row")
)

type Store struct {
	db      *dbx.DB
	builder dbx.Builder
	inTx    bool
}

// Open opens (and creates) the database file and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := dbx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	// a single writer connection serializes transactions
	db.DB().SetMaxOpenConns(1)

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *dbx.DB) *Store {
	return &Store{db: db, builder: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn inside a transaction. Nested calls reuse the outer one.
// fn must only use the Store it receives.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		return fn(&Store{db: s.db, builder: tx, inTx: true})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}

func (s *Store) query(ctx context.Context, q string, params dbx.Params) *dbx.Query {
	query := s.builder.NewQuery(q).WithContext(ctx)
	if params != nil {
		query = query.Bind(params)
	}
	return query
}

func (s *Store) exec(ctx context.Context, q string, params dbx.Params) (int64, error) {
	res, err := s.query(ctx, q, params).Execute()
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

// execOne runs a conditional update that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, q string, params dbx.Params) error {
	n, err := s.exec(ctx, q, params)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) insert(ctx context.Context, table string, cols dbx.Params) error {
	if _, err := s.builder.Insert(table, cols).WithContext(ctx).Execute(); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) one(ctx context.Context, q string, params dbx.Params, dest any) error {
	return mapErr(s.query(ctx, q, params).One(dest))
}

func (s *Store) all(ctx context.Context, q string, params dbx.Params, dest any) error {
	return mapErr(s.query(ctx, q, params).All(dest))
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case strings.Contains(err.Error(), "CHECK constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func dt(t time.Time) types.DateTime {
	if t.IsZero() {
		return types.DateTime{}
	}
	d, _ := types.ParseDateTime(t.UTC())
	return d
}

func timePtr(d types.DateTime) *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time()
	return &t
}
