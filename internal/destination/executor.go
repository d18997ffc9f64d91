package destination

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Executor runs statements against a backend.
type Executor interface {
	// Exec runs one statement and returns the rows affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// InTx runs fn in a transaction; fn's executor is bound to it.
	InTx(ctx context.Context, fn func(tx Executor) error) error
	// InsertRows bulk-loads rows into schema.table.
	InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error)
}

// BulkFunc loads rows into the quoted table within tx.
type BulkFunc func(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error)

// DB is an Executor over database/sql.
type DB struct {
	db      *sql.DB
	dialect Dialect
	bulk    BulkFunc
}

var _ Executor = (*DB)(nil)

// NewDB wraps db. A nil bulk uses PreparedInsert.
func NewDB(db *sql.DB, d Dialect, bulk BulkFunc) *DB {
	if bulk == nil {
		bulk = PreparedInsert(d)
	}
	return &DB{db: db, dialect: d, bulk: bulk}
}

// SQLDB returns the wrapped handle.
func (x *DB) SQLDB() *sql.DB { return x.db }

// Exec implements Executor.
func (x *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, x.db, query, args...)
}

// InTx implements Executor.
func (x *DB) InTx(ctx context.Context, fn func(tx Executor) error) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&dbTx{tx: tx, parent: x}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertRows implements Executor in its own transaction.
func (x *DB) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var n int64
	err := x.InTx(ctx, func(tx Executor) error {
		var err error
		n, err = tx.InsertRows(ctx, schema, table, columns, rows)
		return err
	})
	return n, err
}

type dbTx struct {
	tx     *sql.Tx
	parent *DB
}

func (t *dbTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, t.tx, query, args...)
}

// InTx on a transaction reuses it.
func (t *dbTx) InTx(_ context.Context, fn func(tx Executor) error) error { return fn(t) }

func (t *dbTx) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return t.parent.bulk(ctx, t.tx, t.parent.dialect.Table(schema, table), columns, rows)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execSQL(ctx context.Context, e execer, query string, args ...any) (int64, error) {
	if strings.TrimSpace(query) == "" {
		return 0, nil
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// PreparedInsert returns a BulkFunc that runs one prepared INSERT per row.
// Backends without a bulk-load API rely on the surrounding transaction for
// throughput.
func PreparedInsert(d Dialect) BulkFunc {
	return func(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
		if len(columns) == 0 {
			return 0, fmt.Errorf("insert %s: columns must not be empty", table)
		}
		ph := make([]string, len(columns))
		for i := range ph {
			ph[i] = d.Placeholder(i + 1)
		}
		stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(quoteAll(d, columns), ", "), strings.Join(ph, ", "))

		stmt, err := tx.PrepareContext(ctx, stmtSQL)
		if err != nil {
			return 0, fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		var inserted int64
		for i, row := range rows {
			if len(row) != len(columns) {
				return inserted, fmt.Errorf("insert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return inserted, fmt.Errorf("insert %s row %d: %w", table, i, err)
			}
			inserted++
		}
		return inserted, nil
	}
}
