// Package postgres implements the Postgres destination using pgx v5. Raw
// loads use the COPY protocol (pgx CopyFrom); typing statements run through
// the generic destination.SQL engine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stageload/internal/destination"
	"stageload/internal/staging"
)

// Kind is the registry name of this backend.
const Kind = "postgres"

// Dialect is the Postgres SQL dialect.
type Dialect struct{}

var _ destination.Dialect = Dialect{}

func (Dialect) Name() string { return Kind }

func (Dialect) Quote(ident string) string { return destination.QuoteDouble(ident) }

// Table returns "schema"."table", or "table" when schema is empty.
func (d Dialect) Table(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) ColumnType(k destination.ColumnKind) string {
	switch k {
	case destination.KindID:
		return "TEXT"
	case destination.KindBigInt:
		return "BIGINT"
	default:
		return "JSONB"
	}
}

func (d Dialect) CreateSchemaSQL(schema string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + d.Quote(schema)
}

func (d Dialect) CreateTableSQL(t destination.TableDef) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		t.FQN, strings.Join(destination.ColumnList(d, t), ",\n  "))
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Executor implements destination.Executor over a pgx pool or transaction.
type Executor struct {
	q    querier
	pool *pgxpool.Pool // nil inside a transaction
}

var _ destination.Executor = (*Executor)(nil)

// NewExecutor wraps pool.
func NewExecutor(pool *pgxpool.Pool) *Executor { return &Executor{q: pool, pool: pool} }

// Exec implements destination.Executor.
func (e *Executor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := e.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, wrapPgError("exec", err)
	}
	return tag.RowsAffected(), nil
}

// InTx implements destination.Executor. Nested calls reuse the transaction.
func (e *Executor) InTx(ctx context.Context, fn func(tx destination.Executor) error) error {
	if e.pool == nil {
		return fn(e)
	}
	return pgx.BeginFunc(ctx, e.pool, func(tx pgx.Tx) error {
		return fn(&Executor{q: tx})
	})
}

// InsertRows implements destination.Executor with one COPY; a single COPY is
// atomic, so no explicit transaction is needed.
func (e *Executor) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ident := pgx.Identifier{table}
	if schema != "" {
		ident = pgx.Identifier{schema, table}
	}
	n, err := e.q.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, wrapPgError("copy into "+ident.Sanitize(), err)
	}
	return n, nil
}

// wrapPgError adds the server detail to err. Data and syntax errors (SQLSTATE
// classes 22 and 42) are permanent: retrying the same rows cannot succeed.
func wrapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgErr.Detail != "" {
		err = fmt.Errorf("%s: %s (%s): %w", op, pgErr.Detail, pgErr.SQLState(), err)
	} else {
		err = fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "42"):
		return staging.Permanent(err)
	}
	return err
}

// Open parses dsn, applies maxConns when positive, and pings the server.
func Open(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: DSN must not be empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// newPool is a test hook that points to Open by default.
var newPool = Open

// New returns a destination over pool. Close closes the pool.
func New(pool *pgxpool.Pool, opts destination.SQLOptions) *destination.SQL {
	if opts.Close == nil {
		opts.Close = func() error { pool.Close(); return nil }
	}
	return destination.NewSQL(Dialect{}, NewExecutor(pool), opts)
}

func init() {
	destination.Register(Kind, func(ctx context.Context, cfg destination.Config) (destination.Destination, error) {
		pool, err := newPool(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return New(pool, destination.SQLOptions{Logger: cfg.Logger, Clock: cfg.Clock}), nil
	})
}
