// Package sqlite implements the SQLite destination using database/sql and
// the pure-Go modernc driver. SQLite has no schemas, so schema-qualified
// names are flattened into a single table name ("schema__table"). There is no
// bulk-load API; rows are inserted with a prepared statement inside one
// transaction per stage file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stageload/internal/destination"
)

// Kind is the registry name of this backend.
const Kind = "sqlite"

// Dialect is the SQLite SQL dialect.
type Dialect struct{}

var _ destination.Dialect = Dialect{}

func (Dialect) Name() string { return Kind }

func (Dialect) Quote(ident string) string { return destination.QuoteDouble(ident) }

// Table flattens schema.table into one identifier.
func (d Dialect) Table(schema, table string) string {
	if schema == "" || schema == "main" {
		return d.Quote(table)
	}
	return d.Quote(schema + "__" + table)
}

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) ColumnType(k destination.ColumnKind) string {
	switch k {
	case destination.KindBigInt:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func (Dialect) CreateSchemaSQL(string) string { return "" }

func (d Dialect) CreateTableSQL(t destination.TableDef) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		t.FQN, strings.Join(destination.ColumnList(d, t), ",\n  "))
}

// Open opens and pings a SQLite database. The pool is limited to one
// connection: SQLite serializes writers anyway, and an in-memory database
// exists per connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return db, nil
}

// newDB is a test hook that points to Open by default.
var newDB = Open

// New returns a destination over an open database.
func New(db *sql.DB, opts destination.SQLOptions) *destination.SQL {
	if opts.Close == nil {
		opts.Close = db.Close
	}
	return destination.NewSQL(Dialect{}, destination.NewDB(db, Dialect{}, nil), opts)
}

func init() {
	destination.Register(Kind, func(ctx context.Context, cfg destination.Config) (destination.Destination, error) {
		db, err := newDB(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return New(db, destination.SQLOptions{Logger: cfg.Logger, Clock: cfg.Clock}), nil
	})
}
