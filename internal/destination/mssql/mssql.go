// Package mssql implements the SQL Server destination using go-mssqldb.
// Raw loads use the bulk copy API (mssql.CopyIn) inside a transaction.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"stageload/internal/destination"
)

// Kind is the registry name of this backend.
const Kind = "mssql"

// Dialect is the T-SQL dialect.
type Dialect struct{}

var _ destination.Dialect = Dialect{}

func (Dialect) Name() string { return Kind }

// Quote brackets an identifier, escaping a closing bracket.
func (Dialect) Quote(ident string) string { return "[" + strings.ReplaceAll(ident, "]", "]]") + "]" }

func (d Dialect) Table(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (Dialect) ColumnType(k destination.ColumnKind) string {
	switch k {
	case destination.KindID:
		return "NVARCHAR(64)"
	case destination.KindBigInt:
		return "BIGINT"
	default:
		return "NVARCHAR(MAX)"
	}
}

// CreateSchemaSQL guards CREATE SCHEMA, which must be the only statement in
// its batch, behind EXEC.
func (d Dialect) CreateSchemaSQL(schema string) string {
	create := strings.ReplaceAll("CREATE SCHEMA "+d.Quote(schema), "'", "''")
	return fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC(N'%s')", strings.ReplaceAll(schema, "'", "''"), create)
}

// CreateTableSQL wraps CREATE TABLE in an OBJECT_ID guard; T-SQL has no
// CREATE TABLE IF NOT EXISTS.
func (d Dialect) CreateTableSQL(t destination.TableDef) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nBEGIN\n  CREATE TABLE %s (\n    %s\n  );\nEND",
		strings.ReplaceAll(t.FQN, "'", "''"), t.FQN, strings.Join(destination.ColumnList(d, t), ",\n    "))
}

// BulkCopy loads rows with the TDS bulk copy protocol within tx.
func BulkCopy(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, columns...))
	if err != nil {
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Open validates dsn, opens the pool and pings the server.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// newDB is a test hook that points to Open by default.
var newDB = Open

// New returns a destination over db.
func New(db *sql.DB, opts destination.SQLOptions) *destination.SQL {
	if opts.Close == nil {
		opts.Close = db.Close
	}
	return destination.NewSQL(Dialect{}, destination.NewDB(db, Dialect{}, BulkCopy), opts)
}

func init() {
	destination.Register(Kind, func(ctx context.Context, cfg destination.Config) (destination.Destination, error) {
		db, err := newDB(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return New(db, destination.SQLOptions{Logger: cfg.Logger, Clock: cfg.Clock}), nil
	})
}
