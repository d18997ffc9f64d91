package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"stageload/internal/destination"
)

func TestDialect_Quote(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	if got := d.Table("dbo", "we]ird"); got != "[dbo].[we]]ird]" {
		t.Fatalf("Table = %s", got)
	}
	if got := d.Placeholder(2); got != "@p2" {
		t.Fatalf("Placeholder = %s, want @p2", got)
	}
}

func TestDialect_CreateSchemaSQL(t *testing.T) {
	t.Parallel()

	got := Dialect{}.CreateSchemaSQL("o'hara")
	want := "IF SCHEMA_ID(N'o''hara') IS NULL EXEC(N'CREATE SCHEMA [o''hara]')"
	if got != want {
		t.Fatalf("CreateSchemaSQL = %s, want %s", got, want)
	}
}

func TestDialect_CreateTableSQL(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	ddl := d.CreateTableSQL(destination.FinalTableDef(d, "shop", "orders"))
	for _, want := range []string{
		"IF OBJECT_ID(N'[shop].[orders]', N'U') IS NULL",
		"CREATE TABLE [shop].[orders] (",
		"[_raw_id] NVARCHAR(64) NOT NULL",
		"[_extracted_at] BIGINT NOT NULL",
		"[_pk] NVARCHAR(64),",
		"[_data] NVARCHAR(MAX) NOT NULL",
		"PRIMARY KEY ([_raw_id])",
		"END",
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q:\n%s", want, ddl)
		}
	}
}

func TestOpen_InvalidDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "sqlserver://%zz", 0)
	if err == nil || !strings.HasPrefix(err.Error(), "mssql dsn:") {
		t.Fatalf("err = %v, want dsn error", err)
	}
}

// TestRegistry_UsesHook swaps newDB, so it must not run in parallel.
func TestRegistry_UsesHook(t *testing.T) {
	orig := newDB
	defer func() { newDB = orig }()

	want := errors.New("unreachable")
	newDB = func(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) { return nil, want }

	if _, err := destination.New(context.Background(), destination.Config{Kind: Kind, DSN: "sqlserver://x"}); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
