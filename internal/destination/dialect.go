package destination

import (
	"fmt"
	"strings"
)

// ColumnKind is the logical type of a managed column.
type ColumnKind int

const (
	// KindID holds short identifiers: uuids and key hashes.
	KindID ColumnKind = iota
	KindBigInt
	KindText
)

// ColumnDef describes one column of a managed table.
type ColumnDef struct {
	Name     string
	Kind     ColumnKind
	Nullable bool
}

// TableDef describes a managed table. FQN is already quoted by the dialect.
type TableDef struct {
	FQN        string
	Columns    []ColumnDef
	PrimaryKey []string
}

// Dialect captures the SQL differences between backends.
type Dialect interface {
	Name() string
	// Quote quotes one identifier segment.
	Quote(ident string) string
	// Table returns the quoted name of schema.table.
	Table(schema, table string) string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string
	ColumnType(k ColumnKind) string
	// CreateSchemaSQL returns "" when the backend has no schemas.
	CreateSchemaSQL(schema string) string
	// CreateTableSQL must leave an existing table untouched.
	CreateTableSQL(t TableDef) string
}

// ColumnList renders the quoted column definitions of t, one per element,
// followed by the primary key clause if any.
func ColumnList(d Dialect, t TableDef) []string {
	cols := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		var sb strings.Builder
		sb.WriteString(d.Quote(c.Name))
		sb.WriteByte(' ')
		sb.WriteString(d.ColumnType(c.Kind))
		if !c.Nullable {
			sb.WriteString(" NOT NULL")
		}
		cols = append(cols, sb.String())
	}
	if len(t.PrimaryKey) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoteAll(d, t.PrimaryKey), ", ")))
	}
	return cols
}

// QuoteDouble quotes an identifier ANSI style, escaping embedded quotes.
func QuoteDouble(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func quoteAll(d Dialect, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.Quote(c)
	}
	return out
}

// Managed column names.
const (
	ColRawID       = "_raw_id"
	ColRunID       = "_run_id"
	ColSeq         = "_seq"
	ColExtractedAt = "_extracted_at"
	ColLoadedAt    = "_loaded_at"
	ColPK          = "_pk"
	ColData        = "_data"
)

// RawColumns is the column order of raw tables and of InsertRows rows.
var RawColumns = []string{ColRawID, ColRunID, ColSeq, ColExtractedAt, ColLoadedAt, ColPK, ColData}

// FinalColumns is the column order of final tables.
var FinalColumns = []string{ColRawID, ColExtractedAt, ColPK, ColData}

// RawTableDef returns the definition of a raw table.
func RawTableDef(d Dialect, schema, table string) TableDef {
	return TableDef{
		FQN: d.Table(schema, table),
		Columns: []ColumnDef{
			{Name: ColRawID, Kind: KindID},
			{Name: ColRunID, Kind: KindID},
			{Name: ColSeq, Kind: KindBigInt},
			{Name: ColExtractedAt, Kind: KindBigInt},
			{Name: ColLoadedAt, Kind: KindBigInt, Nullable: true},
			{Name: ColPK, Kind: KindID, Nullable: true},
			{Name: ColData, Kind: KindText},
		},
		PrimaryKey: []string{ColRawID},
	}
}

// FinalTableDef returns the definition of a final table.
func FinalTableDef(d Dialect, schema, table string) TableDef {
	return TableDef{
		FQN: d.Table(schema, table),
		Columns: []ColumnDef{
			{Name: ColRawID, Kind: KindID},
			{Name: ColExtractedAt, Kind: KindBigInt},
			{Name: ColPK, Kind: KindID, Nullable: true},
			{Name: ColData, Kind: KindText},
		},
		PrimaryKey: []string{ColRawID},
	}
}
