package destination

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"stageload/internal/catalog"
	"stageload/internal/staging"
	"stageload/internal/typing"
	"stageload/internal/writeplan"
)

// SQL is a Destination for any backend that can express its Dialect and
// Executor. Raw rows are moved into final tables with plain INSERT ... SELECT
// statements; a raw row is marked loaded in the same transaction that writes
// it to its final table, so a failed typing run can simply be repeated.
type SQL struct {
	dialect Dialect
	exec    Executor
	log     *zap.Logger
	clock   clock.Clock
	closeFn func() error
}

var _ Destination = (*SQL)(nil)

// SQLOptions configures NewSQL.
type SQLOptions struct {
	Logger *zap.Logger
	Clock  clock.Clock
	// Close releases the backend connection.
	Close func() error
}

// NewSQL returns a destination over d and x.
func NewSQL(d Dialect, x Executor, opts SQLOptions) *SQL {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &SQL{
		dialect: d,
		exec:    x,
		log:     opts.Logger.With(zap.String("component", "destination"), zap.String("dialect", d.Name())),
		clock:   opts.Clock,
		closeFn: opts.Close,
	}
}

// Dialect returns the backend dialect.
func (s *SQL) Dialect() Dialect { return s.dialect }

// Executor returns the backend executor.
func (s *SQL) Executor() Executor { return s.exec }

// RawTable returns the quoted raw table of wc.
func (s *SQL) RawTable(wc writeplan.WriteConfig) string {
	return s.dialect.Table(wc.OutputSchema, wc.TableName)
}

// FinalTable returns the quoted final table of wc.
func (s *SQL) FinalTable(wc writeplan.WriteConfig) string {
	return s.dialect.Table(wc.FinalNamespace, wc.FinalTableName)
}

// CreateSchema implements staging.Loader.
func (s *SQL) CreateSchema(ctx context.Context, schema string) error {
	q := s.dialect.CreateSchemaSQL(schema)
	if q == "" {
		return nil
	}
	if _, err := s.exec.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

// CreateRawTable implements staging.Loader.
func (s *SQL) CreateRawTable(ctx context.Context, schema, table string) error {
	def := RawTableDef(s.dialect, schema, table)
	if _, err := s.exec.Exec(ctx, s.dialect.CreateTableSQL(def)); err != nil {
		return fmt.Errorf("create raw table %s: %w", def.FQN, err)
	}
	return nil
}

// CopyIntoRawTable implements staging.Loader.
func (s *SQL) CopyIntoRawTable(ctx context.Context, wc writeplan.WriteConfig, file string) (int64, error) {
	staged, err := staging.ReadFile(file)
	if err != nil {
		return 0, staging.Permanent(err)
	}
	runID := wc.RunID.String()
	rows := make([][]any, len(staged))
	for i, r := range staged {
		var pk any
		if r.PK != "" {
			pk = r.PK
		}
		rows[i] = []any{r.RawID, runID, r.Seq, r.ExtractedAt, nil, pk, string(r.Data)}
	}
	n, err := s.exec.InsertRows(ctx, wc.OutputSchema, wc.TableName, RawColumns, rows)
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", s.RawTable(wc), err)
	}
	return n, nil
}

// Prepare implements typing.TyperDeduper: it creates final schemas and tables.
func (s *SQL) Prepare(ctx context.Context, plan []writeplan.WriteConfig) error {
	schemas := map[string]bool{}
	for _, wc := range plan {
		if !schemas[wc.FinalNamespace] {
			schemas[wc.FinalNamespace] = true
			if err := s.CreateSchema(ctx, wc.FinalNamespace); err != nil {
				return err
			}
		}
		def := FinalTableDef(s.dialect, wc.FinalNamespace, wc.FinalTableName)
		if _, err := s.exec.Exec(ctx, s.dialect.CreateTableSQL(def)); err != nil {
			return fmt.Errorf("create final table %s: %w", def.FQN, err)
		}
	}
	return nil
}

// TypeAndDedupe implements typing.TyperDeduper. Overwrite streams are only
// typed at Finalize.
func (s *SQL) TypeAndDedupe(ctx context.Context, wc writeplan.WriteConfig) error {
	if wc.SyncMode == catalog.SyncModeOverwrite {
		return nil
	}
	return s.apply(ctx, wc)
}

// Finalize implements typing.TyperDeduper.
func (s *SQL) Finalize(ctx context.Context, wc writeplan.WriteConfig, summary typing.StreamSummary) error {
	if wc.SyncMode == catalog.SyncModeOverwrite {
		return s.replace(ctx, wc)
	}
	if summary.RecordsWritten == 0 {
		s.log.Debug("finalize skipped, nothing written", zap.String("stream", wc.Identity().String()))
		return nil
	}
	return s.apply(ctx, wc)
}

// Cleanup implements typing.TyperDeduper.
func (s *SQL) Cleanup(context.Context) error { return nil }

// Close releases the backend connection.
func (s *SQL) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *SQL) columns(prefix string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + s.dialect.Quote(c)
	}
	return strings.Join(out, ", ")
}

// apply moves every unloaded raw row into the final table.
func (s *SQL) apply(ctx context.Context, wc writeplan.WriteConfig) error {
	raw, final := s.RawTable(wc), s.FinalTable(wc)
	loaded, unloaded := s.dialect.Quote(ColLoadedAt), s.dialect.Quote(ColLoadedAt)+" IS NULL"
	cols := s.columns("", FinalColumns)
	dedup := wc.SyncMode == catalog.SyncModeAppendDedup && len(wc.PrimaryKey) > 0
	now := s.clock.Now().UnixMilli()

	var inserted int64
	err := s.exec.InTx(ctx, func(tx Executor) error {
		if dedup {
			pk := s.dialect.Quote(ColPK)
			del := fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s)",
				final, pk, pk, raw, unloaded)
			if _, err := tx.Exec(ctx, del); err != nil {
				return fmt.Errorf("delete superseded rows: %w", err)
			}
			rn := s.dialect.Quote("_rn")
			ins := fmt.Sprintf(
				"INSERT INTO %s (%s) SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC, %s DESC) AS %s FROM %s WHERE %s) d WHERE d.%s = 1",
				final, cols, s.columns("d.", FinalColumns), cols, pk,
				s.dialect.Quote(ColExtractedAt), s.dialect.Quote(ColSeq), rn, raw, unloaded, rn)
			n, err := tx.Exec(ctx, ins)
			if err != nil {
				return fmt.Errorf("insert deduped rows: %w", err)
			}
			inserted = n
		} else {
			ins := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s", final, cols, cols, raw, unloaded)
			n, err := tx.Exec(ctx, ins)
			if err != nil {
				return fmt.Errorf("insert rows: %w", err)
			}
			inserted = n
		}
		mark := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s", raw, loaded, s.dialect.Placeholder(1), unloaded)
		if _, err := tx.Exec(ctx, mark, now); err != nil {
			return fmt.Errorf("mark raw rows loaded: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("type %s into %s: %w", wc.Identity(), final, err)
	}
	s.log.Info("typed",
		zap.String("stream", wc.Identity().String()),
		zap.String("sync_mode", string(wc.SyncMode)),
		zap.String("final_table", final),
		zap.Int64("records", inserted),
	)
	return nil
}

// replace swaps an overwrite stream's final table contents for this run's
// raw rows and drops raw rows left by earlier runs.
func (s *SQL) replace(ctx context.Context, wc writeplan.WriteConfig) error {
	raw, final := s.RawTable(wc), s.FinalTable(wc)
	cols := s.columns("", FinalColumns)
	runCol, loaded := s.dialect.Quote(ColRunID), s.dialect.Quote(ColLoadedAt)
	runID := wc.RunID.String()
	now := s.clock.Now().UnixMilli()

	var inserted int64
	err := s.exec.InTx(ctx, func(tx Executor) error {
		if _, err := tx.Exec(ctx, "DELETE FROM "+final); err != nil {
			return fmt.Errorf("clear final table: %w", err)
		}
		ins := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s = %s",
			final, cols, cols, raw, runCol, s.dialect.Placeholder(1))
		n, err := tx.Exec(ctx, ins, runID)
		if err != nil {
			return fmt.Errorf("insert run rows: %w", err)
		}
		inserted = n
		mark := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s AND %s IS NULL",
			raw, loaded, s.dialect.Placeholder(1), runCol, s.dialect.Placeholder(2), loaded)
		if _, err := tx.Exec(ctx, mark, now, runID); err != nil {
			return fmt.Errorf("mark raw rows loaded: %w", err)
		}
		drop := fmt.Sprintf("DELETE FROM %s WHERE %s <> %s", raw, runCol, s.dialect.Placeholder(1))
		if _, err := tx.Exec(ctx, drop, runID); err != nil {
			return fmt.Errorf("drop earlier raw rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s for %s: %w", final, wc.Identity(), err)
	}
	s.log.Info("final table replaced",
		zap.String("stream", wc.Identity().String()),
		zap.String("final_table", final),
		zap.Int64("records", inserted),
	)
	return nil
}
