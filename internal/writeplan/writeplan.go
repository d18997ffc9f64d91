// Package writeplan derives the per-stream write configuration for one sync
// run and validates it before any data is written.
//
// A write plan is built once per run from the configured catalog and is
// read-only afterwards: every downstream component (buffer routing, flush
// workers, lifecycle functions) looks configs up but never mutates them.
package writeplan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"stageload/internal/catalog"
	"stageload/internal/naming"
)

// NamingScheme selects how output schema and raw table names are resolved.
type NamingScheme int

const (
	// SchemeCurrent resolves names from the pre-parsed catalog.
	SchemeCurrent NamingScheme = iota
	// SchemeLegacy resolves names with the naming capability directly.
	SchemeLegacy
)

// String implements fmt.Stringer.
func (s NamingScheme) String() string {
	switch s {
	case SchemeCurrent:
		return "current"
	case SchemeLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("NamingScheme(%d)", int(s))
	}
}

// ParseNamingScheme maps "current"/"legacy" onto a NamingScheme.
func ParseNamingScheme(s string) (NamingScheme, error) {
	switch s {
	case "", "current", "v2":
		return SchemeCurrent, nil
	case "legacy", "v1":
		return SchemeLegacy, nil
	default:
		return SchemeCurrent, fmt.Errorf("unknown naming scheme %q", s)
	}
}

// RunContext carries the values shared by every stream in one sync run.
type RunContext struct {
	RunID     uuid.UUID
	SyncStart time.Time
}

// NewRunContext captures the sync start once, from clk.
func NewRunContext(clk clock.Clock) RunContext {
	if clk == nil {
		clk = clock.WallClock
	}
	return RunContext{RunID: uuid.New(), SyncStart: clk.Now().UTC()}
}

// DestinationTableKey is the destination identity of a stream's table.
type DestinationTableKey struct {
	Schema string
	Table  string
}

// String renders "schema.table".
func (k DestinationTableKey) String() string { return k.Schema + "." + k.Table }

// WriteConfig is the resolved write configuration of one stream.
type WriteConfig struct {
	StreamName string
	Namespace  string

	// OutputSchema and TableName locate the raw (staging) table.
	OutputSchema string
	TableName    string
	TmpTableName string

	// FinalNamespace and FinalTableName locate the typed target table.
	FinalNamespace string
	FinalTableName string

	SyncMode   catalog.SyncMode
	PrimaryKey [][]string

	SyncStart time.Time
	RunID     uuid.UUID
}

// Identity returns the source stream identity.
func (w WriteConfig) Identity() catalog.StreamIdentity {
	return catalog.StreamIdentity{Namespace: w.Namespace, Name: w.StreamName}
}

// Key returns the raw table key.
func (w WriteConfig) Key() DestinationTableKey {
	return DestinationTableKey{Schema: w.OutputSchema, Table: w.TableName}
}

// FinalKey returns the final table key. It is zero when no final table is
// resolved.
func (w WriteConfig) FinalKey() DestinationTableKey {
	if w.FinalTableName == "" {
		return DestinationTableKey{}
	}
	return DestinationTableKey{Schema: w.FinalNamespace, Table: w.FinalTableName}
}

// BuildOptions configures Build.
type BuildOptions struct {
	// DefaultSchema is used when a stream has no namespace (legacy scheme).
	DefaultSchema string
	Scheme        NamingScheme
}

// Build produces one WriteConfig per configured stream, in catalog order.
//
// Under SchemeCurrent the output schema and table names come from lookup
// untouched; under SchemeLegacy they are derived with resolver. The
// temporary table name always uses resolver so staging paths stay stable.
func Build(
	run RunContext,
	cat catalog.Catalog,
	resolver naming.Resolver,
	lookup catalog.Lookup,
	opts BuildOptions,
	log *zap.Logger,
) ([]WriteConfig, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Scheme == SchemeCurrent && lookup == nil {
		return nil, fmt.Errorf("write plan: current naming scheme requires a parsed catalog")
	}

	plan := make([]WriteConfig, 0, len(cat.Streams))
	for _, cs := range cat.Streams {
		wc, err := buildOne(run, cs, resolver, lookup, opts)
		if err != nil {
			return nil, err
		}
		log.Info("write config",
			zap.String("stream", wc.Identity().String()),
			zap.String("output_schema", wc.OutputSchema),
			zap.String("table", wc.TableName),
			zap.String("tmp_table", wc.TmpTableName),
			zap.String("final_table", wc.FinalNamespace+"."+wc.FinalTableName),
			zap.String("sync_mode", string(wc.SyncMode)),
			zap.Time("sync_start", wc.SyncStart),
		)
		plan = append(plan, wc)
	}
	return plan, nil
}

func buildOne(
	run RunContext,
	cs catalog.ConfiguredStream,
	resolver naming.Resolver,
	lookup catalog.Lookup,
	opts BuildOptions,
) (WriteConfig, error) {
	id := cs.Identity()
	if cs.SyncMode == catalog.SyncModeUnset {
		return WriteConfig{}, &ConfigurationError{
			Reason:  "undefined destination sync mode",
			Streams: []catalog.StreamIdentity{id},
		}
	}

	wc := WriteConfig{
		StreamName:   cs.Stream.Name,
		Namespace:    cs.Stream.Namespace,
		TmpTableName: resolver.TmpTableName(cs.Stream.Name),
		SyncMode:     cs.SyncMode,
		PrimaryKey:   cs.PrimaryKey,
		SyncStart:    run.SyncStart,
		RunID:        run.RunID,
	}

	switch opts.Scheme {
	case SchemeCurrent:
		sc, err := lookup.Stream(cs.Stream.Namespace, cs.Stream.Name)
		if err != nil {
			return WriteConfig{}, &ConfigurationError{
				Reason:  fmt.Sprintf("stream missing from parsed catalog: %v", err),
				Streams: []catalog.StreamIdentity{id},
			}
		}
		wc.OutputSchema = sc.ID.RawNamespace
		wc.TableName = sc.ID.RawName
		wc.FinalNamespace = sc.ID.FinalNamespace
		wc.FinalTableName = sc.ID.FinalName

	case SchemeLegacy:
		wc.OutputSchema = legacyOutputSchema(cs.Stream.Namespace, opts.DefaultSchema, resolver)
		wc.TableName = resolver.RawTableName(cs.Stream.Name)
		wc.FinalNamespace = wc.OutputSchema
		wc.FinalTableName = resolver.Identifier(cs.Stream.Name)

	default:
		return WriteConfig{}, fmt.Errorf("write plan: unsupported naming scheme %v", opts.Scheme)
	}
	return wc, nil
}

func legacyOutputSchema(namespace, defaultSchema string, resolver naming.Resolver) string {
	if namespace != "" {
		return resolver.NormalizeNamespace(namespace)
	}
	return resolver.NormalizeNamespace(defaultSchema)
}

// Index returns the read-only routing lookup of a plan.
func Index(plan []WriteConfig) map[catalog.StreamIdentity]WriteConfig {
	out := make(map[catalog.StreamIdentity]WriteConfig, len(plan))
	for _, wc := range plan {
		out[wc.Identity()] = wc
	}
	return out
}
