package catalog

import (
	"fmt"
	"strings"

	"stageload/internal/naming"
)

// Template placeholders understood by ParseOptions formats.
const (
	PlaceholderSourceNamespace = "${SOURCE_NAMESPACE}"
	PlaceholderNamespace       = "${NAMESPACE}"
	PlaceholderStreamName      = "${STREAM_NAME}"
)

// Defaults for the current naming scheme.
const (
	DefaultRawNamespace  = "airbyte_internal"
	DefaultRawNameFormat = PlaceholderNamespace + "_raw__stream_" + PlaceholderStreamName
)

// StreamID is the fully resolved set of names for one stream: where it came
// from, where its raw rows are staged, and where its final table lives.
type StreamID struct {
	OriginalNamespace string
	OriginalName      string
	RawNamespace      string
	RawName           string
	FinalNamespace    string
	FinalName         string
}

// StreamConfig is the pre-parsed, destination-ready view of a configured
// stream.
type StreamConfig struct {
	ID          StreamID
	SyncMode    SyncMode
	PrimaryKey  [][]string
	CursorField []string
}

// Lookup resolves a stream's pre-parsed configuration by (namespace, name).
type Lookup interface {
	Stream(namespace, name string) (StreamConfig, error)
}

// Parsed is the pre-parsed catalog. It is built once and read-only afterwards.
type Parsed struct {
	streams map[StreamIdentity]StreamConfig
	order   []StreamIdentity
}

// Stream implements Lookup.
func (p *Parsed) Stream(namespace, name string) (StreamConfig, error) {
	sc, ok := p.streams[StreamIdentity{Namespace: namespace, Name: name}]
	if !ok {
		return StreamConfig{}, fmt.Errorf("stream %s not found in parsed catalog",
			StreamIdentity{Namespace: namespace, Name: name})
	}
	return sc, nil
}

// Streams returns the parsed configs in catalog order.
func (p *Parsed) Streams() []StreamConfig {
	out := make([]StreamConfig, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.streams[id])
	}
	return out
}

// ParseOptions controls how destination names are derived.
//
// NamespaceFormat, when set, is a template for the final namespace (for
// example "${SOURCE_NAMESPACE}_prod" or a constant "analytics"). When empty
// the source namespace is used, falling back to DefaultNamespace.
//
// RawNamespace and RawNameFormat are templates for the raw (staging) table
// location and accept the same placeholders, plus ${NAMESPACE} for the
// resolved final namespace.
type ParseOptions struct {
	DefaultNamespace string
	NamespaceFormat  string
	RawNamespace     string
	RawNameFormat    string
	StreamPrefix     string
}

// Parse resolves every configured stream into a StreamConfig. Raw and final
// names are normalized with the resolver here, so consumers of the Parsed
// catalog use the names as-is.
func Parse(c Catalog, resolver naming.Resolver, opts ParseOptions) (*Parsed, error) {
	if opts.RawNamespace == "" {
		opts.RawNamespace = DefaultRawNamespace
	}
	if opts.RawNameFormat == "" {
		opts.RawNameFormat = DefaultRawNameFormat
	}

	p := &Parsed{streams: make(map[StreamIdentity]StreamConfig, len(c.Streams))}
	for i, cs := range c.Streams {
		id := cs.Identity()
		if _, dup := p.streams[id]; dup {
			return nil, fmt.Errorf("parse catalog: streams[%d]: duplicate stream %s", i, id)
		}

		finalNS := cs.Stream.Namespace
		if opts.NamespaceFormat != "" {
			finalNS = expand(opts.NamespaceFormat, cs.Stream.Namespace, "", cs.Stream.Name)
		}
		if finalNS == "" {
			finalNS = opts.DefaultNamespace
		}
		finalNS = resolver.NormalizeNamespace(finalNS)
		finalName := resolver.Identifier(opts.StreamPrefix + cs.Stream.Name)

		rawNS := resolver.NormalizeNamespace(
			expand(opts.RawNamespace, cs.Stream.Namespace, finalNS, cs.Stream.Name))
		rawName := resolver.Identifier(
			expand(opts.RawNameFormat, cs.Stream.Namespace, finalNS, opts.StreamPrefix+cs.Stream.Name))

		p.streams[id] = StreamConfig{
			ID: StreamID{
				OriginalNamespace: cs.Stream.Namespace,
				OriginalName:      cs.Stream.Name,
				RawNamespace:      rawNS,
				RawName:           rawName,
				FinalNamespace:    finalNS,
				FinalName:         finalName,
			},
			SyncMode:    cs.SyncMode,
			PrimaryKey:  cs.PrimaryKey,
			CursorField: cs.CursorField,
		}
		p.order = append(p.order, id)
	}
	return p, nil
}

func expand(format, sourceNS, ns, stream string) string {
	return strings.NewReplacer(
		PlaceholderSourceNamespace, sourceNS,
		PlaceholderNamespace, ns,
		PlaceholderStreamName, stream,
	).Replace(format)
}
