// Package catalog models the configured stream catalog handed to the
// destination at the start of a sync: which streams exist, how each one is
// written (sync mode, primary key), and where each one lands once namespace
// mapping and name normalization are applied.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamIdentity identifies a source stream by (namespace, name). It is
// comparable and used as a map key throughout the pipeline.
type StreamIdentity struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// String renders "namespace.name", or just "name" when there is no namespace.
func (s StreamIdentity) String() string {
	if s.Namespace == "" {
		return s.Name
	}
	return s.Namespace + "." + s.Name
}

// SyncMode selects the per-stream write semantics.
type SyncMode string

const (
	SyncModeUnset       SyncMode = ""
	SyncModeAppend      SyncMode = "append"
	SyncModeOverwrite   SyncMode = "overwrite"
	SyncModeAppendDedup SyncMode = "append_dedup"
)

// ParseSyncMode maps a catalog sync mode string onto a SyncMode. The long
// form "append_deduped" is accepted as an alias.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return SyncModeUnset, nil
	case "append":
		return SyncModeAppend, nil
	case "overwrite":
		return SyncModeOverwrite, nil
	case "append_dedup", "append_deduped":
		return SyncModeAppendDedup, nil
	default:
		return SyncModeUnset, fmt.Errorf("unknown sync mode %q", s)
	}
}

// UnmarshalJSON normalizes aliases while decoding.
func (m *SyncMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	mode, err := ParseSyncMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Stream is the source-side description of a stream.
type Stream struct {
	Name       string          `json:"name"`
	Namespace  string          `json:"namespace,omitempty"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ConfiguredStream is one catalog entry: a stream plus how to write it.
type ConfiguredStream struct {
	Stream      Stream     `json:"stream"`
	SyncMode    SyncMode   `json:"destination_sync_mode"`
	PrimaryKey  [][]string `json:"primary_key,omitempty"`
	CursorField []string   `json:"cursor_field,omitempty"`
}

// Identity returns the stream's (namespace, name) pair.
func (c ConfiguredStream) Identity() StreamIdentity {
	return StreamIdentity{Namespace: c.Stream.Namespace, Name: c.Stream.Name}
}

// Catalog is the ordered list of configured streams for one sync.
type Catalog struct {
	Streams []ConfiguredStream `json:"streams"`
}

// Decode reads a JSON catalog.
func Decode(r io.Reader) (Catalog, error) {
	var c Catalog
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	for i, s := range c.Streams {
		if strings.TrimSpace(s.Stream.Name) == "" {
			return Catalog{}, fmt.Errorf("decode catalog: streams[%d]: name must not be empty", i)
		}
	}
	return c, nil
}
