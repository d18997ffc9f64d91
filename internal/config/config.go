// Package config defines the configuration model of a stageload run. A file
// is decoded from JSON or YAML (chosen by extension), defaults are applied,
// and a few runtime knobs can be overridden from the environment.
//
// Example (trimmed):
//
//	{
//	  "job": "orders-sync",
//	  "destination": { "kind": "postgres", "dsn": "postgresql://...", "options": { "max_conns": 8 } },
//	  "naming":      { "scheme": "current", "raw_namespace": "airbyte_internal" },
//	  "runtime":     { "flush_workers": 5, "max_batch_age": "5m" }
//	}
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultJob               = "stageload"
	DefaultFlushWorkers      = 5
	DefaultOptimalBatchBytes = 200 << 20
	DefaultMaxBatchAge       = 5 * time.Minute
	DefaultNamingScheme      = "current"
	DefaultRawNamespace      = "airbyte_internal"
	DefaultSchema            = "public"
)

// Environment overrides, applied after the file.
const (
	EnvFlushWorkers = "STAGELOAD_FLUSH_WORKERS"
	EnvMemoryBudget = "STAGELOAD_MEMORY_BUDGET"
	EnvBatchBytes   = "STAGELOAD_BATCH_BYTES"
)

// Config is the top-level object of a configuration file.
type Config struct {
	// Job labels logs and metrics.
	Job         string      `json:"job" yaml:"job"`
	Destination Destination `json:"destination" yaml:"destination"`
	Naming      Naming      `json:"naming" yaml:"naming"`
	Runtime     Runtime     `json:"runtime" yaml:"runtime"`
	Metrics     Metrics     `json:"metrics" yaml:"metrics"`
	Logging     Logging     `json:"logging" yaml:"logging"`
}

// Destination selects the backend.
type Destination struct {
	// Kind is a registered backend: postgres, mssql or sqlite.
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
	// Options carries backend knobs such as max_conns.
	Options Options `json:"options" yaml:"options"`
}

// Naming controls how streams map onto raw and final tables.
type Naming struct {
	// Scheme is "current" (pre-parsed catalog) or "legacy".
	Scheme          string `json:"scheme" yaml:"scheme"`
	DefaultSchema   string `json:"default_schema" yaml:"default_schema"`
	RawNamespace    string `json:"raw_namespace" yaml:"raw_namespace"`
	RawNameFormat   string `json:"raw_name_format" yaml:"raw_name_format"`
	NamespaceFormat string `json:"namespace_format" yaml:"namespace_format"`
	StreamPrefix    string `json:"stream_prefix" yaml:"stream_prefix"`
	// MaxIdentifierLength truncates identifiers; 0 keeps them whole.
	MaxIdentifierLength int `json:"max_identifier_length" yaml:"max_identifier_length"`
}

// Runtime tunes buffering, flushing and typing.
type Runtime struct {
	FlushWorkers int `json:"flush_workers" yaml:"flush_workers"`
	// MemoryBudgetBytes of 0 derives the budget from system memory.
	MemoryBudgetBytes int64    `json:"memory_budget_bytes" yaml:"memory_budget_bytes"`
	OptimalBatchBytes int64    `json:"optimal_batch_bytes" yaml:"optimal_batch_bytes"`
	MaxBatchAge       Duration `json:"max_batch_age" yaml:"max_batch_age"`
	// PurgeStagingOnSuccess defaults to true when omitted.
	PurgeStagingOnSuccess *bool  `json:"purge_staging_on_success" yaml:"purge_staging_on_success"`
	StageDir              string `json:"stage_dir" yaml:"stage_dir"`
	// DisableIncrementalTyping defers all typing to close.
	DisableIncrementalTyping bool `json:"disable_incremental_typing" yaml:"disable_incremental_typing"`
	// TypingIntervals overrides the escalating incremental typing schedule.
	TypingIntervals []Duration `json:"typing_intervals" yaml:"typing_intervals"`
	// TypingMinNewRows is the number of raw rows a stream must receive
	// before an incremental typing run.
	TypingMinNewRows int64 `json:"typing_min_new_rows" yaml:"typing_min_new_rows"`
}

// Purge reports whether stages are removed once a stream is finalized.
func (r Runtime) Purge() bool {
	return r.PurgeStagingOnSuccess == nil || *r.PurgeStagingOnSuccess
}

// Metrics selects the metrics backend. Flags take precedence.
type Metrics struct {
	// Backend is pushgateway, datadog or none.
	Backend        string            `json:"backend" yaml:"backend"`
	PushgatewayURL string            `json:"pushgateway_url" yaml:"pushgateway_url"`
	DatadogAddr    string            `json:"datadog_addr" yaml:"datadog_addr"`
	Tags           map[string]string `json:"tags" yaml:"tags"`
}

// Logging configures the zap logger.
type Logging struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Load reads path, decodes it as YAML for .yaml/.yml and JSON otherwise, and
// applies defaults and environment overrides.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(b, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses b in the format implied by ext and applies defaults and
// environment overrides.
func Decode(b []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Job == "" {
		c.Job = DefaultJob
	}
	if c.Naming.Scheme == "" {
		c.Naming.Scheme = DefaultNamingScheme
	}
	if c.Naming.DefaultSchema == "" {
		c.Naming.DefaultSchema = DefaultSchema
	}
	if c.Naming.RawNamespace == "" {
		c.Naming.RawNamespace = DefaultRawNamespace
	}
	if c.Runtime.FlushWorkers == 0 {
		c.Runtime.FlushWorkers = DefaultFlushWorkers
	}
	if c.Runtime.OptimalBatchBytes == 0 {
		c.Runtime.OptimalBatchBytes = DefaultOptimalBatchBytes
	}
	if c.Runtime.MaxBatchAge == 0 {
		c.Runtime.MaxBatchAge = Duration(DefaultMaxBatchAge)
	}
	if c.Destination.Options == nil {
		c.Destination.Options = Options{}
	}
}

func (c *Config) applyEnv() {
	c.Runtime.FlushWorkers = getenvInt(EnvFlushWorkers, c.Runtime.FlushWorkers)
	c.Runtime.MemoryBudgetBytes = int64(getenvInt(EnvMemoryBudget, int(c.Runtime.MemoryBudgetBytes)))
	c.Runtime.OptimalBatchBytes = int64(getenvInt(EnvBatchBytes, int(c.Runtime.OptimalBatchBytes)))
}

// getenvInt reads an int from environment, returning def when unset/invalid.
func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m")
// or a number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "5m" or 300.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML accepts "5m" or 300.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(p)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Options is a small helper to fetch typed values from free-form maps. It
// performs only minimal type coercion and returns the provided default when
// a key is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64
// and YAML integers as int; both are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// UnmarshalJSON makes a missing or null "options" object decode to a
// non-nil, empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
