package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

/*
Package-level test helpers
*/

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

/*
Decoding tests
*/

func TestLoad_JSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "run.json", `{
	  "job": "orders-sync",
	  "destination": { "kind": "postgres", "dsn": "postgresql://u@h/db", "options": { "max_conns": 8 } },
	  "naming": { "scheme": "legacy", "default_schema": "analytics", "max_identifier_length": 63 },
	  "runtime": {
	    "flush_workers": 3,
	    "max_batch_age": "90s",
	    "purge_staging_on_success": false,
	    "typing_intervals": ["0s", 60],
	    "typing_min_new_rows": 500
	  },
	  "metrics": { "backend": "datadog", "datadog_addr": "127.0.0.1:8125", "tags": { "env": "prod" } }
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Job != "orders-sync" || cfg.Destination.Kind != "postgres" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := cfg.Destination.Options.Int("max_conns", 0); got != 8 {
		t.Fatalf("max_conns = %d, want 8", got)
	}
	if cfg.Naming.Scheme != "legacy" || cfg.Naming.DefaultSchema != "analytics" {
		t.Fatalf("naming = %+v", cfg.Naming)
	}
	if cfg.Naming.RawNamespace != DefaultRawNamespace {
		t.Fatalf("raw namespace = %q, want default %q", cfg.Naming.RawNamespace, DefaultRawNamespace)
	}
	if cfg.Runtime.FlushWorkers != 3 || cfg.Runtime.MaxBatchAge.Std() != 90*time.Second {
		t.Fatalf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Runtime.Purge() {
		t.Fatalf("Purge() = true, want false when explicitly disabled")
	}
	want := []time.Duration{0, time.Minute}
	if len(cfg.Runtime.TypingIntervals) != 2 ||
		cfg.Runtime.TypingIntervals[0].Std() != want[0] || cfg.Runtime.TypingIntervals[1].Std() != want[1] {
		t.Fatalf("typing intervals = %v, want %v", cfg.Runtime.TypingIntervals, want)
	}
	if cfg.Runtime.TypingMinNewRows != 500 {
		t.Fatalf("typing_min_new_rows = %d, want 500", cfg.Runtime.TypingMinNewRows)
	}
	if cfg.Metrics.Tags["env"] != "prod" {
		t.Fatalf("tags = %v", cfg.Metrics.Tags)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "run.yaml", `
destination:
  kind: sqlite
  dsn: /tmp/dest.db
  options:
    max_conns: 1
naming:
  raw_namespace: staging
runtime:
  max_batch_age: 2m
  optimal_batch_bytes: 1048576
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Destination.Kind != "sqlite" || cfg.Destination.Options.Int("max_conns", 0) != 1 {
		t.Fatalf("destination = %+v", cfg.Destination)
	}
	if cfg.Naming.RawNamespace != "staging" {
		t.Fatalf("raw namespace = %q, want staging", cfg.Naming.RawNamespace)
	}
	if cfg.Runtime.MaxBatchAge.Std() != 2*time.Minute || cfg.Runtime.OptimalBatchBytes != 1<<20 {
		t.Fatalf("runtime = %+v", cfg.Runtime)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Decode([]byte(`{"destination": {"kind": "sqlite", "dsn": "x.db"}}`), ".json")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Job != DefaultJob {
		t.Fatalf("job = %q, want %q", cfg.Job, DefaultJob)
	}
	if cfg.Runtime.FlushWorkers != DefaultFlushWorkers {
		t.Fatalf("flush workers = %d, want %d", cfg.Runtime.FlushWorkers, DefaultFlushWorkers)
	}
	if cfg.Runtime.OptimalBatchBytes != DefaultOptimalBatchBytes {
		t.Fatalf("batch bytes = %d, want %d", cfg.Runtime.OptimalBatchBytes, DefaultOptimalBatchBytes)
	}
	if cfg.Runtime.MaxBatchAge.Std() != DefaultMaxBatchAge {
		t.Fatalf("max batch age = %v, want %v", cfg.Runtime.MaxBatchAge, DefaultMaxBatchAge)
	}
	if !cfg.Runtime.Purge() {
		t.Fatalf("Purge() = false, want true by default")
	}
	if cfg.Naming.Scheme != DefaultNamingScheme || cfg.Naming.DefaultSchema != DefaultSchema {
		t.Fatalf("naming = %+v", cfg.Naming)
	}
	if cfg.Destination.Options == nil {
		t.Fatalf("destination options = nil, want empty map")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("missing file err = %v", err)
	}
	if _, err := Decode([]byte(`{"destnation": {}}`), ".json"); err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if _, err := Decode([]byte(`{"runtime": {"max_batch_age": "soon"}}`), ".json"); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
	if _, err := Decode([]byte("runtime: [1, 2"), ".yml"); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

// Environment tests mutate process state and cannot run in parallel.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvFlushWorkers, "9")
	t.Setenv(EnvMemoryBudget, "1073741824")
	t.Setenv(EnvBatchBytes, "not-a-number")

	cfg, err := Decode([]byte(`{"runtime": {"flush_workers": 2, "optimal_batch_bytes": 4096}}`), ".json")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Runtime.FlushWorkers != 9 {
		t.Fatalf("flush workers = %d, want 9 from env", cfg.Runtime.FlushWorkers)
	}
	if cfg.Runtime.MemoryBudgetBytes != 1<<30 {
		t.Fatalf("memory budget = %d, want 1 GiB from env", cfg.Runtime.MemoryBudgetBytes)
	}
	if cfg.Runtime.OptimalBatchBytes != 4096 {
		t.Fatalf("batch bytes = %d, want file value for invalid env", cfg.Runtime.OptimalBatchBytes)
	}
}

/*
Options helper tests
*/

func TestOptions_Accessors(t *testing.T) {
	t.Parallel()

	o := Options{"s": "x", "b": true, "f": float64(3), "i": 4, "bad": []int{1}}
	if got := o.String("s", "def"); got != "x" {
		t.Fatalf("String = %q, want x", got)
	}
	if got := o.String("f", "def"); got != "def" {
		t.Fatalf("String on number = %q, want def", got)
	}
	if !o.Bool("b", false) || o.Bool("missing", false) {
		t.Fatalf("Bool accessors wrong")
	}
	if o.Int("f", 0) != 3 || o.Int("i", 0) != 4 || o.Int("bad", 7) != 7 {
		t.Fatalf("Int accessors wrong")
	}
}

func TestOptions_UnmarshalNull(t *testing.T) {
	t.Parallel()

	var o Options
	if err := o.UnmarshalJSON([]byte("null")); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if o == nil || len(o) != 0 {
		t.Fatalf("Options = %#v, want empty non-nil map", o)
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	t.Parallel()

	b, err := Duration(90 * time.Second).MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(b) != `"1m30s"` {
		t.Fatalf("MarshalJSON = %s, want \"1m30s\"", b)
	}
}
