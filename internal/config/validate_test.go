package config

import (
	"strings"
	"testing"
	"time"
)

// hasIssue reports whether issues contains an Issue with the given severity,
// path, and a Message containing msgSubstr.
func hasIssue(t *testing.T, issues []Issue, sev IssueSeverity, path, msgSubstr string) bool {
	t.Helper()
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, msgSubstr) {
			return true
		}
	}
	return false
}

func validConfig() Config {
	return Config{
		Job:         "orders-sync",
		Destination: Destination{Kind: "postgres", DSN: "postgresql://u@h/db", Options: Options{}},
		Naming:      Naming{Scheme: "current"},
		Runtime: Runtime{
			FlushWorkers:      5,
			OptimalBatchBytes: DefaultOptimalBatchBytes,
			MaxBatchAge:       Duration(DefaultMaxBatchAge),
		},
	}
}

func TestValidate_ValidMinimal(t *testing.T) {
	t.Parallel()

	if issues := Validate(validConfig()); len(issues) != 0 {
		t.Fatalf("expected no issues; got: %+v", issues)
	}
}

func TestValidate_Destination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    Destination
		sev  IssueSeverity
		path string
		msg  string
	}{
		{"missing kind", Destination{DSN: "x"}, SeverityError, "destination.kind", "must not be empty"},
		{"unknown kind", Destination{Kind: "oracle", DSN: "x"}, SeverityError, "destination.kind", `unknown destination kind "oracle"`},
		{"missing dsn", Destination{Kind: "mssql"}, SeverityError, "destination.dsn", "must not be empty"},
		{"negative conns", Destination{Kind: "postgres", DSN: "x", Options: Options{"max_conns": float64(-1)}}, SeverityError, "destination.options.max_conns", "negative"},
		{"sqlite conns", Destination{Kind: "sqlite", DSN: "x", Options: Options{"max_conns": 4}}, SeverityWarning, "destination.options.max_conns", "single connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			cfg.Destination = tt.d
			issues := Validate(cfg)
			if !hasIssue(t, issues, tt.sev, tt.path, tt.msg) {
				t.Fatalf("expected %s at %s containing %q; got %+v", tt.sev, tt.path, tt.msg, issues)
			}
		})
	}
}

func TestValidate_Naming(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Naming = Naming{Scheme: "v3"}
	if !hasIssue(t, Validate(cfg), SeverityError, "naming.scheme", "unknown naming scheme") {
		t.Fatalf("expected naming.scheme error")
	}

	cfg.Naming = Naming{Scheme: "legacy", NamespaceFormat: "${SOURCE_NAMESPACE}_raw", MaxIdentifierLength: 8}
	issues := Validate(cfg)
	if !hasIssue(t, issues, SeverityWarning, "naming.namespace_format", "ignored") {
		t.Fatalf("expected namespace_format warning; got %+v", issues)
	}
	if !hasIssue(t, issues, SeverityWarning, "naming.max_identifier_length", "collisions") {
		t.Fatalf("expected max_identifier_length warning; got %+v", issues)
	}
	if HasErrors(issues) {
		t.Fatalf("warnings only expected; got %+v", issues)
	}
}

func TestValidate_Runtime(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Runtime = Runtime{
		FlushWorkers:      -1,
		MemoryBudgetBytes: 1024,
		OptimalBatchBytes: 4096,
		MaxBatchAge:       Duration(-time.Second),
		TypingIntervals:   []Duration{Duration(time.Minute), Duration(-time.Minute)},
		TypingMinNewRows:  -5,
	}
	issues := Validate(cfg)

	checks := []struct {
		sev  IssueSeverity
		path string
		msg  string
	}{
		{SeverityError, "runtime.flush_workers", "negative"},
		{SeverityWarning, "runtime.optimal_batch_bytes", "exceeds memory_budget_bytes"},
		{SeverityError, "runtime.max_batch_age", "negative"},
		{SeverityError, "runtime.typing_intervals[1]", "negative"},
		{SeverityError, "runtime.typing_min_new_rows", "negative"},
	}
	for _, c := range checks {
		if !hasIssue(t, issues, c.sev, c.path, c.msg) {
			t.Fatalf("expected %s at %s; got %+v", c.sev, c.path, issues)
		}
	}
	if hasIssue(t, issues, SeverityError, "runtime.typing_intervals[0]", "") {
		t.Fatalf("positive interval flagged: %+v", issues)
	}

	cfg.Runtime = Runtime{OptimalBatchBytes: 1, DisableIncrementalTyping: true, TypingMinNewRows: 10}
	if !hasIssue(t, Validate(cfg), SeverityWarning, "runtime.typing_min_new_rows", "ignored") {
		t.Fatalf("expected typing_min_new_rows warning while typing is disabled")
	}

	cfg.Runtime = Runtime{OptimalBatchBytes: 0}
	if !hasIssue(t, Validate(cfg), SeverityError, "runtime.optimal_batch_bytes", "positive size") {
		t.Fatalf("expected optimal_batch_bytes error for zero")
	}
}

func TestValidate_Metrics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		m    Metrics
		path string
	}{
		{Metrics{Backend: "pushgateway"}, "metrics.pushgateway_url"},
		{Metrics{Backend: "datadog"}, "metrics.datadog_addr"},
		{Metrics{Backend: "graphite"}, "metrics.backend"},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Metrics = tt.m
		if !hasIssue(t, Validate(cfg), SeverityWarning, tt.path, "") {
			t.Fatalf("backend %q: expected warning at %s", tt.m.Backend, tt.path)
		}
	}
}

func TestIssue_Error(t *testing.T) {
	t.Parallel()

	iss := Issue{Severity: SeverityError, Path: "destination.dsn", Message: "must not be empty"}
	if got, want := iss.Error(), "error at destination.dsn: must not be empty"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
