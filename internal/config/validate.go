package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks the run.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block the run.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "destination.kind").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// knownDestinations are the backends compiled into the binary.
var knownDestinations = map[string]struct{}{
	"postgres": {},
	"mssql":    {},
	"sqlite":   {},
}

// Validate lints a loaded Config. It does not mutate cfg.
func Validate(cfg Config) []Issue {
	var issues []Issue
	issues = append(issues, validateDestination(cfg.Destination)...)
	issues = append(issues, validateNaming(cfg.Naming)...)
	issues = append(issues, validateRuntime(cfg.Runtime)...)
	issues = append(issues, validateMetrics(cfg.Metrics)...)
	return issues
}

func validateDestination(d Destination) []Issue {
	var issues []Issue

	if strings.TrimSpace(d.Kind) == "" {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "destination.kind",
			Message:  "destination.kind must not be empty",
		})
	}
	if _, ok := knownDestinations[d.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "destination.kind",
			Message:  fmt.Sprintf("unknown destination kind %q; expected postgres, mssql or sqlite", d.Kind),
		})
	}
	if strings.TrimSpace(d.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "destination.dsn",
			Message:  "destination.dsn must not be empty",
		})
	}
	if n := d.Options.Int("max_conns", 0); n < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "destination.options.max_conns",
			Message:  "max_conns must not be negative",
		})
	}
	if d.Kind == "sqlite" && d.Options.Int("max_conns", 0) > 1 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "destination.options.max_conns",
			Message:  "sqlite uses a single connection; max_conns is ignored",
		})
	}
	return issues
}

func validateNaming(n Naming) []Issue {
	var issues []Issue

	switch n.Scheme {
	case "", "current", "v2", "legacy", "v1":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "naming.scheme",
			Message:  fmt.Sprintf("unknown naming scheme %q; expected current or legacy", n.Scheme),
		})
	}
	if n.MaxIdentifierLength < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "naming.max_identifier_length",
			Message:  "max_identifier_length must not be negative",
		})
	} else if n.MaxIdentifierLength > 0 && n.MaxIdentifierLength < 16 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "naming.max_identifier_length",
			Message:  fmt.Sprintf("max_identifier_length=%d; short limits make table collisions likely", n.MaxIdentifierLength),
		})
	}
	if (n.Scheme == "legacy" || n.Scheme == "v1") && n.NamespaceFormat != "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "naming.namespace_format",
			Message:  "namespace_format is ignored by the legacy naming scheme",
		})
	}
	return issues
}

func validateRuntime(r Runtime) []Issue {
	var issues []Issue

	if r.FlushWorkers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.flush_workers",
			Message:  "flush_workers must not be negative",
		})
	}
	if r.MemoryBudgetBytes < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.memory_budget_bytes",
			Message:  "memory_budget_bytes must not be negative",
		})
	}
	if r.OptimalBatchBytes <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.optimal_batch_bytes",
			Message:  fmt.Sprintf("optimal_batch_bytes=%d; batches must have a positive size", r.OptimalBatchBytes),
		})
	}
	if r.MemoryBudgetBytes > 0 && r.OptimalBatchBytes > r.MemoryBudgetBytes {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.optimal_batch_bytes",
			Message:  "optimal_batch_bytes exceeds memory_budget_bytes; size-triggered flushes will never fire",
		})
	}
	if r.MaxBatchAge < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.max_batch_age",
			Message:  "max_batch_age must not be negative",
		})
	}
	for i, d := range r.TypingIntervals {
		if d < 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("runtime.typing_intervals[%d]", i),
				Message:  "typing intervals must not be negative",
			})
		}
	}
	if r.TypingMinNewRows < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.typing_min_new_rows",
			Message:  "typing_min_new_rows must not be negative",
		})
	}
	if r.DisableIncrementalTyping && r.TypingMinNewRows > 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.typing_min_new_rows",
			Message:  "typing_min_new_rows is ignored while incremental typing is disabled",
		})
	}
	if r.DisableIncrementalTyping && len(r.TypingIntervals) > 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.typing_intervals",
			Message:  "typing_intervals are ignored while incremental typing is disabled",
		})
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue

	switch m.Backend {
	case "", "none":
	case "pushgateway":
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.pushgateway_url",
				Message:  "pushgateway backend without pushgateway_url; the -pushgateway-url flag or PUSHGATEWAY_URL must supply it",
			})
		}
	case "datadog":
		if strings.TrimSpace(m.DatadogAddr) == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.datadog_addr",
				Message:  "datadog backend without datadog_addr; the -datadog-addr flag or DD_AGENT_HOST must supply it",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q; metrics will be disabled", m.Backend),
		})
	}
	return issues
}
