package writeplan

import (
	"errors"
	"fmt"
	"strings"

	"stageload/internal/catalog"
)

// ConfigurationError is a user-facing, non-retriable problem with the
// catalog or destination configuration. It is raised before any data is
// written and names every affected stream.
type ConfigurationError struct {
	Reason  string
	Streams []catalog.StreamIdentity
	Hint    string
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error: ")
	b.WriteString(e.Reason)
	if len(e.Streams) > 0 {
		names := make([]string, len(e.Streams))
		for i, s := range e.Streams {
			names[i] = s.String()
		}
		fmt.Fprintf(&b, " (streams: %s)", strings.Join(names, ", "))
	}
	if e.Hint != "" {
		b.WriteString(". ")
		b.WriteString(e.Hint)
	}
	return b.String()
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
