// Package destination contains the destination-agnostic contracts and the
// backend registry.
//
// Concrete backends (postgres, sqlite, mssql) live in subpackages and
// register a Factory from init. Callers obtain a Destination via New and stay
// backend-agnostic; importing destination/all enables every built-in backend.
package destination

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"stageload/internal/staging"
	"stageload/internal/typing"
)

// Destination is an opened backend. It loads stage files into raw tables and
// types raw rows into final tables.
type Destination interface {
	staging.Loader
	typing.TyperDeduper
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind     string
	DSN      string
	MaxConns int

	Logger *zap.Logger
	Clock  clock.Clock
}

// Factory opens a Destination for cfg.
type Factory func(ctx context.Context, cfg Config) (Destination, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory of kind. It is typically called
// from a backend package's init function.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// New opens the destination registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Destination, error) {
	regMu.RLock()
	f, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported destination.kind=%s", cfg.Kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return f(ctx, cfg)
}

// Kinds returns the registered kinds, sorted. The slice is a copy.
func Kinds() []string {
	regMu.RLock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	regMu.RUnlock()
	sort.Strings(out)
	return out
}
