// Package file opens message inputs from the local disk.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Local opens one file path.
type Local struct{ path string }

// NewLocal returns a Local bound to path.
func NewLocal(path string) *Local { return &Local{path: path} }

// Path returns the bound path.
func (l *Local) Path() string { return l.path }

// Open returns the file for reading. A done ctx fails without touching the
// filesystem. Errors keep os.ErrNotExist and friends visible to errors.Is.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", l.path, err)
	}
	return f, nil
}
