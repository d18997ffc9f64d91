// Package datasource opens the message stream of a run: stdin, a local file
// or an HTTP(S) URL. Inputs whose name ends in .gz are decompressed.
package datasource

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"stageload/internal/datasource/file"
	"stageload/internal/datasource/httpds"
)

// Source opens a byte stream.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Stdin serves an already open reader, normally os.Stdin. Close is a no-op.
type Stdin struct{ R io.Reader }

// Open implements Source.
func (s Stdin) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(s.R), nil
}

// Resolve picks the Source for input: "-" is stdin, http:// and https:// are
// fetched with client, anything else is a local path.
func Resolve(input string, stdin io.Reader, client *httpds.Client) Source {
	switch {
	case input == "" || input == "-":
		return Stdin{R: stdin}
	case strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://"):
		return httpds.NewSource(client, input)
	default:
		return file.NewLocal(input)
	}
}

// Open resolves and opens input.
func Open(ctx context.Context, input string, stdin io.Reader, client *httpds.Client) (io.ReadCloser, error) {
	rc, err := Resolve(input, stdin, client).Open(ctx)
	if err != nil {
		return nil, err
	}
	if !compressed(input) {
		return rc, nil
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("gunzip %s: %w", input, err)
	}
	return &gzipReadCloser{Reader: zr, src: rc}, nil
}

func compressed(input string) bool {
	if i := strings.IndexAny(input, "?#"); i >= 0 && strings.Contains(input, "://") {
		input = input[:i]
	}
	return strings.HasSuffix(strings.ToLower(input), ".gz")
}

type gzipReadCloser struct {
	*gzip.Reader
	src io.Closer
}

func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	if err := g.src.Close(); err != nil {
		return err
	}
	return zerr
}
