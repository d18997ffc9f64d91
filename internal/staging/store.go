// Package staging uploads flushed batches to a stage and copies them into
// raw tables. The stage here is a local directory tree of JSONL files; the
// copy is delegated to a destination Loader.
package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"stageload/internal/record"
	"stageload/internal/writeplan"
)

// LocalStore keeps stage files under a root directory. Each stream and run
// gets its own directory:
//
//	<root>/<schema>/<tmp table>/<yyyy>/<MM>/<dd>/<HH>/<run id>/<uuid>.jsonl
type LocalStore struct {
	root string
}

// NewLocalStore returns a store rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Root returns the store root.
func (s *LocalStore) Root() string { return s.root }

// Dir returns the stage directory of wc for its run.
func (s *LocalStore) Dir(wc writeplan.WriteConfig) string {
	t := wc.SyncStart.UTC()
	return filepath.Join(
		s.root,
		wc.OutputSchema,
		wc.TmpTableName,
		t.Format("2006"), t.Format("01"), t.Format("02"), t.Format("15"),
		wc.RunID.String(),
	)
}

// Create makes the stage directory of wc.
func (s *LocalStore) Create(_ context.Context, wc writeplan.WriteConfig) error {
	if err := os.MkdirAll(s.Dir(wc), 0o755); err != nil {
		return fmt.Errorf("create stage %s: %w", wc.Identity(), err)
	}
	return nil
}

// Upload writes rows to a new stage file and returns its path.
func (s *LocalStore) Upload(ctx context.Context, wc writeplan.WriteConfig, rows []record.Staged) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.Dir(wc), uuid.NewString()+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open stage file: %w", err)
	}

	bw := bufio.NewWriterSize(f, 1<<20)
	enc := json.NewEncoder(bw)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write stage row %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("flush stage file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close stage file: %w", err)
	}
	return path, nil
}

// Remove deletes one stage file. A missing file is not an error.
func (s *LocalStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stage file: %w", err)
	}
	return nil
}

// Drop deletes the stage directory of wc's run.
func (s *LocalStore) Drop(_ context.Context, wc writeplan.WriteConfig) error {
	if err := os.RemoveAll(s.Dir(wc)); err != nil {
		return fmt.Errorf("drop stage %s: %w", wc.Identity(), err)
	}
	return nil
}

// ReadFile decodes a stage file written by Upload.
func ReadFile(path string) ([]record.Staged, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stage file: %w", err)
	}
	defer f.Close()

	var out []record.Staged
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	for dec.More() {
		var row record.Staged
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode stage row %d: %w", len(out), err)
		}
		out = append(out, row)
	}
	return out, nil
}
