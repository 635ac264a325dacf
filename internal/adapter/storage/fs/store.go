// Package fs implements the blob store on a local data directory.
//
// Layout: <root>/<runId>/metadata.pb and <root>/<runId>/batch_<s>_<e>.pb.
// Run discovery parses the timestamp prefix of the run-id directory name;
// filesystem mtimes are never consulted.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// Store is a filesystem-backed domain.BlobStore.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=storage.new: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// resolve maps a storage key onto the root, rejecting escapes.
func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", fmt.Errorf("op=storage.resolve: %w: key %q", domain.ErrInvalidArgument, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// WriteMessage writes payload under key atomically (temp file + rename).
func (s *Store) WriteMessage(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("op=storage.write: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("op=storage.write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=storage.write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=storage.write: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("op=storage.write: %w", err)
	}
	return nil
}

// ReadMessage loads the payload under key. Absent keys are an I/O error;
// callers poll when they expect an eventual arrival.
func (s *Store) ReadMessage(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=storage.read: %w: %s", domain.ErrNotFound, key)
		}
		return nil, fmt.Errorf("op=storage.read: %w", err)
	}
	return b, nil
}

// ListRunIDs returns run ids whose id-encoded timestamp is strictly after
// the given time, ascending. Directories that do not parse as run ids are
// ignored. Never blocks.
func (s *Store) ListRunIDs(ctx context.Context, after time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("op=storage.list_runs: %w", err)
	}
	type run struct {
		id string
		ts time.Time
	}
	var runs []run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := domain.ParseRunIDTime(e.Name())
		if err != nil {
			continue
		}
		if ts.After(after) {
			runs = append(runs, run{id: e.Name(), ts: ts})
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].ts.Equal(runs[j].ts) {
			return runs[i].id < runs[j].id
		}
		return runs[i].ts.Before(runs[j].ts)
	})
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.id
	}
	return out, nil
}
