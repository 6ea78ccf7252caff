package governor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// TempPrefix names every segment file the downloader creates.
const TempPrefix = "segment-"

type tempRegistry struct {
	mu    sync.Mutex
	items map[string]context.Context
}

func newTempRegistry() *tempRegistry {
	return &tempRegistry{items: make(map[string]context.Context)}
}

func (r *tempRegistry) add(owner context.Context, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[path] = owner
}

func (r *tempRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *tempRegistry) release(path string) error {
	r.mu.Lock()
	delete(r.items, path)
	r.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// purgeOrphans removes files whose owner context is done.
func (r *tempRegistry) purgeOrphans(logger *zap.Logger) (int, int64) {
	r.mu.Lock()
	var orphans []string
	for p, owner := range r.items {
		if owner.Err() != nil {
			orphans = append(orphans, p)
			delete(r.items, p)
		}
	}
	r.mu.Unlock()

	var freed int64
	removed := 0
	for _, p := range orphans {
		if fi, err := os.Stat(p); err == nil {
			freed += fi.Size()
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("remove orphaned temp file", zap.String("path", p), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, freed
}

// sweepDir deletes untracked segment files left by an earlier process.
// A missing directory is created.
func (r *tempRegistry) sweepDir(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if _, tracked := r.items[p]; tracked {
			continue
		}
		if err := os.Remove(p); err == nil {
			n++
		}
	}
	return n, nil
}
