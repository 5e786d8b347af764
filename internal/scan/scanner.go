package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ctbundle/internal/cache/disk"
	"ctbundle/internal/config"
	"ctbundle/internal/registry"
)

// Cache stores extraction results keyed by file identity.
type Cache interface {
	Get(key string) ([]registry.ImportInfo, bool, error)
	Put(key string, value []registry.ImportInfo) error
}

type Scanner struct {
	cache       Cache
	concurrency int
	logger      *slog.Logger
}

type Option func(*Scanner)

func WithCache(c Cache) Option {
	return func(s *Scanner) { s.cache = c }
}

func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(opts ...Option) *Scanner {
	s := &Scanner{
		concurrency: runtime.NumCPU(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenCache opens the on-disk scan cache under <outDir>/scan.
func OpenCache(outDir string) (*disk.Store[[]registry.ImportInfo], error) {
	return disk.Open[[]registry.ImportInfo](disk.Options{
		Root:       filepath.Join(outDir, "scan"),
		MaxEntries: 4096,
		TTL:        7 * 24 * time.Hour,
	})
}

// Scan discovers the test files of every project and extracts their
// component mounts. Files without mounts are omitted from the result; a
// file that fails to parse is logged and skipped.
func (s *Scanner) Scan(ctx context.Context, configDir string, projects []config.Project) (registry.ScanData, error) {
	var files []string
	seen := map[string]bool{}
	for _, p := range projects {
		dir := p.TestDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(configDir, dir)
		}
		found, err := Discover(dir, p.TestMatch)
		if err != nil {
			return nil, fmt.Errorf("discover tests in %s: %w", dir, err)
		}
		for _, f := range found {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}

	out := registry.ScanData{}
	if len(files) == 0 {
		return out, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(s.concurrency))
	)
	for _, file := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			defer sem.Release(1)

			imports, err := s.scanFile(file)
			if err != nil {
				s.logger.Warn("skipping test file", "file", file, "error", err)
				return
			}
			if len(imports) == 0 {
				return
			}
			mu.Lock()
			out[file] = imports
			mu.Unlock()
		}(file)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("scanned test files", "files", len(files), "with_mounts", len(out))
	return out, nil
}

func (s *Scanner) scanFile(file string) ([]registry.ImportInfo, error) {
	fi, err := os.Stat(file)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%d", file, fi.Size(), fi.ModTime().UnixNano())
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(key); err == nil && ok {
			return cached, nil
		}
	}

	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	imports, err := ExtractComponents(file, src)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Put(key, imports); err != nil {
			s.logger.Debug("scan cache write failed", "file", file, "error", err)
		}
	}
	return imports, nil
}
