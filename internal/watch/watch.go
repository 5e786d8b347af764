// Package watch re-runs dependency population when test files change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ctbundle/internal/config"
	"ctbundle/internal/scan"
)

const DefaultDebounce = 200 * time.Millisecond

type root struct {
	dir      string
	patterns []string
}

type Watcher struct {
	watcher  *fsnotify.Watcher
	roots    []root
	onChange func(context.Context) error
	debounce time.Duration
	logger   *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New watches every project test directory under configDir. onChange runs
// once per burst of test file changes.
func New(configDir string, projects []config.Project, onChange func(context.Context) error, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		watcher:  fw,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, p := range projects {
		dir := p.TestDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(configDir, dir)
		}
		dir = filepath.Clean(dir)
		w.roots = append(w.roots, root{dir: dir, patterns: p.TestMatch})
		if err := w.addTree(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Ready is closed once Run is processing events.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run processes events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	w.readyOnce.Do(func() { close(w.ready) })

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.handle(ev) {
				continue
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if !pending || w.onChange == nil {
				continue
			}
			pending = false
			if err := w.onChange(ctx); err != nil {
				w.logger.Error("dependency refresh failed", "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// handle reports whether ev touches a test file. New directories are added
// to the watch set.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if isNew, _ := isDir(ev.Name); isNew {
			if w.inIgnoredDir(ev.Name) {
				return false
			}
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Debug("watch new directory failed", "dir", ev.Name, "error", err)
			}
			// Files created together with the directory produce no events.
			return true
		}
	}
	return w.isTestFile(ev.Name)
}

func (w *Watcher) isTestFile(path string) bool {
	for _, r := range w.roots {
		rel, err := filepath.Rel(r.dir, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		if ignored(rel) {
			continue
		}
		if scan.Matches(rel, r.patterns) {
			return true
		}
	}
	return false
}

// inIgnoredDir reports whether path lies in an ignored directory of every
// root that contains it.
func (w *Watcher) inIgnoredDir(path string) bool {
	for _, r := range w.roots {
		rel, err := filepath.Rel(r.dir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if rel == "." || !ignored(filepath.ToSlash(rel)) {
			return false
		}
	}
	return true
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != dir && scan.IgnoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", p, err)
		}
		return nil
	})
}

func ignored(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if scan.IgnoredDirs[part] {
			return true
		}
	}
	return false
}

func isDir(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
