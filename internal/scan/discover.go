package scan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
)

// IgnoredDirs are never descended into while looking for test files.
var IgnoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".cache":       true,
	"dist":         true,
	"build":        true,
}

// Discover returns every file under root matching one of patterns, sorted.
// Patterns are slash-separated globs relative to root; a pattern without a
// slash is matched against the base name only.
func Discover(root string, patterns []string) ([]string, error) {
	root = filepath.Clean(root)
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if p != root && IgnoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if Matches(filepath.ToSlash(rel), patterns) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Matches reports whether the slash-separated relative path rel matches any
// pattern.
func Matches(rel string, patterns []string) bool {
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "./")
		if pattern == "" {
			continue
		}
		target := rel
		if !strings.Contains(pattern, "/") {
			target = base
		}
		if ok, _ := doublestar.Match(pattern, target); ok {
			return true
		}
		// "**/x" also matches x at the root.
		if rest := strings.TrimPrefix(pattern, "**/"); rest != pattern && !strings.Contains(rel, "/") {
			if ok, _ := doublestar.Match(rest, rel); ok {
				return true
			}
		}
	}
	return false
}
