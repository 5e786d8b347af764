package resolve

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Extensions probed, in order, when a specifier names a file without one.
var Extensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs"}

const defaultCacheSize = 4096

type result struct {
	path string
	ok   bool
}

// Resolver maps module specifiers to files on disk the way a bundler would:
// relative paths with extension probing, then node_modules lookup for bare
// specifiers. Results are memoized.
type Resolver struct {
	cache *lru.Cache[string, result]
}

func New(size int) (*Resolver, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, result](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{cache: cache}, nil
}

// Purge drops every memoized resolution, e.g. after files were added.
func (r *Resolver) Purge() {
	if r != nil && r.cache != nil {
		r.cache.Purge()
	}
}

// Resolve returns the canonical absolute path specifier points at when
// imported from importer.
func (r *Resolver) Resolve(importer, specifier string) (string, bool) {
	specifier = strings.TrimSpace(specifier)
	if specifier == "" {
		return "", false
	}
	dir := filepath.Dir(importer)
	key := dir + "\x00" + specifier
	if r != nil && r.cache != nil {
		if res, ok := r.cache.Get(key); ok {
			return res.path, res.ok
		}
	}

	var p string
	var ok bool
	if IsBare(specifier) {
		p, ok = resolveBare(dir, specifier)
	} else {
		target := filepath.FromSlash(specifier)
		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, target)
		}
		p, ok = resolveFile(target)
	}
	if ok {
		if canon, err := filepath.EvalSymlinks(p); err == nil {
			p = canon
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
	}

	if r != nil && r.cache != nil {
		r.cache.Add(key, result{path: p, ok: ok})
	}
	return p, ok
}

// IsBare reports whether specifier is a package specifier rather than a
// relative or absolute path.
func IsBare(specifier string) bool {
	switch {
	case specifier == "." || specifier == "..":
		return false
	case strings.HasPrefix(specifier, "./"), strings.HasPrefix(specifier, "../"):
		return false
	case strings.HasPrefix(specifier, "/"), filepath.IsAbs(specifier):
		return false
	}
	return true
}

// resolveFile probes p as a file, then with each extension, then as a
// directory.
func resolveFile(p string) (string, bool) {
	if isFile(p) {
		return p, true
	}
	for _, ext := range Extensions {
		if isFile(p + ext) {
			return p + ext, true
		}
	}
	// TypeScript sources imported with the emitted .js extension.
	if ext := filepath.Ext(p); ext == ".js" || ext == ".jsx" || ext == ".mjs" {
		stem := strings.TrimSuffix(p, ext)
		for _, alt := range []string{".ts", ".tsx"} {
			if isFile(stem + alt) {
				return stem + alt, true
			}
		}
	}
	if isDir(p) {
		if entry, ok := packageEntry(p); ok {
			if got, ok := resolveFile(filepath.Join(p, entry)); ok {
				return got, true
			}
		}
		for _, ext := range Extensions {
			idx := filepath.Join(p, "index"+ext)
			if isFile(idx) {
				return idx, true
			}
		}
	}
	return "", false
}

func resolveBare(dir, specifier string) (string, bool) {
	name, sub := splitPackage(specifier)
	for {
		pkgDir := filepath.Join(dir, "node_modules", filepath.FromSlash(name))
		if isDir(pkgDir) {
			if sub != "" {
				if p, ok := exportedSubpath(pkgDir, sub); ok {
					return p, true
				}
				return resolveFile(filepath.Join(pkgDir, filepath.FromSlash(sub)))
			}
			return resolveFile(pkgDir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// splitPackage splits "@scope/pkg/sub/path" into ("@scope/pkg", "sub/path").
func splitPackage(specifier string) (string, string) {
	parts := strings.Split(specifier, "/")
	n := 1
	if strings.HasPrefix(specifier, "@") && len(parts) > 1 {
		n = 2
	}
	if len(parts) <= n {
		return specifier, ""
	}
	return strings.Join(parts[:n], "/"), strings.Join(parts[n:], "/")
}

type packageJSON struct {
	Exports json.RawMessage `json:"exports"`
	Module  string          `json:"module"`
	Main    string          `json:"main"`
}

func readPackageJSON(dir string) (*packageJSON, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, false
	}
	return &pkg, true
}

// packageEntry picks the entry file of a package directory: exports["."],
// then module, then main.
func packageEntry(dir string) (string, bool) {
	pkg, ok := readPackageJSON(dir)
	if !ok {
		return "", false
	}
	if target, ok := exportTarget(pkg.Exports, "."); ok {
		return filepath.FromSlash(target), true
	}
	if pkg.Module != "" {
		return filepath.FromSlash(pkg.Module), true
	}
	if pkg.Main != "" {
		return filepath.FromSlash(pkg.Main), true
	}
	return "", false
}

func exportedSubpath(pkgDir, sub string) (string, bool) {
	pkg, ok := readPackageJSON(pkgDir)
	if !ok {
		return "", false
	}
	target, ok := exportTarget(pkg.Exports, "./"+sub)
	if !ok {
		return "", false
	}
	return resolveFile(filepath.Join(pkgDir, filepath.FromSlash(target)))
}

// exportTarget reads a package.json "exports" value for one subpath. Only
// plain targets and the import/browser/default conditions are understood.
func exportTarget(raw json.RawMessage, subpath string) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if subpath == "." {
			return s, s != ""
		}
		return "", false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	if v, ok := m[subpath]; ok {
		return conditionTarget(v)
	}
	if subpath == "." {
		// Condition map at the top level applies to ".".
		for k := range m {
			if strings.HasPrefix(k, ".") {
				return "", false
			}
		}
		return conditionTarget(raw)
	}
	return "", false
}

func conditionTarget(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	for _, cond := range []string{"import", "browser", "module", "default"} {
		if v, ok := m[cond]; ok {
			if t, ok := conditionTarget(v); ok {
				return t, true
			}
		}
	}
	return "", false
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
