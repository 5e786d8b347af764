package registry

import (
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// idNamespace scopes name-based component ids so they never collide with
// UUIDs minted for anything else.
var idNamespace = uuid.MustParse("6f1d8a52-3c0e-5b7a-9e41-2d6c0b8f7a13")

// ImportInfo identifies one component reference discovered in a test file.
type ImportInfo struct {
	// ID is a JavaScript identifier derived from the other three fields.
	ID string `json:"id"`
	// Filename is the absolute path of the file holding the reference.
	Filename string `json:"filename"`
	// ImportSource is the module specifier as written in source.
	ImportSource string `json:"importSource"`
	// RemoteName is the exported symbol; empty means the default export.
	RemoteName string `json:"remoteName,omitempty"`
}

// NewImportInfo builds an ImportInfo with its id filled in.
func NewImportInfo(filename, importSource, remoteName string) ImportInfo {
	return ImportInfo{
		ID:           ComponentID(filename, importSource, remoteName),
		Filename:     filename,
		ImportSource: importSource,
		RemoteName:   remoteName,
	}
}

// ExportName returns the symbol the lazy factory extracts from the module.
func (i ImportInfo) ExportName() string {
	if i.RemoteName == "" {
		return "default"
	}
	return i.RemoteName
}

// ComponentID derives a stable identifier for an import. The same
// (filename, importSource, remoteName) triple always yields the same id, so
// repeated scans during a watch session never mint duplicates.
func ComponentID(filename, importSource, remoteName string) string {
	key := filename + "\x00" + importSource + "\x00" + remoteName
	sum := uuid.NewSHA1(idNamespace, []byte(key)).String()[:8]

	name := remoteName
	if name == "" {
		name = strings.TrimSuffix(path.Base(importSource), path.Ext(importSource))
	}
	return "_" + sanitizeIdent(name) + "_" + sum
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '$':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "component"
	}
	return b.String()
}

// Registry maps component ids to their import metadata. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	items map[string]ImportInfo
}

func New() *Registry {
	return &Registry{items: make(map[string]ImportInfo)}
}

func (r *Registry) Set(info ImportInfo) {
	r.mu.Lock()
	r.items[info.ID] = info
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (ImportInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.items[id]
	return info, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// IDs returns every id in lexical order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Values returns every entry ordered by id.
func (r *Registry) Values() []ImportInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ImportInfo, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SameKeys reports whether both registries hold exactly the same id set.
func (r *Registry) SameKeys(other *Registry) bool {
	if r.Len() != other.Len() {
		return false
	}
	if r.Len() == 0 {
		return true
	}
	ids := r.IDs()
	other.mu.RLock()
	defer other.mu.RUnlock()
	for _, id := range ids {
		if _, ok := other.items[id]; !ok {
			return false
		}
	}
	return true
}

// Replace swaps the content of r for a copy of other.
func (r *Registry) Replace(other *Registry) {
	next := make(map[string]ImportInfo, other.Len())
	for _, v := range other.Values() {
		next[v.ID] = v
	}
	r.mu.Lock()
	r.items = next
	r.mu.Unlock()
}

// MarshalJSON renders the registry as an id-ordered array.
func (r *Registry) MarshalJSON() ([]byte, error) {
	vals := r.Values()
	if vals == nil {
		vals = []ImportInfo{}
	}
	return json.Marshal(vals)
}
