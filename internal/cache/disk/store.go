package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Options struct {
	// Root holds the index file and one data file per entry.
	Root       string
	MaxEntries int
	TTL        time.Duration
}

type indexEntry struct {
	File       string    `json:"file"`
	ExpiresAt  time.Time `json:"expires_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Store is a JSON value cache persisted under Root, bounded by entry count
// (least recently used goes first) and per-entry TTL. It survives process
// restarts; the index is rewritten atomically on every mutation.
type Store[V any] struct {
	mu sync.Mutex

	dataDir    string
	indexPath  string
	maxEntries int
	ttl        time.Duration
	entries    map[string]indexEntry
}

func Open[V any](opts Options) (*Store[V], error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("disk cache: root is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	s := &Store[V]{
		dataDir:    filepath.Join(root, "data"),
		indexPath:  filepath.Join(root, "index.json"),
		maxEntries: opts.MaxEntries,
		ttl:        opts.TTL,
		entries:    map[string]indexEntry{},
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	s.pruneLocked(time.Now())
	return s, s.persistLocked()
}

// Get decodes the value stored under key. Expired or vanished entries are
// reported as misses.
func (s *Store[V]) Get(key string) (V, bool, error) {
	var zero V
	if s == nil {
		return zero, false, nil
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return zero, false, nil
	}
	if now.After(ent.ExpiresAt) {
		s.removeLocked(key)
		return zero, false, s.persistLocked()
	}
	raw, err := os.ReadFile(filepath.Join(s.dataDir, ent.File))
	if err != nil {
		if os.IsNotExist(err) {
			s.removeLocked(key)
			return zero, false, s.persistLocked()
		}
		return zero, false, err
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		s.removeLocked(key)
		return zero, false, s.persistLocked()
	}
	ent.AccessedAt = now
	s.entries[key] = ent
	return v, true, s.persistLocked()
}

func (s *Store[V]) Put(key string, value V) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now()
	file := dataFileName(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(filepath.Join(s.dataDir, file), raw, 0o644); err != nil {
		return err
	}
	s.entries[key] = indexEntry{File: file, ExpiresAt: now.Add(s.ttl), AccessedAt: now}
	s.pruneLocked(now)
	return s.persistLocked()
}

func (s *Store[V]) Delete(key string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	s.removeLocked(key)
	return s.persistLocked()
}

func (s *Store[V]) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[V]) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var idx struct {
		Entries map[string]indexEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		// A corrupt index only costs a rescan.
		return nil
	}
	if idx.Entries != nil {
		s.entries = idx.Entries
	}
	return nil
}

func (s *Store[V]) pruneLocked(now time.Time) {
	for key, ent := range s.entries {
		if now.After(ent.ExpiresAt) {
			s.removeLocked(key)
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dataDir, ent.File)); err != nil {
			s.removeLocked(key)
		}
	}
	if len(s.entries) <= s.maxEntries {
		return
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ai, aj := s.entries[keys[i]].AccessedAt, s.entries[keys[j]].AccessedAt
		if ai.Equal(aj) {
			return keys[i] < keys[j]
		}
		return ai.Before(aj)
	})
	for _, k := range keys[:len(keys)-s.maxEntries] {
		s.removeLocked(k)
	}
}

func (s *Store[V]) removeLocked(key string) {
	if ent, ok := s.entries[key]; ok {
		_ = os.Remove(filepath.Join(s.dataDir, ent.File))
	}
	delete(s.entries, key)
}

func (s *Store[V]) persistLocked() error {
	raw, err := json.MarshalIndent(struct {
		Entries map[string]indexEntry `json:"entries"`
	}{s.entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

func dataFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".json"
}
