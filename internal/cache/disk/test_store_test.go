package disk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type payload struct {
	Names []string `json:"names"`
}

func TestStoreRoundTrip(t *testing.T) {
	s, err := Open[payload](Options{Root: t.TempDir(), MaxEntries: 4, TTL: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put("a", payload{Names: []string{"OrIcon"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get("a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got.Names) != 1 || got.Names[0] != "OrIcon" {
		t.Fatalf("got %+v", got)
	}
	if _, ok, _ := s.Get("missing"); ok {
		t.Fatalf("expected miss")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	s, err := Open[payload](Options{Root: t.TempDir(), MaxEntries: 4, TTL: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put("k", payload{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, err := s.Get("k"); err != nil {
		t.Fatalf("get: %v", err)
	} else if ok {
		t.Fatalf("expected miss after ttl expiry")
	}
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := Open[payload](Options{Root: t.TempDir(), MaxEntries: 2, TTL: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Put("a", payload{})
	time.Sleep(2 * time.Millisecond)
	_ = s.Put("b", payload{})
	time.Sleep(2 * time.Millisecond)
	if _, ok, _ := s.Get("a"); !ok {
		t.Fatalf("touch a failed")
	}
	time.Sleep(2 * time.Millisecond)
	_ = s.Put("c", payload{})

	if _, ok, _ := s.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok, _ := s.Get(k); !ok {
			t.Fatalf("expected %s to remain", k)
		}
	}
}

func TestStoreRestoresFromIndex(t *testing.T) {
	root := t.TempDir()
	s, err := Open[payload](Options{Root: root, MaxEntries: 10, TTL: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put("persist", payload{Names: []string{"x"}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	s2, err := Open[payload](Options{Root: root, MaxEntries: 10, TTL: time.Minute})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, ok, err := s2.Get("persist"); err != nil || !ok || got.Names[0] != "x" {
		t.Fatalf("restore: got=%+v ok=%v err=%v", got, ok, err)
	}
}

func TestStoreSurvivesCorruptIndexAndData(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Open[payload](Options{Root: root, MaxEntries: 10, TTL: time.Minute})
	if err != nil {
		t.Fatalf("open with corrupt index: %v", err)
	}
	if err := s.Put("k", payload{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "data", dataFileName("k")), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt data: %v", err)
	}
	if _, ok, err := s.Get("k"); err != nil || ok {
		t.Fatalf("expected clean miss on corrupt data: ok=%v err=%v", ok, err)
	}
	if s.Len() != 0 {
		t.Fatalf("corrupt entry should be dropped")
	}
}
