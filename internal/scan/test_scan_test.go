package scan

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctbundle/internal/config"
	"ctbundle/internal/registry"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const iconTest = `
import { expect, test } from "@openremote/test";
import { OrIcon } from "@openremote/or-icon";
import Panel, { OrCollapsiblePanel as Collapsible } from "../src/panel";
import type { Props } from "./types";

test("renders", async ({ mount }) => {
  const props: Props = { icon: "home" };
  const a = await mount(OrIcon, { props });
  await mount(Collapsible);
  await mount(OrIcon);
  expect(a).toBeTruthy();
});
`

func TestExtractComponents(t *testing.T) {
	got, err := ExtractComponents("/repo/test/icon.test.ts", []byte(iconTest))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, registry.NewImportInfo("/repo/test/icon.test.ts", "@openremote/or-icon", "OrIcon"), got[0])
	assert.Equal(t, "../src/panel", got[1].ImportSource)
	assert.Equal(t, "OrCollapsiblePanel", got[1].RemoteName)
}

func TestExtractDefaultImport(t *testing.T) {
	src := `import Foo from "./Foo";
mount(Foo);
mount(notImported);`
	got, err := ExtractComponents("/src/foo.test.js", []byte(src))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "./Foo", got[0].ImportSource)
	assert.Empty(t, got[0].RemoteName)
	assert.Equal(t, "default", got[0].ExportName())
}

func TestExtractNoImports(t *testing.T) {
	got, err := ExtractComponents("/src/x.test.ts", []byte(`mount(Foo)`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractSyntaxError(t *testing.T) {
	_, err := ExtractComponents("/src/bad.test.ts", []byte(`import { from "x"`))
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	patterns := []string{"**/*.test.ts", "*.spec.ts"}
	assert.True(t, Matches("a.test.ts", patterns))
	assert.True(t, Matches("deep/dir/a.test.ts", patterns))
	assert.True(t, Matches("deep/b.spec.ts", patterns), "base-name pattern")
	assert.False(t, Matches("deep/a.ts", patterns))
	assert.False(t, Matches("a.test.js", patterns))
}

func TestDiscoverSkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	keep := writeFile(t, root, "component/or-icon/test/icon.test.ts", "")
	writeFile(t, root, "node_modules/pkg/x.test.ts", "")
	writeFile(t, root, "playwright/.cache/y.test.ts", "")
	writeFile(t, root, "component/or-icon/src/icon.ts", "")

	got, err := Discover(root, config.DefaultTestMatch)
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, got)

	got, err = Discover(filepath.Join(root, "missing"), config.DefaultTestMatch)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]registry.ImportInfo
	hits int
}

func (m *memCache) Get(key string) ([]registry.ImportInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if ok {
		m.hits++
	}
	return v, ok, nil
}

func (m *memCache) Put(key string, v []registry.ImportInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func TestScannerScan(t *testing.T) {
	root := t.TempDir()
	good := writeFile(t, root, "test/icon.test.ts", iconTest)
	writeFile(t, root, "test/broken.test.ts", "import { from")
	writeFile(t, root, "test/plain.test.ts", `import { test } from "x"; test("a", () => {});`)

	cache := &memCache{data: map[string][]registry.ImportInfo{}}
	s := New(WithCache(cache), WithConcurrency(2))
	projects := []config.Project{{TestDir: "test", TestMatch: config.DefaultTestMatch}}

	data, err := s.Scan(context.Background(), root, projects)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Len(t, data[good], 2)

	again, err := s.Scan(context.Background(), root, projects)
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.GreaterOrEqual(t, cache.hits, 1)
}

func TestScannerDiskCache(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.test.ts", iconTest)
	store, err := OpenCache(filepath.Join(root, ".cache"))
	require.NoError(t, err)

	projects := []config.Project{{TestDir: ".", TestMatch: config.DefaultTestMatch}}
	first, err := New(WithCache(store)).Scan(context.Background(), root, projects)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	second, err := New(WithCache(store)).Scan(context.Background(), root, projects)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScannerCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.test.ts", iconTest)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Scan(ctx, root, []config.Project{{TestDir: ".", TestMatch: config.DefaultTestMatch}})
	assert.ErrorIs(t, err, context.Canceled)
}
