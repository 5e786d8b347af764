package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	canon, err := filepath.EvalSymlinks(p)
	require.NoError(t, err)
	return canon
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New(16)
	require.NoError(t, err)
	return r
}

func TestResolveRelative(t *testing.T) {
	root := t.TempDir()
	importer := filepath.Join(root, "test", "foo.test.ts")
	foo := write(t, root, "test/Foo.ts", "export default 1")
	idx := write(t, root, "widgets/index.tsx", "")
	ts := write(t, root, "test/bar.ts", "")

	r := newResolver(t)
	got, ok := r.Resolve(importer, "./Foo")
	require.True(t, ok)
	assert.Equal(t, foo, got)

	got, ok = r.Resolve(importer, "../widgets")
	require.True(t, ok)
	assert.Equal(t, idx, got)

	got, ok = r.Resolve(importer, "./bar.js")
	require.True(t, ok, "emitted .js extension maps back to .ts")
	assert.Equal(t, ts, got)

	_, ok = r.Resolve(importer, "./Missing")
	assert.False(t, ok)
}

func TestResolveAbsolute(t *testing.T) {
	root := t.TempDir()
	foo := write(t, root, "src/Foo.ts", "")
	r := newResolver(t)
	got, ok := r.Resolve("/elsewhere/a.test.ts", filepath.Join(root, "src", "Foo"))
	require.True(t, ok)
	assert.Equal(t, foo, got)
}

func TestResolveBarePackage(t *testing.T) {
	root := t.TempDir()
	importer := filepath.Join(root, "component", "or-icon", "test", "or-icon.test.ts")
	write(t, root, "node_modules/@openremote/or-icon/package.json", `{"module":"lib/index.js","main":"dist/index.cjs"}`)
	entry := write(t, root, "node_modules/@openremote/or-icon/lib/index.js", "")

	r := newResolver(t)
	got, ok := r.Resolve(importer, "@openremote/or-icon")
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestResolveBareExports(t *testing.T) {
	root := t.TempDir()
	importer := filepath.Join(root, "a.test.ts")
	write(t, root, "node_modules/lit/package.json", `{"exports":{".":{"types":"./x.d.ts","import":"./index.mjs"},"./decorators.js":{"default":"./decorators.js"}}}`)
	main := write(t, root, "node_modules/lit/index.mjs", "")
	dec := write(t, root, "node_modules/lit/decorators.js", "")

	r := newResolver(t)
	got, ok := r.Resolve(importer, "lit")
	require.True(t, ok)
	assert.Equal(t, main, got)

	got, ok = r.Resolve(importer, "lit/decorators.js")
	require.True(t, ok)
	assert.Equal(t, dec, got)
}

func TestResolveBareStringExportsAndSubpath(t *testing.T) {
	root := t.TempDir()
	importer := filepath.Join(root, "a.test.ts")
	write(t, root, "node_modules/@openremote/or-components/package.json", `{"exports":"./lib/index.js"}`)
	entry := write(t, root, "node_modules/@openremote/or-components/lib/index.js", "")
	panel := write(t, root, "node_modules/@openremote/or-components/or-collapsible-panel.ts", "")

	r := newResolver(t)
	got, ok := r.Resolve(importer, "@openremote/or-components")
	require.True(t, ok)
	assert.Equal(t, entry, got)

	got, ok = r.Resolve(importer, "@openremote/or-components/or-collapsible-panel")
	require.True(t, ok)
	assert.Equal(t, panel, got)

	_, ok = r.Resolve(importer, "not-installed")
	assert.False(t, ok)
}

func TestResolveIsMemoized(t *testing.T) {
	root := t.TempDir()
	importer := filepath.Join(root, "a.test.ts")
	r := newResolver(t)

	_, ok := r.Resolve(importer, "./Late")
	require.False(t, ok)
	write(t, root, "Late.ts", "")

	_, ok = r.Resolve(importer, "./Late")
	assert.False(t, ok, "negative result stays cached")

	r.Purge()
	_, ok = r.Resolve(importer, "./Late")
	assert.True(t, ok)
}

func TestSplitPackage(t *testing.T) {
	cases := map[string][2]string{
		"lit":                  {"lit", ""},
		"lit/decorators.js":    {"lit", "decorators.js"},
		"@scope/pkg":           {"@scope/pkg", ""},
		"@scope/pkg/deep/file": {"@scope/pkg", "deep/file"},
	}
	for in, want := range cases {
		name, sub := splitPackage(in)
		assert.Equal(t, want[0], name, in)
		assert.Equal(t, want[1], sub, in)
	}
}

func TestIsBare(t *testing.T) {
	assert.True(t, IsBare("lit"))
	assert.True(t, IsBare("@openremote/or-icon"))
	assert.False(t, IsBare("./Foo"))
	assert.False(t, IsBare("../Foo"))
	assert.False(t, IsBare("/abs/Foo"))
}
