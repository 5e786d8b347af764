package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctbundle/internal/bundle"
	"ctbundle/internal/config"
	"ctbundle/internal/registry"
)

type fakeBundler struct {
	mu       sync.Mutex
	results  []*bundle.Result
	err      error
	requests []bundle.Request
}

func (f *fakeBundler) Build(_ context.Context, req bundle.Request) (*bundle.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return nil, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

type fakeServer struct {
	mu       sync.Mutex
	url      string
	startErr error
	started  int
	stopped  int
	reloads  []*bundle.Config
	notified int
}

func (s *fakeServer) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return s.startErr
}

func (s *fakeServer) URL() string { return s.url }

func (s *fakeServer) Reload(_ context.Context, cfg *bundle.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads = append(s.reloads, cfg)
	return nil
}

func (s *fakeServer) NotifyChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified++
}

func (s *fakeServer) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeServer) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func builtResult(ids ...string) *bundle.Result {
	reg := registry.New()
	for _, id := range ids {
		reg.Set(registry.ImportInfo{ID: id, Filename: "/t/a.test.ts", ImportSource: "./" + id})
	}
	return &bundle.Result{
		Config:           &bundle.Config{OutFile: bundle.DefaultOutFile},
		Registry:         reg,
		ComponentsByFile: map[string][]string{"/t/a.test.ts": {"/src/A.ts"}},
	}
}

func newPlugin(t *testing.T, b *fakeBundler, srv *fakeServer, grace time.Duration) *Plugin {
	t.Helper()
	p := New(
		WithBundlerFactory(func(*config.Config, string) (Bundler, error) { return b, nil }),
		WithDevServerFactory(func(*bundle.Config, config.TLSConfig) (DevServer, error) { return srv, nil }),
	)
	cfg := config.Default()
	cfg.TeardownGrace = grace
	p.Setup(cfg, t.TempDir())
	return p
}

func TestBeginServesAndPublishes(t *testing.T) {
	srv := &fakeServer{url: "http://localhost:3100"}
	p := newPlugin(t, &fakeBundler{results: []*bundle.Result{builtResult("A")}}, srv, 0)

	require.NoError(t, p.Begin(context.Background()))
	assert.Equal(t, Serving, p.State())
	assert.Equal(t, "http://localhost:3100", p.Published().BaseURL)
	assert.Equal(t, []string{"PLAYWRIGHT_TEST_BASE_URL=http://localhost:3100"}, p.Published().Environ())
	assert.Same(t, srv, p.DevServer())
	assert.Equal(t, map[string][]string{"/t/a.test.ts": {"/src/A.ts"}}, p.ComponentsByFile())

	require.NoError(t, p.Begin(context.Background()))
	assert.Equal(t, 1, srv.started, "second Begin does not bind again")

	require.NoError(t, p.End(context.Background()))
	assert.Equal(t, Idle, p.State())
	assert.Equal(t, 1, srv.stops())
	assert.Empty(t, p.Published().BaseURL)
	assert.Nil(t, p.DevServer())

	require.NoError(t, p.End(context.Background()))
	assert.Equal(t, 1, srv.stops(), "End is idempotent")
}

func TestBeginReusesRunningServer(t *testing.T) {
	b := &fakeBundler{results: []*bundle.Result{{Reused: true, URL: "https://example.test:8443"}}}
	srv := &fakeServer{}
	p := newPlugin(t, b, srv, 0)

	require.NoError(t, p.Begin(context.Background()))
	require.NoError(t, p.Begin(context.Background()))
	assert.Equal(t, Attached, p.State())
	assert.Equal(t, "https://example.test:8443", p.Published().BaseURL)
	assert.Equal(t, 0, srv.started)
	assert.Len(t, b.requests, 1)

	require.NoError(t, p.End(context.Background()))
	assert.Equal(t, Idle, p.State())
	assert.Equal(t, 0, srv.stops(), "external server is left alone")
}

func TestBeginWithoutTemplateStaysIdle(t *testing.T) {
	p := newPlugin(t, &fakeBundler{}, &fakeServer{}, 0)
	require.NoError(t, p.Begin(context.Background()))
	assert.Equal(t, Idle, p.State())
	assert.Nil(t, p.Published().Environ())
	require.NoError(t, p.End(context.Background()))
}

func TestBeginErrors(t *testing.T) {
	boom := errors.New("boom")
	p := newPlugin(t, &fakeBundler{err: boom}, &fakeServer{}, 0)
	assert.ErrorIs(t, p.Begin(context.Background()), boom)
	assert.Equal(t, Idle, p.State())

	srv := &fakeServer{startErr: boom}
	p = newPlugin(t, &fakeBundler{results: []*bundle.Result{builtResult("A")}}, srv, 0)
	assert.ErrorIs(t, p.Begin(context.Background()), boom)
	assert.Equal(t, Idle, p.State())
	assert.Nil(t, p.DevServer())
}

func TestBeginRequiresSetup(t *testing.T) {
	assert.Error(t, New().Begin(context.Background()))
}

func TestEndWithGraceDefersStop(t *testing.T) {
	srv := &fakeServer{url: "http://localhost:3100"}
	p := newPlugin(t, &fakeBundler{results: []*bundle.Result{builtResult("A")}}, srv, 50*time.Millisecond)

	require.NoError(t, p.Begin(context.Background()))
	require.NoError(t, p.End(context.Background()))
	assert.Equal(t, Serving, p.State(), "still serving during the grace period")

	require.NoError(t, p.Begin(context.Background()))
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, srv.stops(), "Begin cancels the pending stop")
	assert.Equal(t, 1, srv.started)

	require.NoError(t, p.End(context.Background()))
	require.Eventually(t, func() bool { return srv.stops() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, Idle, p.State())
}

func TestCloseIgnoresGrace(t *testing.T) {
	srv := &fakeServer{}
	p := newPlugin(t, &fakeBundler{results: []*bundle.Result{builtResult("A")}}, srv, time.Hour)
	require.NoError(t, p.Begin(context.Background()))
	require.NoError(t, p.End(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 1, srv.stops())
	assert.Equal(t, Idle, p.State())
}

func TestPopulateDependencies(t *testing.T) {
	b := &fakeBundler{results: []*bundle.Result{builtResult("A"), builtResult("A"), builtResult("A", "B")}}
	srv := &fakeServer{}
	p := newPlugin(t, b, srv, 0)
	require.NoError(t, p.Begin(context.Background()))

	require.NoError(t, p.PopulateDependencies(context.Background()))
	assert.Empty(t, srv.reloads, "same component set")
	assert.Equal(t, 0, srv.notified)

	require.NoError(t, p.PopulateDependencies(context.Background()))
	assert.Len(t, srv.reloads, 1)
	assert.Equal(t, 1, srv.notified)

	require.Len(t, b.requests, 3)
	assert.False(t, b.requests[0].SkipProbe)
	assert.True(t, b.requests[1].SkipProbe, "own server is not mistaken for an external one")
}

func TestPopulateDependenciesWhileIdle(t *testing.T) {
	b := &fakeBundler{results: []*bundle.Result{builtResult("A")}}
	srv := &fakeServer{}
	p := newPlugin(t, b, srv, 0)
	require.NoError(t, p.PopulateDependencies(context.Background()))
	assert.Equal(t, Idle, p.State())
	assert.Equal(t, 0, srv.started)
	assert.Len(t, p.ComponentsByFile(), 1)
}

func TestClearCache(t *testing.T) {
	configDir := t.TempDir()
	outDir := filepath.Join(configDir, "playwright", ".cache")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "bundle.js"), []byte("x"), 0o644))

	p := New()
	p.Setup(config.Default(), configDir)
	require.NoError(t, p.ClearCache(context.Background()))
	_, err := os.Stat(outDir)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, p.ClearCache(context.Background()), "clearing twice is fine")

	noTemplate := New()
	noTemplate.Setup(config.Default(), t.TempDir())
	assert.NoError(t, noTemplate.ClearCache(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "serving", Serving.String())
	assert.Equal(t, "attached", Attached.String())
	assert.Equal(t, "State(9)", State(9).String())
}
