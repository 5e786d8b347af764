// Package plugin drives the component bundle through a test run: build and
// serve on Begin, tear down on End, rebuild when test files change.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"ctbundle/internal/bundle"
	"ctbundle/internal/config"
	"ctbundle/internal/devserver"
	"ctbundle/internal/layout"
)

type State int

const (
	Idle State = iota
	Building
	Serving
	// Attached means a server started by someone else is being reused.
	Attached
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Serving:
		return "serving"
	case Attached:
		return "attached"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Published is what the test runner needs to reach the dev server.
type Published struct {
	BaseURL string
}

// Environ renders p as environment entries for a child test process.
func (p Published) Environ() []string {
	if p.BaseURL == "" {
		return nil
	}
	return []string{config.BaseURLEnv + "=" + p.BaseURL}
}

// Bundler produces bundle configurations; *bundle.Builder implements it.
type Bundler interface {
	Build(ctx context.Context, req bundle.Request) (*bundle.Result, error)
}

// DevServer is the running server handle; *devserver.Server implements it.
type DevServer interface {
	Start(ctx context.Context) error
	URL() string
	Reload(ctx context.Context, cfg *bundle.Config) error
	NotifyChanged()
	Stop(ctx context.Context) error
}

type (
	BundlerFactory   func(cfg *config.Config, configDir string) (Bundler, error)
	DevServerFactory func(cfg *bundle.Config, tls config.TLSConfig) (DevServer, error)
)

type Plugin struct {
	mu sync.Mutex

	cfg       *config.Config
	configDir string
	logger    *slog.Logger

	newBundler   BundlerFactory
	newDevServer DevServerFactory

	state            State
	bundler          Bundler
	server           DevServer
	last             *bundle.Result
	published        Published
	componentsByFile map[string][]string
	stopTimer        *time.Timer
	stopGen          int
}

type Option func(*Plugin)

func WithBundlerFactory(f BundlerFactory) Option {
	return func(p *Plugin) { p.newBundler = f }
}

func WithDevServerFactory(f DevServerFactory) Option {
	return func(p *Plugin) { p.newDevServer = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Plugin) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(opts ...Option) *Plugin {
	p := &Plugin{logger: slog.Default()}
	p.newBundler = func(cfg *config.Config, configDir string) (Bundler, error) {
		return bundle.NewBuilder(cfg, configDir, bundle.WithLogger(p.logger))
	}
	p.newDevServer = func(cfg *bundle.Config, files config.TLSConfig) (DevServer, error) {
		return devserver.New(cfg, devserver.WithTLS(files), devserver.WithLogger(p.logger))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Setup records the configuration. It has no side effects.
func (p *Plugin) Setup(cfg *config.Config, configDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg == nil {
		cfg = config.Default()
	}
	p.cfg = cfg
	p.configDir = configDir
	p.bundler = nil
}

func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Published returns the endpoint published by the last Begin, or the
// zero value when nothing is being served.
func (p *Plugin) Published() Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Begin builds the bundle and starts serving it. It is a no-op while a
// server is already serving or attached; a pending delayed stop is
// cancelled so the server is reused.
func (p *Plugin) Begin(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelStopLocked()
	if p.state == Serving || p.state == Attached {
		return nil
	}

	b, err := p.bundlerLocked()
	if err != nil {
		return err
	}
	p.state = Building
	res, err := b.Build(ctx, bundle.Request{})
	if err != nil {
		p.state = Idle
		return fmt.Errorf("build component bundle: %w", err)
	}
	if res == nil {
		p.state = Idle
		return nil
	}
	p.last = res
	p.componentsByFile = res.ComponentsByFile
	if res.Reused {
		p.published = Published{BaseURL: res.URL}
		p.state = Attached
		return nil
	}

	srv, err := p.newDevServer(res.Config, p.cfg.TLS)
	if err != nil {
		p.state = Idle
		return fmt.Errorf("create dev server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		p.state = Idle
		_ = srv.Stop(context.Background())
		return fmt.Errorf("start dev server: %w", err)
	}
	p.server = srv
	p.published = Published{BaseURL: srv.URL()}
	p.state = Serving
	p.logger.Info("component bundle served", "url", p.published.BaseURL, "components", res.Registry.Len())
	return nil
}

// End stops the server after the configured grace period, or right away
// when the grace period is zero. An attached external server is left
// running.
func (p *Plugin) End(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Attached:
		p.published = Published{}
		p.state = Idle
		return nil
	case Serving:
	default:
		return nil
	}

	grace := p.cfg.TeardownGrace
	if grace <= 0 {
		return p.stopLocked(ctx)
	}
	if p.stopTimer == nil {
		gen := p.stopGen
		p.logger.Debug("dev server stop scheduled", "grace", grace)
		p.stopTimer = time.AfterFunc(grace, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.stopGen != gen || p.stopTimer == nil {
				return
			}
			p.stopTimer = nil
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.stopLocked(ctx); err != nil {
				p.logger.Error("delayed dev server stop failed", "error", err)
			}
		})
	}
	return nil
}

// Close stops the server immediately, ignoring the grace period.
func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelStopLocked()
	if p.state == Attached {
		p.published = Published{}
		p.state = Idle
		return nil
	}
	return p.stopLocked(ctx)
}

// PopulateDependencies rebuilds the component set. When serving and the
// set of components changed, the server is reloaded and browsers are told
// to refresh.
func (p *Plugin) PopulateDependencies(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.bundlerLocked()
	if err != nil {
		return err
	}
	res, err := b.Build(ctx, bundle.Request{SkipProbe: p.state == Serving})
	if err != nil {
		return fmt.Errorf("rebuild component bundle: %w", err)
	}
	if res == nil || res.Reused {
		return nil
	}
	p.componentsByFile = res.ComponentsByFile

	prev := p.last
	p.last = res
	if p.state != Serving || p.server == nil {
		return nil
	}
	if prev != nil && prev.Registry.SameKeys(res.Registry) {
		return nil
	}
	if err := p.server.Reload(ctx, res.Config); err != nil {
		return fmt.Errorf("reload dev server: %w", err)
	}
	p.server.NotifyChanged()
	p.logger.Info("component set changed", "components", res.Registry.Len())
	return nil
}

// ClearCache removes the output directory. A missing directory is fine.
func (p *Plugin) ClearCache(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg == nil {
		return errors.New("plugin: Setup was not called")
	}
	dirs, err := layout.ResolveDirs(p.configDir, p.cfg)
	if err != nil {
		return err
	}
	if dirs == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(dirs.OutDir); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	p.logger.Debug("cache cleared", "dir", dirs.OutDir)
	return nil
}

// DevServer returns the running server, or nil.
func (p *Plugin) DevServer() DevServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}

// ComponentsByFile returns, per test file, the component files it mounts,
// as of the last build.
func (p *Plugin) ComponentsByFile() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]string, len(p.componentsByFile))
	for k, v := range p.componentsByFile {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (p *Plugin) bundlerLocked() (Bundler, error) {
	if p.cfg == nil {
		return nil, errors.New("plugin: Setup was not called")
	}
	if p.bundler == nil {
		b, err := p.newBundler(p.cfg, p.configDir)
		if err != nil {
			return nil, err
		}
		p.bundler = b
	}
	return p.bundler, nil
}

func (p *Plugin) cancelStopLocked() {
	p.stopGen++
	if p.stopTimer != nil {
		p.stopTimer.Stop()
		p.stopTimer = nil
	}
}

func (p *Plugin) stopLocked(ctx context.Context) error {
	p.cancelStopLocked()
	srv := p.server
	p.server = nil
	p.published = Published{}
	if p.state == Serving {
		p.state = Idle
	}
	if srv == nil {
		return nil
	}
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("stop dev server: %w", err)
	}
	return nil
}
