package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"ctbundle/internal/config"
	"ctbundle/internal/layout"
	"ctbundle/internal/registry"
	"ctbundle/internal/resolve"
	"ctbundle/internal/scan"
	"ctbundle/internal/transform"
)

var ErrRegisterSourceMissing = errors.New("register source file missing")

// Request tunes a single Build call.
type Request struct {
	// SkipProbe builds even if something already answers at the endpoint,
	// e.g. when that something is our own dev server.
	SkipProbe bool
}

type Result struct {
	// Config is nil when an existing server is reused.
	Config   *Config
	Registry *registry.Registry
	Dirs     *layout.ComponentDirs
	Endpoint layout.Endpoint
	// Reused is set when a server already answered at Endpoint; URL is its
	// base URL.
	Reused bool
	URL    string
	// ComponentsByFile maps each test file to the resolved paths of the
	// components it mounts.
	ComponentsByFile map[string][]string
}

type Builder struct {
	cfg       *config.Config
	configDir string
	resolver  *resolve.Resolver
	probe     func(ctx context.Context, url string) bool
	logger    *slog.Logger
}

type Option func(*Builder)

// WithProbe replaces the HTTP reachability check.
func WithProbe(probe func(ctx context.Context, url string) bool) Option {
	return func(b *Builder) { b.probe = probe }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBuilder(cfg *config.Config, configDir string, opts ...Option) (*Builder, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	resolver, err := resolve.New(0)
	if err != nil {
		return nil, err
	}
	b := &Builder{
		cfg:       cfg,
		configDir: configDir,
		resolver:  resolver,
		probe:     IsURLAvailable,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Builder) Resolver() *resolve.Resolver { return b.resolver }

// Build produces the bundler configuration. It returns nil without an
// error when there is no template directory, and a Reused result when a
// server already answers at the configured endpoint.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	endpoint := layout.ResolveEndpoint(b.cfg)
	if !req.SkipProbe && b.probe != nil && b.probe(ctx, endpoint.URL()) {
		b.logger.Info("dev server already running, reusing it", "url", endpoint.URL())
		return &Result{Endpoint: endpoint, Reused: true, URL: endpoint.URL()}, nil
	}

	dirs, err := layout.ResolveDirs(b.configDir, b.cfg)
	if err != nil {
		return nil, err
	}
	if dirs == nil {
		b.logger.Warn("template directory not found, skipping component bundle",
			"config_dir", b.configDir, "template_dir", b.cfg.TemplateDir)
		return nil, nil
	}
	if err := dirs.EnsureOutDir(); err != nil {
		return nil, err
	}

	reg, byFile, err := b.collect(ctx, dirs)
	if err != nil {
		return nil, err
	}

	registerSource, err := b.readRegisterSource()
	if err != nil {
		return nil, err
	}

	entry, err := b.writeEntry(dirs, registerSource, reg)
	if err != nil {
		return nil, err
	}

	components, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}
	quoted, err := json.Marshal(registerSource)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Entry:       entry,
		TemplateDir: dirs.TemplateDir,
		OutDir:      dirs.OutDir,
		OutFile:     DefaultOutFile,
		SourceMap:   true,
		StaticDir:   dirs.TemplateDir,
		Endpoint:    endpoint,
		Hot:         b.cfg.Hot,
		Rules:       StandardModuleRules(),
		Define: map[string]string{
			DefineRegisterSource: string(quoted),
			DefineComponents:     string(components),
		},
		Extensions: DefaultExtensions,
	}
	b.mergeUserConfig(cfg)

	b.logger.Debug("bundle configured", "entry", entry, "components", reg.Len())
	return &Result{
		Config:           cfg,
		Registry:         reg,
		Dirs:             dirs,
		Endpoint:         endpoint,
		ComponentsByFile: byFile,
	}, nil
}

// Scan collects the component registry without building anything.
func (b *Builder) Scan(ctx context.Context) (*registry.Registry, map[string][]string, error) {
	dirs, err := layout.ResolveDirs(b.configDir, b.cfg)
	if err != nil {
		return nil, nil, err
	}
	return b.collect(ctx, dirs)
}

func (b *Builder) collect(ctx context.Context, dirs *layout.ComponentDirs) (*registry.Registry, map[string][]string, error) {
	b.resolver.Purge()

	opts := []scan.Option{scan.WithLogger(b.logger), scan.WithConcurrency(b.cfg.ScanConcurrency)}
	if dirs != nil {
		if store, err := scan.OpenCache(dirs.OutDir); err == nil {
			opts = append(opts, scan.WithCache(store))
		} else {
			b.logger.Debug("scan cache unavailable", "error", err)
		}
	}

	data, err := scan.New(opts...).Scan(ctx, b.configDir, b.cfg.Projects)
	if err != nil {
		return nil, nil, fmt.Errorf("scan tests: %w", err)
	}
	reg := registry.New()
	byFile := map[string][]string{}
	registry.PopulateComponentsFromTests(reg, data, b.resolver, byFile)
	return reg, byFile, nil
}

func (b *Builder) readRegisterSource() (string, error) {
	path := strings.TrimSpace(b.cfg.RegisterSourceFile)
	if path == "" {
		return "", fmt.Errorf("%w: registerSourceFile is not configured", ErrRegisterSourceMissing)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrRegisterSourceMissing, path)
		}
		return "", fmt.Errorf("read register source: %w", err)
	}
	return string(raw), nil
}

// writeEntry transforms the template entry and writes it to outDir,
// keeping the template's extension. The file is left untouched when its
// content did not change.
func (b *Builder) writeEntry(dirs *layout.ComponentDirs, registerSource string, reg *registry.Registry) (string, error) {
	name := transform.EntryNames[0]
	var content []byte
	for _, candidate := range transform.EntryNames {
		raw, err := os.ReadFile(filepath.Join(dirs.TemplateDir, candidate))
		if err == nil {
			name, content = candidate, raw
			break
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read template entry: %w", err)
		}
	}

	src := filepath.Join(dirs.TemplateDir, name)
	res, err := transform.TransformIndexFile(src, string(content), dirs.TemplateDir, registerSource, reg, b.resolver)
	if err != nil {
		return "", err
	}
	code := []byte(res.Code)

	out := filepath.Join(dirs.OutDir, name)
	if existing, err := os.ReadFile(out); err == nil && bytes.Equal(existing, code) {
		return out, nil
	}
	if err := os.WriteFile(out, code, 0o644); err != nil {
		return "", fmt.Errorf("write entry: %w", err)
	}
	return out, nil
}

func (b *Builder) mergeUserConfig(cfg *Config) {
	user := b.cfg.Bundle
	for k, v := range user.Define {
		cfg.Define[k] = v
	}
	cfg.External = append(cfg.External, user.External...)
	if len(user.Loader) > 0 {
		cfg.Loaders = map[string]string{}
		for ext, name := range user.Loader {
			cfg.Loaders[ext] = name
		}
	}
}
