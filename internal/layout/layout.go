package layout

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ctbundle/internal/config"
)

// ComponentDirs is the resolved filesystem layout of one component-test
// setup.
type ComponentDirs struct {
	ConfigDir   string
	OutDir      string
	TemplateDir string
}

// ResolveDirs locates the template directory under configDir. It returns
// nil without an error when the template directory does not exist; that is
// the "no component tests configured" signal.
func ResolveDirs(configDir string, cfg *config.Config) (*ComponentDirs, error) {
	rel := config.DefaultTemplateDir
	if cfg != nil && strings.TrimSpace(cfg.TemplateDir) != "" {
		rel = cfg.TemplateDir
	}
	configDir, err := filepath.Abs(configDir)
	if err != nil {
		return nil, err
	}

	templateDir, err := filepath.EvalSymlinks(filepath.Join(configDir, rel))
	if err != nil {
		return nil, nil
	}
	if fi, err := os.Stat(templateDir); err != nil || !fi.IsDir() {
		return nil, nil
	}

	outDir := filepath.Join(templateDir, ".cache")
	if cfg != nil && strings.TrimSpace(cfg.CacheDir) != "" {
		outDir = cfg.CacheDir
		if !filepath.IsAbs(outDir) {
			outDir = filepath.Join(configDir, outDir)
		}
		outDir = filepath.Clean(outDir)
	}

	return &ComponentDirs{
		ConfigDir:   configDir,
		OutDir:      outDir,
		TemplateDir: templateDir,
	}, nil
}

// EnsureOutDir creates the output directory if needed.
func (d *ComponentDirs) EnsureOutDir() error {
	if err := os.MkdirAll(d.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	return nil
}

// Endpoint is where the dev server listens.
type Endpoint struct {
	HTTPS bool
	Host  string
	Port  int
}

func (e Endpoint) Scheme() string {
	if e.HTTPS {
		return "https"
	}
	return "http"
}

// Addr is the host:port listen address.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL is the base URL without a trailing slash.
func (e Endpoint) URL() string {
	return e.Scheme() + "://" + e.Addr()
}

// ResolveEndpoint derives the dev-server endpoint from configuration. The
// port prefers ctPort, then the base URL's port, then 3100.
func ResolveEndpoint(cfg *config.Config) Endpoint {
	raw := config.DefaultBaseURL
	port := 0
	if cfg != nil {
		if strings.TrimSpace(cfg.BaseURL) != "" {
			raw = strings.TrimSpace(cfg.BaseURL)
		}
		port = cfg.Port
	}

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		u, _ = url.Parse(config.DefaultBaseURL)
	}

	if port <= 0 {
		if p, err := strconv.Atoi(u.Port()); err == nil && p > 0 {
			port = p
		}
	}
	if port <= 0 {
		port = config.DefaultPort
	}

	return Endpoint{
		HTTPS: strings.EqualFold(u.Scheme, "https"),
		Host:  u.Hostname(),
		Port:  port,
	}
}
