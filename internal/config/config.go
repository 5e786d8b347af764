package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file base name looked up in the config directory
// (any extension viper understands: .yaml, .yml, .json, .toml).
const FileName = "ct.config"

const (
	DefaultTemplateDir   = "playwright"
	DefaultPort          = 3100
	DefaultBaseURL       = "http://localhost"
	DefaultTeardownGrace = 0 * time.Second
	BaseURLEnv           = "PLAYWRIGHT_TEST_BASE_URL"
)

var DefaultTestMatch = []string{"**/*.test.ts", "**/*.test.js", "**/*.spec.ts"}

type Config struct {
	BaseURL            string        `mapstructure:"baseURL"`
	Port               int           `mapstructure:"ctPort"`
	TemplateDir        string        `mapstructure:"ctTemplateDir"`
	CacheDir           string        `mapstructure:"ctCacheDir"`
	RegisterSourceFile string        `mapstructure:"registerSourceFile"`
	TeardownGrace      time.Duration `mapstructure:"teardownGrace"`
	Hot                bool          `mapstructure:"hot"`
	ScanConcurrency    int           `mapstructure:"scanConcurrency"`
	TLS                TLSConfig     `mapstructure:"https"`
	Projects           []Project     `mapstructure:"projects"`
	Bundle             BundleConfig  `mapstructure:"-"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert"`
	KeyFile  string `mapstructure:"key"`
}

// Project is one test project; its TestDir is scanned for component mounts.
type Project struct {
	Name      string   `mapstructure:"name"`
	TestDir   string   `mapstructure:"testDir"`
	TestMatch []string `mapstructure:"testMatch"`
}

// BundleConfig holds user overrides merged over the generated bundler
// configuration. It is decoded from the config file directly: viper folds
// map keys to lower case and splits them on dots, and define names such as
// process.env.NODE_ENV need both preserved.
type BundleConfig struct {
	Define   map[string]string `yaml:"define"`
	External []string          `yaml:"external"`
	Loader   map[string]string `yaml:"loader"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BaseURL:       DefaultBaseURL,
		TemplateDir:   DefaultTemplateDir,
		TeardownGrace: DefaultTeardownGrace,
		Hot:           true,
		Projects: []Project{{
			Name:      "components",
			TestDir:   ".",
			TestMatch: DefaultTestMatch,
		}},
	}
}

// Load reads <configDir>/.env, then <configDir>/ct.config.*, then CT_*
// environment overrides. A missing config file is not an error.
func Load(configDir string, v *viper.Viper) (*Config, error) {
	if configDir == "" {
		configDir = "."
	}
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	if v == nil {
		v = viper.New()
	}
	v.SetConfigName(FileName)
	v.AddConfigPath(configDir)
	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		bundle, err := readBundle(used)
		if err != nil {
			return nil, err
		}
		cfg.Bundle = bundle
	}
	cfg.normalize(configDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readBundle decodes the bundle section of a YAML or JSON config file.
// Other formats carry no bundle overrides.
func readBundle(path string) (BundleConfig, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return BundleConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return BundleConfig{}, fmt.Errorf("read config: %w", err)
	}
	var doc struct {
		Bundle struct {
			Define   map[string]any    `yaml:"define"`
			External []string          `yaml:"external"`
			Loader   map[string]string `yaml:"loader"`
		} `yaml:"bundle"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return BundleConfig{}, fmt.Errorf("decode bundle config: %w", err)
	}
	out := BundleConfig{External: doc.Bundle.External, Loader: doc.Bundle.Loader}
	if len(doc.Bundle.Define) > 0 {
		out.Define = make(map[string]string, len(doc.Bundle.Define))
		for k, val := range doc.Bundle.Define {
			out.Define[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("baseURL", d.BaseURL)
	v.SetDefault("ctPort", 0)
	v.SetDefault("ctTemplateDir", d.TemplateDir)
	v.SetDefault("ctCacheDir", "")
	v.SetDefault("registerSourceFile", "")
	v.SetDefault("teardownGrace", d.TeardownGrace.String())
	v.SetDefault("hot", d.Hot)
	v.SetDefault("scanConcurrency", 0)
	v.SetDefault("https.cert", "")
	v.SetDefault("https.key", "")
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("baseURL", "CT_BASE_URL")
	_ = v.BindEnv("ctPort", "CT_PORT")
	_ = v.BindEnv("ctTemplateDir", "CT_TEMPLATE_DIR")
	_ = v.BindEnv("ctCacheDir", "CT_CACHE_DIR")
	_ = v.BindEnv("registerSourceFile", "CT_REGISTER_SOURCE_FILE")
	_ = v.BindEnv("teardownGrace", "CT_TEARDOWN_GRACE")
	_ = v.BindEnv("hot", "CT_HOT")
	_ = v.BindEnv("https.cert", "CT_TLS_CERT")
	_ = v.BindEnv("https.key", "CT_TLS_KEY")
}

func (c *Config) normalize(configDir string) {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.TemplateDir = firstNonEmpty(strings.TrimSpace(c.TemplateDir), DefaultTemplateDir)
	if c.RegisterSourceFile != "" && !filepath.IsAbs(c.RegisterSourceFile) {
		c.RegisterSourceFile = filepath.Join(configDir, c.RegisterSourceFile)
	}
	if len(c.Projects) == 0 {
		c.Projects = Default().Projects
	}
	for i := range c.Projects {
		if strings.TrimSpace(c.Projects[i].TestDir) == "" {
			c.Projects[i].TestDir = "."
		}
		if len(c.Projects[i].TestMatch) == 0 {
			c.Projects[i].TestMatch = DefaultTestMatch
		}
	}
}

// Validate reports configuration that can never produce a working bundle.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: ctPort %d out of range", c.Port)
	}
	if c.TeardownGrace < 0 {
		return fmt.Errorf("config: teardownGrace must not be negative")
	}
	if c.ScanConcurrency < 0 {
		return fmt.Errorf("config: scanConcurrency must not be negative")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("config: https.cert and https.key must be set together")
	}
	return nil
}

// TestDirs returns every project test directory resolved against configDir.
func (c *Config) TestDirs(configDir string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range c.Projects {
		dir := p.TestDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(configDir, dir)
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, dir)
	}
	return out
}

// ConfigDirFromEnv returns CT_CONFIG_DIR or the working directory.
func ConfigDirFromEnv() string {
	if dir := strings.TrimSpace(os.Getenv("CT_CONFIG_DIR")); dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
