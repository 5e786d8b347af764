package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"ctbundle/internal/layout"
)

const (
	DefaultOutFile = "bundle.js"

	// DefineRegisterSource and DefineComponents are the build-time constants
	// the runtime registry reads to initialize itself.
	DefineRegisterSource = "__REGISTER_SOURCE__"
	DefineComponents     = "__COMPONENTS__"
)

// DefaultExtensions are tried, in order, for extensionless imports.
var DefaultExtensions = []string{".js", ".jsx", ".ts", ".tsx"}

// Config is the generated bundler configuration.
type Config struct {
	// Entry is the synthesized entry file in OutDir. Its relative imports
	// resolve from TemplateDir.
	Entry       string
	TemplateDir string
	OutDir      string
	OutFile     string
	SourceMap   bool

	// StaticDir is served next to the build output.
	StaticDir string
	Endpoint  layout.Endpoint
	Hot       bool

	Rules      []Rule
	Define     map[string]string
	Extensions []string
	External   []string
	// Loaders maps extensions to esbuild loader names, applied after Rules.
	Loaders map[string]string
}

// OutPath is the absolute path of the bundled script.
func (c *Config) OutPath() string {
	return filepath.Join(c.OutDir, c.OutFile)
}

// BuildOptions maps the configuration onto esbuild options.
func (c *Config) BuildOptions() (api.BuildOptions, error) {
	loaders := map[string]api.Loader{}
	var raw []Rule
	for _, rule := range c.Rules {
		if rule.Kind == KindSource {
			raw = append(raw, rule)
			continue
		}
		for _, ext := range rule.Extensions {
			ext = normalizeExt(ext)
			loaders[ext] = loaderForKind(rule.Kind, ext)
		}
	}
	for ext, name := range c.Loaders {
		loader, ok := ParseLoader(name)
		if !ok {
			return api.BuildOptions{}, fmt.Errorf("bundle: unknown loader %q for %s", name, ext)
		}
		loaders[normalizeExt(ext)] = loader
	}

	assetNames := "[name]-[hash]"
	for _, rule := range c.Rules {
		if rule.Kind == KindAsset && rule.Filename != "" {
			assetNames = rule.Filename
			break
		}
	}

	sourcemap := api.SourceMapNone
	if c.SourceMap {
		sourcemap = api.SourceMapLinked
	}

	return api.BuildOptions{
		EntryPoints:       []string{c.Entry},
		Outfile:           c.OutPath(),
		Bundle:            true,
		Write:             true,
		Format:            api.FormatESModule,
		Platform:          api.PlatformBrowser,
		Target:            api.ES2020,
		Sourcemap:         sourcemap,
		Loader:            loaders,
		AssetNames:        assetNames,
		PublicPath:        "/",
		ResolveExtensions: c.extensions(),
		Define:            c.Define,
		External:          c.External,
		LogLevel:          api.LogLevelSilent,
		Plugins: []api.Plugin{
			entryPlugin(c.Entry, c.TemplateDir),
			rawSourcePlugin(raw),
		},
	}, nil
}

func (c *Config) extensions() []string {
	if len(c.Extensions) > 0 {
		return c.Extensions
	}
	return DefaultExtensions
}

func loaderForKind(k RuleKind, ext string) api.Loader {
	switch k {
	case KindStylesheet:
		return api.LoaderCSS
	case KindAsset:
		return api.LoaderFile
	case KindScript:
		return loaderForPath(ext)
	}
	return api.LoaderText
}

func loaderForPath(path string) api.Loader {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	}
	return api.LoaderJS
}

var loaderNames = map[string]api.Loader{
	"js":      api.LoaderJS,
	"jsx":     api.LoaderJSX,
	"ts":      api.LoaderTS,
	"tsx":     api.LoaderTSX,
	"css":     api.LoaderCSS,
	"json":    api.LoaderJSON,
	"text":    api.LoaderText,
	"base64":  api.LoaderBase64,
	"dataurl": api.LoaderDataURL,
	"file":    api.LoaderFile,
	"binary":  api.LoaderBinary,
	"copy":    api.LoaderCopy,
	"empty":   api.LoaderEmpty,
}

// ParseLoader maps an esbuild loader name to its constant.
func ParseLoader(name string) (api.Loader, bool) {
	l, ok := loaderNames[strings.ToLower(strings.TrimSpace(name))]
	return l, ok
}

// entryPlugin loads the synthesized entry from disk but resolves its
// imports from the template directory, where the template entry lives.
func entryPlugin(entry, templateDir string) api.Plugin {
	filter := "^" + regexp.QuoteMeta(entry) + "$"
	return api.Plugin{
		Name: "ct-entry",
		Setup: func(build api.PluginBuild) {
			build.OnLoad(api.OnLoadOptions{Filter: filter},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					raw, err := os.ReadFile(args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}
					contents := string(raw)
					return api.OnLoadResult{
						Contents:   &contents,
						ResolveDir: templateDir,
						Loader:     loaderForPath(args.Path),
					}, nil
				})
		},
	}
}

// rawSourcePlugin inlines files matched by KindSource rules as strings.
func rawSourcePlugin(rules []Rule) api.Plugin {
	exts := map[string]bool{}
	for _, r := range rules {
		for _, ext := range r.Extensions {
			exts[regexp.QuoteMeta(strings.TrimPrefix(normalizeExt(ext), "."))] = true
		}
	}
	keys := make([]string, 0, len(exts))
	for k := range exts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return api.Plugin{
		Name: "ct-raw-source",
		Setup: func(build api.PluginBuild) {
			if len(keys) == 0 {
				return
			}
			build.OnLoad(api.OnLoadOptions{Filter: `\.(` + strings.Join(keys, "|") + `)$`},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					if _, ok := RuleFor(rules, args.Path); !ok {
						return api.OnLoadResult{}, nil
					}
					raw, err := os.ReadFile(args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}
					contents := string(raw)
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderText}, nil
				})
		},
	}
}
