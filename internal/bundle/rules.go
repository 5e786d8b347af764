package bundle

import (
	"path/filepath"
	"regexp"
	"strings"
)

type RuleKind int

const (
	// KindSource inlines the file content as a string.
	KindSource RuleKind = iota
	KindStylesheet
	// KindAsset copies the file into the output directory under a
	// content-addressed name.
	KindAsset
	KindScript
)

func (k RuleKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindStylesheet:
		return "stylesheet"
	case KindAsset:
		return "asset"
	case KindScript:
		return "script"
	}
	return "unknown"
}

// Rule decides how a matching module is loaded into the bundle.
type Rule struct {
	Name       string
	Test       *regexp.Regexp
	Exclude    *regexp.Regexp
	Kind       RuleKind
	Extensions []string
	// Filename is the output name template of KindAsset rules.
	Filename string
}

func (r Rule) Matches(path string) bool {
	p := filepath.ToSlash(path)
	if r.Test == nil || !r.Test.MatchString(p) {
		return false
	}
	return r.Exclude == nil || !r.Exclude.MatchString(p)
}

var rawStylesheets = regexp.MustCompile(`(maplibre|mapbox|@material|gridstack|@mdi).*\.css$`)

// StandardModuleRules covers the stylesheet, asset and script modules the
// component library imports. Third-party UI stylesheets are inlined as
// strings so components can adopt them into their shadow roots.
func StandardModuleRules() []Rule {
	return []Rule{
		{
			Name:       "raw-stylesheets",
			Test:       rawStylesheets,
			Kind:       KindSource,
			Extensions: []string{".css"},
		},
		{
			Name:       "stylesheets",
			Test:       regexp.MustCompile(`\.css$`),
			Exclude:    rawStylesheets,
			Kind:       KindStylesheet,
			Extensions: []string{".css"},
		},
		{
			Name:       "assets",
			Test:       regexp.MustCompile(`\.(png|jpg|ico|gif|svg|eot|ttf|woff|woff2|mp4)$`),
			Kind:       KindAsset,
			Extensions: []string{".png", ".jpg", ".ico", ".gif", ".svg", ".eot", ".ttf", ".woff", ".woff2", ".mp4"},
			Filename:   "images/[hash]",
		},
		{
			Name:       "scripts",
			Test:       regexp.MustCompile(`\.tsx?$`),
			Exclude:    regexp.MustCompile(`node_modules`),
			Kind:       KindScript,
			Extensions: []string{".ts", ".tsx"},
		},
	}
}

// RuleFor returns the first rule matching path.
func RuleFor(rules []Rule, path string) (Rule, bool) {
	for _, r := range rules {
		if r.Matches(path) {
			return r, true
		}
	}
	return Rule{}, false
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
