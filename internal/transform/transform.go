// Package transform synthesizes the bundle entry module: the template entry
// followed by the registration bootstrap and one lazy factory per
// registered component.
package transform

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"

	"ctbundle/internal/registry"
	"ctbundle/internal/resolve"
)

// ErrUnresolvedImport is returned when a registered component's relative
// or absolute import does not point at a file.
var ErrUnresolvedImport = errors.New("unresolved component import")

// RegistryGlobal is the runtime object the bootstrap source defines.
const RegistryGlobal = "__pwRegistry"

// EntryNames are the template files that receive the registration code.
var EntryNames = []string{"index.js", "index.ts", "index.jsx", "index.tsx"}

const reactImport = "import React from 'react';\n"

type SourceMap struct {
	Version  int    `json:"version"`
	Mappings string `json:"mappings"`
}

type Result struct {
	Code      string
	SourceMap SourceMap
}

// IsTemplateEntry reports whether path is one of the entry files directly
// inside templateDir.
func IsTemplateEntry(path, templateDir string) bool {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(templateDir) {
		return false
	}
	base := filepath.Base(path)
	for _, name := range EntryNames {
		if base == name {
			return true
		}
	}
	return false
}

// TransformIndexFile returns the rewritten module for path, or nil when
// path needs no rewriting.
func TransformIndexFile(path, content, templateDir, registerSource string, reg *registry.Registry, resolver registry.Resolver) (*Result, error) {
	if !IsTemplateEntry(path, templateDir) {
		if filepath.Ext(path) == ".js" && needsReactImport(content) {
			return newResult(reactImport + content), nil
		}
		return nil, nil
	}

	lines := []string{content, "", registerSource}
	var ids []string
	for _, info := range reg.Values() {
		importPath, err := importPathFor(info, resolver)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("const %s = () => import('%s').then(mod => mod.%s);",
			info.ID, importPath, info.ExportName()))
		ids = append(ids, info.ID)
	}
	lines = append(lines, fmt.Sprintf("%s.initialize({ %s });", RegistryGlobal, strings.Join(ids, ",\n  ")))

	return newResult(strings.Join(lines, "\n")), nil
}

func newResult(code string) *Result {
	return &Result{Code: code, SourceMap: SourceMap{Version: 3}}
}

func importPathFor(info registry.ImportInfo, resolver registry.Resolver) (string, error) {
	if resolver != nil {
		if p, ok := resolver.Resolve(info.Filename, info.ImportSource); ok {
			return filepath.ToSlash(p), nil
		}
	}
	if resolve.IsBare(info.ImportSource) {
		return info.ImportSource, nil
	}
	return "", fmt.Errorf("%w: %q from %s (%s)", ErrUnresolvedImport, info.ImportSource, info.Filename, info.ID)
}

// needsReactImport reports whether the module references React without
// declaring or importing it. Sources that fail to parse are left alone.
func needsReactImport(content string) bool {
	if !strings.Contains(content, "React") {
		return false
	}
	ast, err := js.Parse(parse.NewInputString(content), js.Options{})
	if err != nil {
		return false
	}
	// Import bindings still show up as undeclared in the module scope.
	for _, stmt := range ast.BlockStmt.List {
		imp, ok := stmt.(*js.ImportStmt)
		if !ok {
			continue
		}
		if string(imp.Default) == "React" {
			return false
		}
		for _, alias := range imp.List {
			if string(alias.Binding) == "React" {
				return false
			}
		}
	}
	for _, v := range ast.BlockStmt.Scope.Undeclared {
		if string(v.Data) == "React" {
			return true
		}
	}
	return false
}
