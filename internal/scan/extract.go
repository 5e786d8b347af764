package scan

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"

	"ctbundle/internal/registry"
)

// MountFunc is the name of the test helper whose first argument is the
// component under test.
const MountFunc = "mount"

type binding struct {
	source string
	remote string
}

// ExtractComponents returns one ImportInfo per distinct imported binding
// passed as the first argument of mount(...) in src. TypeScript and JSX
// sources are lowered to plain ES modules first.
func ExtractComponents(filename string, src []byte) ([]registry.ImportInfo, error) {
	code, err := lower(filename, src)
	if err != nil {
		return nil, err
	}
	ast, err := js.Parse(parse.NewInputBytes(code), js.Options{})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	imports := map[string]binding{}
	for _, stmt := range ast.BlockStmt.List {
		imp, ok := stmt.(*js.ImportStmt)
		if !ok {
			continue
		}
		source := unquote(string(imp.Module))
		if len(imp.Default) > 0 {
			imports[string(imp.Default)] = binding{source: source}
		}
		for _, alias := range imp.List {
			if string(alias.Name) == "*" {
				continue
			}
			remote := string(alias.Binding)
			if len(alias.Name) > 0 {
				remote = string(alias.Name)
			}
			if remote == "default" {
				remote = ""
			}
			imports[string(alias.Binding)] = binding{source: source, remote: remote}
		}
	}
	if len(imports) == 0 {
		return nil, nil
	}

	v := &mountVisitor{imports: imports, seen: map[string]bool{}}
	js.Walk(v, &ast.BlockStmt)

	out := make([]registry.ImportInfo, 0, len(v.found))
	for _, b := range v.found {
		out = append(out, registry.NewImportInfo(filename, b.source, b.remote))
	}
	return out, nil
}

type mountVisitor struct {
	imports map[string]binding
	seen    map[string]bool
	found   []binding
}

func (v *mountVisitor) Enter(n js.INode) js.IVisitor {
	call, ok := n.(*js.CallExpr)
	if !ok {
		return v
	}
	callee, ok := call.X.(*js.Var)
	if !ok || string(callee.Data) != MountFunc || len(call.Args.List) == 0 {
		return v
	}
	arg, ok := call.Args.List[0].Value.(*js.Var)
	if !ok {
		return v
	}
	name := string(arg.Data)
	b, ok := v.imports[name]
	if !ok || v.seen[name] {
		return v
	}
	v.seen[name] = true
	v.found = append(v.found, b)
	return v
}

func (v *mountVisitor) Exit(js.INode) {}

func lower(filename string, src []byte) ([]byte, error) {
	loader := api.LoaderJS
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".ts", ".mts", ".cts":
		loader = api.LoaderTS
	case ".tsx":
		loader = api.LoaderTSX
	case ".jsx":
		loader = api.LoaderJSX
	}
	res := api.Transform(string(src), api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatESModule,
		Target:     api.ES2020,
		Sourcefile: filename,
	})
	if len(res.Errors) > 0 {
		msg := res.Errors[0]
		if msg.Location != nil {
			return nil, fmt.Errorf("transform %s:%d: %s", filename, msg.Location.Line, msg.Text)
		}
		return nil, fmt.Errorf("transform %s: %s", filename, msg.Text)
	}
	return res.Code, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}
