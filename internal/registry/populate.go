package registry

import "sort"

// ScanData is the per-test-file list of component imports produced by the
// scanner. Keys are absolute test file paths.
type ScanData map[string][]ImportInfo

// Resolver maps an import specifier, as seen from importer, to a file on
// disk.
type Resolver interface {
	Resolve(importer, specifier string) (string, bool)
}

// PopulateComponentsFromTests inserts every scanned import into reg. When
// componentsByFile is non-nil it also records, per test file, the resolved
// paths of the components it mounts. Imports that do not resolve are left
// out of that list; they still land in reg.
func PopulateComponentsFromTests(reg *Registry, data ScanData, resolver Resolver, componentsByFile map[string][]string) {
	files := make([]string, 0, len(data))
	for f := range data {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, file := range files {
		imports := data[file]
		for _, info := range imports {
			reg.Set(info)
		}
		if componentsByFile == nil {
			continue
		}
		resolved := make([]string, 0, len(imports))
		for _, info := range imports {
			if resolver == nil {
				break
			}
			if p, ok := resolver.Resolve(info.Filename, info.ImportSource); ok {
				resolved = append(resolved, p)
			}
		}
		componentsByFile[file] = resolved
	}
}
