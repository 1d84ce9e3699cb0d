package bundler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
)

// metafile is the subset of esbuild's metafile the pipeline reads
type metafile struct {
	Inputs  map[string]metafileInput  `json:"inputs"`
	Outputs map[string]metafileOutput `json:"outputs"`
}

type metafileInput struct {
	Bytes   int              `json:"bytes"`
	Imports []metafileImport `json:"imports"`
}

type metafileImport struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
	Original string `json:"original,omitempty"`
}

type metafileOutput struct {
	Bytes      int              `json:"bytes"`
	Imports    []metafileImport `json:"imports"`
	EntryPoint string           `json:"entryPoint,omitempty"`
}

func parseMetafile(raw string) (*metafile, error) {
	var m metafile
	if err := sonic.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to parse metafile: %w", err)
	}
	return &m, nil
}

// modules lists the virtual files bundled into the artifact
func (m *metafile) modules() []string {
	out := make([]string, 0, len(m.Inputs))
	for input := range m.Inputs {
		out = append(out, stripNamespace(input))
	}
	sort.Strings(out)
	return out
}

// externals lists the CDN URLs the artifact still imports
func (m *metafile) externals() []string {
	seen := make(map[string]struct{})
	for _, output := range m.Outputs {
		for _, imp := range output.Imports {
			if imp.External {
				seen[imp.Path] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func stripNamespace(p string) string {
	return strings.TrimPrefix(p, Namespace+":")
}
