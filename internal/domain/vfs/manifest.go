package vfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Manifest file names, in lookup order
const (
	ManifestName     = "tsingtao.yaml"
	TOMLManifestName = "tsingtao.toml"
)

// Manifest configures a sample directory
//
//	entry: /index.tsx
//	pins:
//	  react: 18.3.1
//	  three: 0.160.0
//
// or, as tsingtao.toml:
//
//	entry = "/index.tsx"
//	[pins]
//	react = "18.3.1"
type Manifest struct {
	Entry string            `yaml:"entry" toml:"entry"`
	Pins  map[string]string `yaml:"pins" toml:"pins"`
}

func isManifest(rel string) bool {
	return rel == ManifestName || rel == TOMLManifestName
}

// FindManifest reads the first manifest present in root
func FindManifest(root string) (*Manifest, error) {
	for _, name := range []string{ManifestName, TOMLManifestName} {
		p := filepath.Join(root, name)
		if _, err := os.Stat(p); err == nil {
			return ReadManifest(p)
		}
	}
	return &Manifest{}, nil
}

// ReadManifest parses the manifest at path, picking the format from its
// extension. A missing file yields an empty manifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if filepath.Ext(path) == ".toml" {
		err = toml.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}
