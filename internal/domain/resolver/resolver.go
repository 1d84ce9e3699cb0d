package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// DefaultCDNBase serves npm packages as browser ES modules
const DefaultCDNBase = "https://esm.sh"

// Extensions are probed, in order, for extensionless relative imports
var Extensions = []string{".tsx", ".ts", ".jsx", ".js", ".mjs", ".json", ".css"}

// ModuleKind says where a resolved module lives
type ModuleKind string

const (
	KindLocal ModuleKind = "local"
	KindCDN   ModuleKind = "cdn"
)

// ResolvedModule is the result of resolving one specifier
type ResolvedModule struct {
	Specifier string     `json:"specifier"`
	Path      string     `json:"path"`
	Kind      ModuleKind `json:"kind"`
}

// Config controls CDN URL construction
type Config struct {
	CDNBase string
	// Pins fixes a version for packages imported without one
	Pins map[string]string
	// Query is appended to every CDN URL, e.g. "target=es2020"
	Query string
}

// Resolver maps import specifiers to virtual files or CDN URLs.
// It holds no per-build state and is safe for concurrent use.
type Resolver struct {
	base  string
	pins  map[string]string
	query string
}

// New validates cfg and creates a resolver
func New(cfg Config) (*Resolver, error) {
	base := strings.TrimRight(cfg.CDNBase, "/")
	if base == "" {
		base = DefaultCDNBase
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid CDN base %q", cfg.CDNBase)
	}

	pins := make(map[string]string, len(cfg.Pins))
	for name, version := range cfg.Pins {
		if !versionPattern.MatchString(version) {
			return nil, fmt.Errorf("invalid pinned version %q for %s", version, name)
		}
		pins[name] = version
	}

	return &Resolver{
		base:  base,
		pins:  pins,
		query: strings.TrimPrefix(cfg.Query, "?"),
	}, nil
}

// Base returns the configured CDN base URL
func (r *Resolver) Base() string {
	return r.base
}

// CDNURL builds <base>/<name>@<version>[/<subpath>][?query].
// Unversioned specifiers use the pinned version, else "latest".
func (r *Resolver) CDNURL(b Bare) string {
	version := b.Version
	if version == "" {
		version = r.pins[b.Name]
	}
	if version == "" {
		version = LatestVersion
	}

	var sb strings.Builder
	sb.WriteString(r.base)
	sb.WriteByte('/')
	sb.WriteString(b.Name)
	sb.WriteByte('@')
	sb.WriteString(version)
	if b.Subpath != "" {
		sb.WriteByte('/')
		sb.WriteString(b.Subpath)
	}
	if r.query != "" {
		sb.WriteByte('?')
		sb.WriteString(r.query)
	}
	return sb.String()
}

// Resolve classifies specifier as imported from importer and resolves it
// against files. Relative specifiers that do not exist fail with
// LocalModuleNotFound; malformed bare specifiers fail with ResolutionError.
func (r *Resolver) Resolve(files *vfs.Snapshot, specifier, importer string) (ResolvedModule, error) {
	switch Classify(specifier) {
	case ClassRelative:
		p, ok := resolveLocal(files, specifier, importer)
		if !ok {
			return ResolvedModule{}, types.NewError(types.KindLocalModuleNotFound, importer, specifier, "", nil)
		}
		return ResolvedModule{Specifier: specifier, Path: p, Kind: KindLocal}, nil

	case ClassURL:
		if _, err := url.Parse(specifier); err != nil {
			return ResolvedModule{}, types.NewError(types.KindResolutionError, importer, specifier, "", err)
		}
		return ResolvedModule{Specifier: specifier, Path: specifier, Kind: KindCDN}, nil

	case ClassUnsupported:
		return ResolvedModule{}, types.NewError(types.KindResolutionError, importer, specifier,
			fmt.Sprintf("unsupported specifier scheme in %q", specifier), nil)
	}

	b, err := ParseBare(specifier)
	if err != nil {
		return ResolvedModule{}, types.NewError(types.KindResolutionError, importer, specifier,
			fmt.Sprintf("cannot map %q to a CDN URL", specifier), err)
	}
	return ResolvedModule{Specifier: specifier, Path: r.CDNURL(b), Kind: KindCDN}, nil
}

// ResolveURL resolves a specifier found inside a CDN module at moduleURL.
// Absolute paths and relative paths stay on the module's origin; bare
// specifiers go through CDN rewriting.
func (r *Resolver) ResolveURL(specifier, moduleURL string) (string, error) {
	switch Classify(specifier) {
	case ClassURL:
		return specifier, nil
	case ClassRelative:
		base, err := url.Parse(moduleURL)
		if err != nil {
			return "", types.NewError(types.KindResolutionError, moduleURL, specifier, "", err)
		}
		ref, err := url.Parse(specifier)
		if err != nil {
			return "", types.NewError(types.KindResolutionError, moduleURL, specifier, "", err)
		}
		return base.ResolveReference(ref).String(), nil
	case ClassUnsupported:
		return "", types.NewError(types.KindResolutionError, moduleURL, specifier,
			fmt.Sprintf("unsupported specifier scheme in %q", specifier), nil)
	}

	b, err := ParseBare(specifier)
	if err != nil {
		return "", types.NewError(types.KindResolutionError, moduleURL, specifier, "", err)
	}
	return r.CDNURL(b), nil
}

// resolveLocal probes the exact path, then known extensions, then index files
func resolveLocal(files *vfs.Snapshot, specifier, importer string) (string, bool) {
	var target string
	if strings.HasPrefix(specifier, "/") {
		target = path.Clean(specifier)
	} else {
		dir := "/"
		if importer != "" {
			dir = path.Dir(importer)
		}
		target = path.Join(dir, specifier)
	}

	if files.Has(target) {
		return target, true
	}
	for _, ext := range Extensions {
		if files.Has(target + ext) {
			return target + ext, true
		}
	}
	for _, ext := range Extensions {
		candidate := path.Join(target, "index"+ext)
		if files.Has(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// IsResolutionFailure reports whether err came from resolution rather than compilation
func IsResolutionFailure(err error) bool {
	return errors.Is(err, types.ErrLocalModuleNotFound) || errors.Is(err, types.ErrResolution)
}
