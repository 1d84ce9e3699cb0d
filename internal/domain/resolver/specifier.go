package resolver

import (
	"fmt"
	"regexp"
	"strings"
)

// Class is the syntactic category of an import specifier
type Class int

const (
	ClassBare Class = iota
	ClassRelative
	ClassURL
	ClassUnsupported
)

// String returns the string representation of the class
func (c Class) String() string {
	switch c {
	case ClassBare:
		return "bare"
	case ClassRelative:
		return "relative"
	case ClassURL:
		return "url"
	default:
		return "unsupported"
	}
}

// LatestVersion is used when a bare specifier carries no version
const LatestVersion = "latest"

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._~-]*$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9.+\-^~*<>=|]+$`)
	schemePattern  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// serverOnly lists Node built-ins that no CDN can provide for a browser
var serverOnly = map[string]bool{
	"child_process":  true,
	"cluster":        true,
	"dgram":          true,
	"fs":             true,
	"http2":          true,
	"inspector":      true,
	"module":         true,
	"net":            true,
	"repl":           true,
	"tls":            true,
	"v8":             true,
	"worker_threads": true,
}

// Classify returns the class of a specifier without validating it
func Classify(spec string) Class {
	switch {
	case strings.HasPrefix(spec, "./"), strings.HasPrefix(spec, "../"),
		strings.HasPrefix(spec, "/"), spec == ".", spec == "..":
		return ClassRelative
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return ClassURL
	case strings.HasPrefix(spec, "npm:"):
		return ClassBare
	case schemePattern.MatchString(spec):
		return ClassUnsupported
	}
	return ClassBare
}

// Bare is a parsed external package specifier
type Bare struct {
	Name    string
	Version string
	Subpath string
}

// String renders the specifier back in name[@version][/subpath] form
func (b Bare) String() string {
	s := b.Name
	if b.Version != "" {
		s += "@" + b.Version
	}
	if b.Subpath != "" {
		s += "/" + b.Subpath
	}
	return s
}

// ParseBare splits a bare specifier into package name, optional version and
// optional subpath. Scoped names ("@owner/pkg") span two path segments.
func ParseBare(spec string) (Bare, error) {
	raw := strings.TrimPrefix(spec, "npm:")
	if raw == "" {
		return Bare{}, fmt.Errorf("empty specifier")
	}
	if strings.TrimSpace(raw) != raw || strings.ContainsAny(raw, " \t\r\n\\?#") {
		return Bare{}, fmt.Errorf("specifier %q contains invalid characters", spec)
	}

	segments := strings.Split(raw, "/")
	for _, seg := range segments {
		if seg == "" {
			return Bare{}, fmt.Errorf("specifier %q has an empty path segment", spec)
		}
	}

	var b Bare
	var nameSegment string
	rest := segments[1:]

	if strings.HasPrefix(segments[0], "@") {
		owner := segments[0][1:]
		if !namePattern.MatchString(owner) {
			return Bare{}, fmt.Errorf("invalid scope in %q", spec)
		}
		if len(segments) < 2 {
			return Bare{}, fmt.Errorf("scoped specifier %q is missing a package name", spec)
		}
		nameSegment = segments[1]
		rest = segments[2:]
		b.Name = segments[0] + "/"
	} else {
		nameSegment = segments[0]
	}

	name, version, hasVersion := strings.Cut(nameSegment, "@")
	if !namePattern.MatchString(name) {
		return Bare{}, fmt.Errorf("invalid package name in %q", spec)
	}
	if hasVersion {
		if !versionPattern.MatchString(version) {
			return Bare{}, fmt.Errorf("invalid version %q in %q", version, spec)
		}
		b.Version = version
	}
	b.Name += name
	b.Subpath = strings.Join(rest, "/")

	if serverOnly[b.Name] {
		return Bare{}, fmt.Errorf("%q is a Node.js built-in with no browser build", b.Name)
	}
	return b, nil
}
