package resolver

import (
	"path"
	"sync"

	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
)

// Session is a resolver bound to one build's snapshot. It memoizes results
// so every specifier maps to exactly one module within the build.
// A Session must not outlive its build.
type Session struct {
	resolver *Resolver
	files    *vfs.Snapshot

	mu     sync.Mutex
	bare   map[string]ResolvedModule
	local  map[string]ResolvedModule
	failed map[string]error
}

// NewSession binds the resolver to a snapshot
func (r *Resolver) NewSession(files *vfs.Snapshot) *Session {
	return &Session{
		resolver: r,
		files:    files,
		bare:     make(map[string]ResolvedModule),
		local:    make(map[string]ResolvedModule),
		failed:   make(map[string]error),
	}
}

// Files returns the snapshot the session resolves against
func (s *Session) Files() *vfs.Snapshot {
	return s.files
}

// Resolve resolves specifier imported from importer, reusing earlier results
func (s *Session) Resolve(specifier, importer string) (ResolvedModule, error) {
	key, cache := specifier, s.bare
	if Classify(specifier) == ClassRelative {
		key, cache = path.Dir(importer)+"\x00"+specifier, s.local
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if mod, ok := cache[key]; ok {
		return mod, nil
	}

	mod, err := s.resolver.Resolve(s.files, specifier, importer)
	if err != nil {
		// failures are importer specific, keep the most recent for reporting
		s.failed[importer+"\x00"+specifier] = err
		return ResolvedModule{}, err
	}
	cache[key] = mod
	return mod, nil
}

// External returns every CDN module resolved so far, keyed by specifier
func (s *Session) External() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.bare))
	for spec, mod := range s.bare {
		if mod.Kind == KindCDN {
			out[spec] = mod.Path
		}
	}
	return out
}

// Failures returns the resolution errors recorded during the build
func (s *Session) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]error, 0, len(s.failed))
	for _, err := range s.failed {
		out = append(out, err)
	}
	return out
}
