package vfs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

var (
	ErrEmptyPath     = errors.New("file path is empty")
	ErrDuplicatePath = errors.New("duplicate file path")
	ErrNoEntry       = errors.New("no entry file")
)

// DefaultEntries are probed in order when no entry is configured
var DefaultEntries = []string{"/index.tsx", "/index.ts", "/index.jsx", "/index.js"}

// File is one virtual source file
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Snapshot is an immutable set of virtual files.
// Every accessor returns copies; the zero value is an empty set.
type Snapshot struct {
	files map[string]string
	paths []string
	entry string
	hash  string
}

// NewSnapshot copies files into a new snapshot. Paths are normalized to
// absolute slash form. entry may be empty to pick a default.
func NewSnapshot(files map[string]string, entry string) (*Snapshot, error) {
	s := &Snapshot{files: make(map[string]string, len(files))}
	for p, content := range files {
		norm, err := Normalize(p)
		if err != nil {
			return nil, err
		}
		if _, exists := s.files[norm]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, norm)
		}
		s.files[norm] = content
		s.paths = append(s.paths, norm)
	}
	sort.Strings(s.paths)

	if entry != "" {
		norm, err := Normalize(entry)
		if err != nil {
			return nil, err
		}
		if _, ok := s.files[norm]; !ok {
			return nil, fmt.Errorf("%w: %s is not in the file set", ErrNoEntry, norm)
		}
		s.entry = norm
	} else {
		for _, candidate := range DefaultEntries {
			if _, ok := s.files[candidate]; ok {
				s.entry = candidate
				break
			}
		}
	}

	s.hash = s.computeHash()
	return s, nil
}

// Normalize cleans a virtual path into "/a/b.tsx" form
func Normalize(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", ErrEmptyPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}

// Get returns the content at path
func (s *Snapshot) Get(p string) (string, bool) {
	if s == nil {
		return "", false
	}
	content, ok := s.files[p]
	return content, ok
}

// Has reports whether path exists
func (s *Snapshot) Has(p string) bool {
	_, ok := s.Get(p)
	return ok
}

// Paths returns the sorted file paths
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.paths...)
}

// Len returns the number of files
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.files)
}

// Entry returns the entry path, or ErrNoEntry
func (s *Snapshot) Entry() (string, error) {
	if s == nil || s.entry == "" {
		return "", fmt.Errorf("%w: expected one of %s", ErrNoEntry, strings.Join(DefaultEntries, ", "))
	}
	return s.entry, nil
}

// Files returns a copy of the path to content mapping
func (s *Snapshot) Files() map[string]string {
	out := make(map[string]string, s.Len())
	if s == nil {
		return out
	}
	for p, content := range s.files {
		out[p] = content
	}
	return out
}

// Hash is a content digest over the sorted files and the entry
func (s *Snapshot) Hash() string {
	if s == nil {
		return ""
	}
	return s.hash
}

func (s *Snapshot) computeHash() string {
	h := sha256.New()
	h.Write([]byte(s.entry))
	for _, p := range s.paths {
		h.Write([]byte{0})
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(s.files[p]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
