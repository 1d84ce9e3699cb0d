package vfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
)

// MaxSeedFileSize bounds a single seeded file
const MaxSeedFileSize = 1 << 20

// DefaultPatterns selects source files when seeding from a directory
var DefaultPatterns = []string{"**/*.{ts,tsx,js,jsx,mjs,css,json,html}"}

var ErrNotText = errors.New("not a text file")

// Seed is the initial file set loaded from a sample directory
type Seed struct {
	Files map[string]string
	Entry string
	Pins  map[string]string
}

// Snapshot builds the initial snapshot for the seed
func (s *Seed) Snapshot() (*Snapshot, error) {
	return NewSnapshot(s.Files, s.Entry)
}

// LoadDir reads every file under dir matching one of patterns.
// Paths in the result are relative to dir and rooted at "/".
func LoadDir(ctx context.Context, dir string, patterns []string) (*Seed, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid seed pattern %q", p)
		}
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seed dir: %w", err)
	}

	var (
		mu    sync.Mutex
		files = make(map[string]string)
		errs  []error
	)

	walkFn := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != root && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if isManifest(rel) || !matchAny(patterns, rel) {
			return nil
		}

		content, err := readText(p)
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
			mu.Unlock()
			return nil
		}

		mu.Lock()
		files["/"+rel] = content
		mu.Unlock()
		return nil
	}

	if err := fastwalk.Walk(&fastwalk.Config{Follow: false}, root, walkFn); err != nil {
		return nil, fmt.Errorf("failed to walk seed dir: %w", err)
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return nil, errors.Join(errs...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files in %s match %s", dir, strings.Join(patterns, ", "))
	}

	manifest, err := FindManifest(root)
	if err != nil {
		return nil, err
	}

	return &Seed{Files: files, Entry: manifest.Entry, Pins: manifest.Pins}, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// readText loads a file and rejects binary or non UTF-8 content
func readText(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if info.Size() > MaxSeedFileSize {
		return "", fmt.Errorf("file exceeds maximum size of %d bytes", MaxSeedFileSize)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}

	if !isText(mimetype.Detect(data)) {
		return "", ErrNotText
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: detected %s encoding, expected utf-8", ErrNotText, detectCharset(data))
	}
	return string(data), nil
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func detectCharset(data []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil {
		return "unknown"
	}
	return strings.ToLower(result.Charset)
}
