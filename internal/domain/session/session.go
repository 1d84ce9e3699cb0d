package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/shared/id"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// Builder is what a session drives; *builder.Builder satisfies it
type Builder interface {
	SetFiles(files map[string]string) (types.Generation, error)
	Resize(ctx context.Context, width, height float64) error
	State() orchestrator.State
	Subscribe() (<-chan orchestrator.Update, func())
	Close() error
}

// Session is one client's builder plus its unapplied edits
type Session struct {
	ID      id.SessionID
	Created time.Time

	builder Builder

	mu      sync.Mutex
	draft   map[string]string // Protected by mu
	dirty   bool              // Protected by mu
	rev     uint64            // Protected by mu
	applied time.Time         // Protected by mu
}

func newSession(sid id.SessionID, files map[string]string) *Session {
	now := time.Now()
	return &Session{
		ID:      sid,
		Created: now,
		draft:   maps.Clone(files),
		applied: now,
	}
}

// Builder exposes the underlying builder
func (s *Session) Builder() Builder {
	return s.builder
}

// EditFile changes one draft file without building
func (s *Session) EditFile(path, content string) error {
	norm, err := vfs.Normalize(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		s.draft = make(map[string]string)
	}
	if old, ok := s.draft[norm]; ok && old == content {
		return nil
	}
	s.draft[norm] = content
	s.touch()
	return nil
}

// RemoveFile drops a draft file without building
func (s *Session) RemoveFile(path string) error {
	norm, err := vfs.Normalize(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.draft[norm]; ok {
		delete(s.draft, norm)
		s.touch()
	}
	return nil
}

func (s *Session) touch() {
	s.rev++
	s.dirty = true
}

// Draft returns a copy of the files the next Apply will build
func (s *Session) Draft() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.draft)
}

// HasChanges reports whether the draft was edited since the last Apply
func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Apply builds files, or the draft when files is nil. Applying an
// unchanged draft still issues a new generation.
func (s *Session) Apply(files map[string]string) (types.Generation, error) {
	s.mu.Lock()
	if files != nil {
		s.draft = maps.Clone(files)
		s.touch()
	}
	snapshot, rev := maps.Clone(s.draft), s.rev
	s.mu.Unlock()

	gen, err := s.builder.SetFiles(snapshot)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	// edits made while building stay pending
	if s.rev == rev {
		s.dirty = false
	}
	s.applied = time.Now()
	s.mu.Unlock()
	return gen, nil
}

// LastApplied is when Apply last succeeded, or creation time
func (s *Session) LastApplied() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}
