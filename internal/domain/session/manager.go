package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/shared/id"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session manager closed")
)

// Seeder supplies the files of a session created without any
type Seeder func(ctx context.Context) (map[string]string, error)

// Factory creates the builder of a new session
type Factory func(files map[string]string, onResize func(height float64)) (Builder, error)

// Config bounds the live sessions
type Config struct {
	// Size is the most sessions kept; the least recently used is evicted
	Size int
	// TTL closes sessions not touched for this long
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{Size: 64, TTL: 30 * time.Minute}
}

// Manager owns every live session
type Manager struct {
	factory Factory
	logger  *zap.Logger
	cache   *expirable.LRU[id.SessionID, *Session]

	// closing runs outside the LRU's lock
	closing sync.WaitGroup

	mu     sync.Mutex
	closed bool // Protected by mu
}

// NewManager creates a manager building sessions with factory
func NewManager(factory Factory, cfg Config, logger *zap.Logger) *Manager {
	d := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = d.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{factory: factory, logger: logger}
	m.cache = expirable.NewLRU[id.SessionID, *Session](cfg.Size, m.evicted, cfg.TTL)
	return m
}

func (m *Manager) evicted(sid id.SessionID, s *Session) {
	m.closing.Add(1)
	go func() {
		defer m.closing.Done()
		if err := s.builder.Close(); err != nil {
			m.logger.Warn("Failed to close session builder", zap.String("session_id", sid.String()), zap.Error(err))
			return
		}
		m.logger.Info("Session closed", zap.String("session_id", sid.String()))
	}()
}

// Create starts a session and applies files as its first generation
func (m *Manager) Create(files map[string]string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sid := id.NewSessionID()
	s := newSession(sid, files)
	logger := m.logger.With(zap.String("session_id", sid.String()))

	b, err := m.factory(files, func(height float64) {
		logger.Debug("Preview resized", zap.Float64("height", height))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	s.builder = b

	m.cache.Add(sid, s)
	logger.Info("Session created", zap.Int("files", len(files)))
	return s, nil
}

// Get returns a live session
func (m *Manager) Get(sid id.SessionID) (*Session, error) {
	s, ok := m.cache.Get(sid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sid)
	}
	return s, nil
}

// Touch renews a session's TTL
func (m *Manager) Touch(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.cache.Peek(s.ID); ok {
		m.cache.Add(s.ID, s)
	}
}

// Delete closes and forgets a session
func (m *Manager) Delete(sid id.SessionID) bool {
	return m.cache.Remove(sid)
}

// Len is the number of live sessions
func (m *Manager) Len() int {
	return m.cache.Len()
}

// Close ends every session and waits for their builders to stop
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cache.Purge()
	m.closing.Wait()
	return nil
}
