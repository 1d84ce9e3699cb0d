// Package id generates the prefixed ULIDs used across the service.
//
// ULIDs sort by creation time, so session listings and request logs read in
// order without a timestamp column. The prefix names what the ID belongs to.
package id

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefix names the kind of thing an ID identifies
type Prefix string

const (
	SessionPrefix Prefix = "sess"
	RequestPrefix Prefix = "req"
)

// ErrInvalid is returned for strings that are not a well-formed prefixed ID
var ErrInvalid = errors.New("invalid id")

// SessionID identifies one live builder session
type SessionID string

// RequestID identifies one HTTP request
type RequestID string

func (id SessionID) String() string { return string(id) }
func (id RequestID) String() string { return string(id) }

// Source hands out monotonic ULIDs; safe for concurrent use
type Source struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSource reads randomness from r, crypto/rand when r is nil
func NewSource(r io.Reader) *Source {
	if r == nil {
		r = rand.Reader
	}
	return &Source{entropy: ulid.Monotonic(r, 0)}
}

var shared = NewSource(nil)

// New returns "<prefix>_<ULID>"
func (s *Source) New(p Prefix) string {
	s.mu.Lock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
	s.mu.Unlock()
	return string(p) + "_" + u.String()
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID { return SessionID(shared.New(SessionPrefix)) }

// NewRequestID generates a new request ID
func NewRequestID() RequestID { return RequestID(shared.New(RequestPrefix)) }

// ParseSessionID validates raw as a session ID
func ParseSessionID(raw string) (SessionID, error) {
	if !Valid(raw, SessionPrefix) {
		return "", ErrInvalid
	}
	return SessionID(raw), nil
}

// Valid reports whether id is "<prefix>_<ULID>" with the given prefix
func Valid(id string, p Prefix) bool {
	rest, ok := strings.CutPrefix(id, string(p)+"_")
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}

// Timestamp extracts the creation time of a prefixed or bare ULID
func Timestamp(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
