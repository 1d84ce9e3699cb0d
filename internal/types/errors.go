package types

import (
	"errors"
	"fmt"
)

// Kind classifies builder failures
type Kind string

const (
	KindLocalModuleNotFound Kind = "LocalModuleNotFound"
	KindResolutionError     Kind = "ResolutionError"
	KindCompileError        Kind = "CompileError"
	KindFetchError          Kind = "FetchError"
	KindSandboxUnavailable  Kind = "SandboxUnavailable"
	KindTimeout             Kind = "Timeout"
	KindRuntimeError        Kind = "RuntimeError"
	KindWarning             Kind = "Warning"
)

var (
	ErrLocalModuleNotFound = errors.New("local module not found")
	ErrResolution          = errors.New("cannot resolve specifier")
	ErrCompile             = errors.New("compile failed")
	ErrFetch               = errors.New("cdn fetch failed")
	ErrSandboxUnavailable  = errors.New("sandbox unavailable")
	ErrTimeout             = errors.New("timed out")
)

// Error is a classified failure tied to an importing file and specifier
type Error struct {
	Kind      Kind
	File      string
	Specifier string
	Msg       string
	Err       error
}

// NewError builds a classified error. msg may be empty.
func NewError(kind Kind, file, specifier, msg string, cause error) *Error {
	return &Error{Kind: kind, File: file, Specifier: specifier, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = defaultMessage(e.Kind, e.Specifier)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the cause and the kind sentinel to errors.Is
func (e *Error) Unwrap() []error {
	errs := []error{sentinel(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the Kind of err, or CompileError when err is unclassified
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrSandboxUnavailable):
		return KindSandboxUnavailable
	case errors.Is(err, ErrFetch):
		return KindFetchError
	}
	return KindCompileError
}

func defaultMessage(kind Kind, specifier string) string {
	switch kind {
	case KindLocalModuleNotFound:
		return fmt.Sprintf("cannot find module %q", specifier)
	case KindResolutionError:
		return fmt.Sprintf("cannot map %q to a CDN URL", specifier)
	case KindFetchError:
		return fmt.Sprintf("failed to fetch %q", specifier)
	case KindSandboxUnavailable:
		return "sandbox could not be initialized"
	case KindTimeout:
		return "operation did not complete in time"
	}
	return string(kind)
}

func sentinel(kind Kind) error {
	switch kind {
	case KindLocalModuleNotFound:
		return ErrLocalModuleNotFound
	case KindResolutionError:
		return ErrResolution
	case KindFetchError:
		return ErrFetch
	case KindSandboxUnavailable:
		return ErrSandboxUnavailable
	case KindTimeout:
		return ErrTimeout
	}
	return ErrCompile
}
