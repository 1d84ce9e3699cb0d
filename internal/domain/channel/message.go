package channel

import (
	"fmt"

	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// Type discriminates messages on the wire
type Type string

// Host to sandbox
const (
	TypeLoad     Type = "load"
	TypeResize   Type = "resize"
	TypeShutdown Type = "shutdown"
)

// Sandbox to host
const (
	TypeReady        Type = "ready"
	TypeRendered     Type = "rendered"
	TypeRuntimeError Type = "runtime_error"
	TypeUnavailable  Type = "unavailable"
)

// Message is the single envelope crossing the boundary. Fields are used
// according to Type; every sandbox event carries the generation it was
// loaded under.
type Message struct {
	Type       Type             `msgpack:"type"`
	Generation types.Generation `msgpack:"generation"`
	Source     string           `msgpack:"source,omitempty"`
	Width      float64          `msgpack:"width,omitempty"`
	Height     float64          `msgpack:"height,omitempty"`
	Message    string           `msgpack:"message,omitempty"`
	Stack      string           `msgpack:"stack,omitempty"`
}

// Load asks the sandbox to replace its page with source
func Load(gen types.Generation, source string) Message {
	return Message{Type: TypeLoad, Generation: gen, Source: source}
}

// Resize changes the sandbox viewport
func Resize(width, height float64) Message {
	return Message{Type: TypeResize, Width: width, Height: height}
}

// Shutdown stops the sandbox loop
func Shutdown() Message {
	return Message{Type: TypeShutdown}
}

func Ready(gen types.Generation) Message {
	return Message{Type: TypeReady, Generation: gen}
}

func Rendered(gen types.Generation, height float64) Message {
	return Message{Type: TypeRendered, Generation: gen, Height: height}
}

func RuntimeError(gen types.Generation, message, stack string) Message {
	return Message{Type: TypeRuntimeError, Generation: gen, Message: message, Stack: stack}
}

func Unavailable(gen types.Generation, message string) Message {
	return Message{Type: TypeUnavailable, Generation: gen, Message: message}
}

func (m Message) String() string {
	switch m.Type {
	case TypeLoad:
		return fmt.Sprintf("load(gen=%d, %d bytes)", m.Generation, len(m.Source))
	case TypeResize:
		return fmt.Sprintf("resize(%gx%g)", m.Width, m.Height)
	case TypeRendered:
		return fmt.Sprintf("rendered(gen=%d, height=%g)", m.Generation, m.Height)
	case TypeRuntimeError, TypeUnavailable:
		return fmt.Sprintf("%s(gen=%d, %s)", m.Type, m.Generation, m.Message)
	}
	return fmt.Sprintf("%s(gen=%d)", m.Type, m.Generation)
}
