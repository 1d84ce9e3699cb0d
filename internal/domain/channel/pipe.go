package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds one encoded message (artifacts included)
const MaxFrameSize = 16 * 1024 * 1024

var (
	ErrClosed        = errors.New("channel closed")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Endpoint is one side of a pipe. Send and Receive may be called from
// different goroutines; each direction preserves send order.
type Endpoint struct {
	name string
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
	once *sync.Once
}

// Pipe connects two endpoints with buffered directions of the given
// capacity. Closing either endpoint closes both.
func Pipe(capacity int) (host, sandbox *Endpoint) {
	if capacity < 1 {
		capacity = 1
	}
	toSandbox := make(chan []byte, capacity)
	toHost := make(chan []byte, capacity)
	done := make(chan struct{})
	once := &sync.Once{}

	host = &Endpoint{name: "host", out: toSandbox, in: toHost, done: done, once: once}
	sandbox = &Endpoint{name: "sandbox", out: toHost, in: toSandbox, done: done, once: once}
	return host, sandbox
}

// Send encodes msg and queues the frame, waiting for room or ctx
func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	frame, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, msg.Type, len(frame))
	}

	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	select {
	case e.out <- frame:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next message. Frames queued before Close are
// still delivered.
func (e *Endpoint) Receive(ctx context.Context) (Message, error) {
	select {
	case frame := <-e.in:
		return decode(frame)
	default:
	}

	select {
	case frame := <-e.in:
		return decode(frame)
	case <-e.done:
		select {
		case frame := <-e.in:
			return decode(frame)
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close shuts both directions. It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// Done is closed once the pipe is closed
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) String() string {
	return e.name
}

func decode(frame []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return msg, nil
}
