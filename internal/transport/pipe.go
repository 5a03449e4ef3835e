package transport

import (
	"errors"
	"sync"
)

// ErrPipeClosed is returned by pipe operations after either end has closed.
var ErrPipeClosed = errors.New("pipe closed")

// pipeBuffer bounds in-flight frames per direction before writers block.
const pipeBuffer = 32

// Pipe returns a connected pair of in-memory transports. Frames written on
// one end are read from the other, in order. Closing either end shuts down
// both, like net.Pipe. Used by tests that exercise the multiplexer without
// a network.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	shared := &pipeState{done: make(chan struct{})}
	a := &PipeConn{in: ba, out: ab, state: shared}
	b := &PipeConn{in: ab, out: ba, state: shared}
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// PipeConn is one end of an in-memory frame pipe.
type PipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// ReadMessage returns the next frame written by the peer.
func (p *PipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.state.done:
		// Frames already in flight still drain ahead of the close.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrPipeClosed
		}
	}
}

// WriteMessage hands a frame to the peer.
func (p *PipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.state.done:
		return ErrPipeClosed
	}
}

// Close shuts down both ends of the pipe.
func (p *PipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
