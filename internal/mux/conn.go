// Package mux multiplexes request/response pairs over a single bidirectional
// frame stream, turning it into RPC with correlation IDs, retries, and
// non-blocking dispatch. Both the relay and every endpoint wrap each of their
// connections in a Conn.
//
// A single receive loop per connection reads frames. Responses are routed to
// the caller awaiting the matching correlation ID; everything else is yielded
// through Receive for the application to handle. The receive loop must never
// be blocked by application handling: a handler that issues nested requests
// on the same connection depends on the loop staying free to deliver the
// nested responses.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cipherbus/cipherbus/internal/envelope"
)

// ErrClosed is returned by Request when the connection shut down before a
// response arrived.
var ErrClosed = errors.New("connection closed")

// Transport is an ordered, reliable message stream carrying one envelope per
// frame. WriteMessage must be safe for concurrent use; ReadMessage is only
// called from the connection's receive loop.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// FailedRequest is returned when a request cannot be completed.
//
// When the peer answered with success=false the request was not retried:
// Refused is set and Payload carries the peer's failure detail, if any.
// Otherwise the request exhausted its attempts on transport-level errors and
// Err holds the last one.
type FailedRequest struct {
	Attempts int
	Refused  bool
	Payload  json.RawMessage
	Err      error
}

func (e *FailedRequest) Error() string {
	if e.Refused {
		if len(e.Payload) > 0 {
			return fmt.Sprintf("request refused by peer: %s", e.Payload)
		}
		return "request refused by peer"
	}
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FailedRequest) Unwrap() error {
	return e.Err
}

// settledCap bounds the memory kept for correlation IDs whose lifecycle has
// completed, either answered or abandoned by the caller.
const settledCap = 1024

// Conn is an envelope multiplexer bound to one transport. It exposes an
// "issue request and await reply" primitive and an incoming-request channel.
type Conn struct {
	transport Transport

	mu       sync.Mutex
	pending  map[string]chan *envelope.Envelope
	settled  map[string]struct{}
	settledQ []string

	incoming chan *envelope.Envelope
	done     chan struct{}
	closing  sync.Once
	closeErr error
}

// New wraps a transport and starts its receive loop. The loop runs until the
// stream closes or the connection is closed, after which Receive is drained
// and closed.
func New(t Transport) *Conn {
	c := &Conn{
		transport: t,
		pending:   make(map[string]chan *envelope.Envelope),
		settled:   make(map[string]struct{}),
		incoming:  make(chan *envelope.Envelope, 16),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Receive returns the channel of unsolicited incoming requests. It is closed
// when the stream closes; it never yields response envelopes.
func (c *Conn) Receive() <-chan *envelope.Envelope {
	return c.incoming
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down and closes the underlying transport.
// It is idempotent.
func (c *Conn) Close() error {
	c.closing.Do(func() {
		close(c.done)
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Request writes a request envelope and suspends until the matching response
// arrives, returning its payload. Transport-level failures are retried up to
// maxTries total attempts with a fixed backoff between them. A response with
// success=false fails the call immediately without retry, surfacing the
// peer's payload inside the returned FailedRequest.
func (c *Conn) Request(ctx context.Context, payload interface{}, maxTries int, backoff time.Duration) (json.RawMessage, error) {
	if maxTries < 1 {
		maxTries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		result, err := c.requestOnce(ctx, payload)
		if err == nil {
			return result, nil
		}

		var refused *FailedRequest
		if errors.As(err, &refused) && refused.Refused {
			// Applicative failure: never retried.
			refused.Attempts = attempt
			return nil, refused
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		if attempt < maxTries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &FailedRequest{Attempts: maxTries, Err: lastErr}
}

// Send is a convenience wrapper reporting only whether the request succeeded.
func (c *Conn) Send(ctx context.Context, payload interface{}, maxTries int, backoff time.Duration) bool {
	_, err := c.Request(ctx, payload, maxTries, backoff)
	return err == nil
}

// actionRequest is the payload shape of a named relay-side operation.
type actionRequest struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data"`
}

// Action issues a request invoking a named relay operation.
func (c *Conn) Action(ctx context.Context, name string, data interface{}, maxTries int, backoff time.Duration) (json.RawMessage, error) {
	return c.Request(ctx, actionRequest{Action: name, Data: data}, maxTries, backoff)
}

// ReportSuccess writes a success response for the given request ID.
func (c *Conn) ReportSuccess(requestID string, payload interface{}) error {
	return c.respond(requestID, true, payload)
}

// ReportFailure writes a failure response for the given request ID.
func (c *Conn) ReportFailure(requestID string, payload interface{}) error {
	return c.respond(requestID, false, payload)
}

func (c *Conn) respond(requestID string, success bool, payload interface{}) error {
	env, err := envelope.NewResponse(requestID, success, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Conn) requestOnce(ctx context.Context, payload interface{}) (json.RawMessage, error) {
	env, err := envelope.NewRequest(payload)
	if err != nil {
		return nil, err
	}

	// The pending entry exists exactly from the moment the request is
	// written until its response arrives or the attempt is abandoned.
	waiter := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = waiter
	c.mu.Unlock()

	// Guaranteed release: whether answered, cancelled, or failed, the entry
	// is gone by the time this call returns.
	defer c.settle(env.ID)

	if err := c.write(env); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-waiter:
		if !resp.OK() {
			return nil, &FailedRequest{Refused: true, Payload: resp.Payload}
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Conn) write(env *envelope.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return c.transport.WriteMessage(frame)
}

// settle removes a pending entry and remembers the ID so that a duplicate or
// late response is dropped instead of being treated as a protocol error.
func (c *Conn) settle(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked(id)
}

func (c *Conn) settleLocked(id string) {
	delete(c.pending, id)
	if _, ok := c.settled[id]; ok {
		return
	}
	c.settled[id] = struct{}{}
	c.settledQ = append(c.settledQ, id)
	if len(c.settledQ) > settledCap {
		delete(c.settled, c.settledQ[0])
		c.settledQ = c.settledQ[1:]
	}
}

// receiveLoop is the single reader of the transport. Responses are matched
// to pending requests; requests are yielded through the incoming channel.
func (c *Conn) receiveLoop() {
	defer close(c.incoming)
	defer c.Close()

	for {
		frame, err := c.transport.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.WithError(err).Debug("frame stream closed")
			}
			return
		}

		env, err := envelope.Decode(frame)
		if err != nil {
			// Malformed frames are non-fatal.
			log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		if !env.IsResponse() {
			select {
			case c.incoming <- env:
			case <-c.done:
				return
			}
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[env.ID]
		_, wasSettled := c.settled[env.ID]
		if ok {
			c.settleLocked(env.ID)
		}
		c.mu.Unlock()

		switch {
		case ok:
			// Buffered; never blocks. The first response wins, duplicates
			// hit the settled path below.
			waiter <- env
		case wasSettled:
			log.WithField("id", env.ID).Debug("dropping late or duplicate response")
		default:
			// A response nobody asked for means the multiplexer has
			// desynchronized from the peer.
			log.WithField("id", env.ID).Error("response for unknown request, closing connection")
			return
		}
	}
}
