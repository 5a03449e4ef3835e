package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/cipherbus/cipherbus/internal/envelope"
	"github.com/cipherbus/cipherbus/internal/fault"
	"github.com/cipherbus/cipherbus/internal/mux"
	"github.com/cipherbus/cipherbus/internal/transport"
)

// ActionFunc handles one named relay operation. The returned value becomes
// the payload of the success response; an error becomes a failure response,
// carrying the fault message when there is one.
type ActionFunc func(ctx context.Context, data json.RawMessage, senderID string) (interface{}, error)

// Server accepts endpoint connections, registers them in the directory, and
// dispatches their requests against a fixed action table.
type Server struct {
	directory *Directory
	actions   map[string]ActionFunc
}

// NewServer creates a relay server with the built-in action set.
func NewServer() *Server {
	s := &Server{directory: NewDirectory()}
	s.actions = map[string]ActionFunc{
		"get_public_key": s.getPublicKey,
		"send_message":   s.sendMessage,
	}
	return s
}

// Directory exposes the relay's endpoint directory.
func (s *Server) Directory() *Directory {
	return s.directory
}

// Run serves websocket connections on addr until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	go func() {
		<-ctx.Done()
		log.Info("relay shutting down")
		srv.Close()
	}()

	log.WithField("addr", addr).Info("relay listening")
	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ServeHTTP upgrades each request to a websocket connection and serves it
// for the connection's lifetime.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrade(w, r)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("failed to upgrade connection")
		return
	}
	s.serveConnection(mux.New(ws))
}

// serveConnection registers the endpoint and then dispatches its requests.
// Each request is handed off to its own goroutine so the receive loop is
// never blocked by a handler: send_message suspends on the recipient, and the
// recipient's reply arrives through this same loop when the recipient is also
// the requester's peer.
func (s *Server) serveConnection(conn *mux.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := s.directory.Register(conn)
	if err != nil {
		log.WithError(err).Warn("registration failed")
		return
	}
	defer s.directory.Deregister(id)

	for env := range conn.Receive() {
		go s.handle(ctx, conn, id, env)
	}
}

func (s *Server) handle(ctx context.Context, conn *mux.Conn, senderID string, env *envelope.Envelope) {
	var req struct {
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := env.UnmarshalPayload(&req); err != nil {
		log.WithFields(log.Fields{"sender": senderID, "err": err}).Warn("unparseable request")
		conn.ReportFailure(env.ID, nil)
		return
	}

	action, ok := s.actions[req.Action]
	if !ok {
		log.WithFields(log.Fields{"sender": senderID, "action": req.Action}).Warn("unknown action")
		conn.ReportFailure(env.ID, nil)
		return
	}

	result, err := action(ctx, req.Data, senderID)
	if err != nil {
		if msg, ok := fault.Message(err); ok {
			conn.ReportFailure(env.ID, msg)
		} else {
			log.WithFields(log.Fields{"sender": senderID, "action": req.Action, "err": err}).
				Warn("action failed")
			conn.ReportFailure(env.ID, nil)
		}
		return
	}

	if raw, ok := result.(json.RawMessage); ok && len(raw) == 0 {
		result = nil
	}
	conn.ReportSuccess(env.ID, result)
}

// getPublicKey returns the public key a client published at registration,
// blocking until that client registers if it is unknown.
func (s *Server) getPublicKey(ctx context.Context, data json.RawMessage, _ string) (interface{}, error) {
	var clientID string
	if err := json.Unmarshal(data, &clientID); err != nil {
		return nil, fault.New("get_public_key expects a client id")
	}
	info, err := s.directory.Info(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return info.PublicKey, nil
}

// inboundMessage is the payload an endpoint receives from the relay.
type inboundMessage struct {
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
}

// sendMessage forwards an opaque ciphertext to the recipient, blocking until
// the recipient registers, and returns the recipient's response payload
// verbatim to the original sender. A failure reported by the recipient is
// surfaced with its reason; the relay does not retry on the recipient's
// behalf.
func (s *Server) sendMessage(ctx context.Context, data json.RawMessage, senderID string) (interface{}, error) {
	var req struct {
		RecipientID string `json:"recipient_id"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fault.New("send_message expects recipient_id and message")
	}

	recipient, err := s.directory.Connection(ctx, req.RecipientID)
	if err != nil {
		return nil, err
	}

	resp, err := recipient.Request(ctx, inboundMessage{SenderID: senderID, Message: req.Message}, 1, 0)
	if err != nil {
		return nil, recipientFault(req.RecipientID, err)
	}
	return resp, nil
}

// recipientFault translates a failed delivery into the failure the original
// sender sees, preserving the recipient's reason when it reported one.
func recipientFault(recipientID string, err error) error {
	var failed *mux.FailedRequest
	if errors.As(err, &failed) && failed.Refused && len(failed.Payload) > 0 {
		var reason string
		if json.Unmarshal(failed.Payload, &reason) != nil {
			reason = string(failed.Payload)
		}
		return fault.New(reason)
	}
	return fault.Newf("delivery to %s failed", recipientID)
}
