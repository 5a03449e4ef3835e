// Package endpoint provides the base the person and bank endpoints build on.
// An endpoint connects to the relay, registers its identity and public key,
// executes its configured outbound actions, and dispatches incoming decrypted
// messages to an application handler. All payloads that leave the endpoint
// are encrypted under the recipient's public key; the relay never sees
// plaintext.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cipherbus/cipherbus/internal/config"
	"github.com/cipherbus/cipherbus/internal/envelope"
	"github.com/cipherbus/cipherbus/internal/fault"
	"github.com/cipherbus/cipherbus/internal/keyring"
	"github.com/cipherbus/cipherbus/internal/mux"
	"github.com/cipherbus/cipherbus/internal/transport"
)

// authPrefix marks a challenge-response authentication message. The generic
// inbound path answers these before the application handler is consulted.
const authPrefix = "AUTH "

// Handler receives each decrypted incoming message. A non-empty reply is
// encrypted for the sender and returned through the success response. An
// error becomes a failure response, carrying the fault message when there is
// one.
type Handler interface {
	ReceiveMessage(ctx context.Context, senderID, message string) (reply string, err error)
}

// Endpoint is one connected client of the relay.
type Endpoint struct {
	cfg     *config.Endpoint
	keys    *keyring.Keyring
	handler Handler
	conn    *mux.Conn
	log     *log.Entry
}

// New builds an endpoint from its configuration, importing the private key
// once for the process.
func New(cfg *config.Endpoint, handler Handler) (*Endpoint, error) {
	keys, err := keyring.New(cfg.Person.Keys.Public, cfg.Person.Keys.Private)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		cfg:     cfg,
		keys:    keys,
		handler: handler,
		log:     log.WithField("id", cfg.Person.ID),
	}, nil
}

// ID returns the endpoint's identity.
func (e *Endpoint) ID() string {
	return e.cfg.Person.ID
}

// Run connects to the relay and concurrently registers, receives messages,
// and performs the configured outbound actions. The whole run is cancelled
// once the configured duration elapses, which is the normal way an endpoint
// ends.
func (e *Endpoint) Run(ctx context.Context) error {
	actions, err := e.cfg.ParsedActions()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.General.RunDuration())
	defer cancel()

	ws, err := transport.Dial(ctx, e.cfg.Server.URL())
	if err != nil {
		return err
	}
	e.conn = mux.New(ws)
	defer e.conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.receiveLoop(gctx) })
	g.Go(func() error {
		// The registration must be the first frame on the wire, so the
		// outbound actions only start once it has been acknowledged.
		if err := e.register(gctx); err != nil {
			return err
		}
		for _, action := range actions {
			action := action
			g.Go(func() error {
				reply, err := e.SendMessage(gctx, action.RecipientID, action.Message)
				if err != nil {
					// A failed action does not take the endpoint down.
					e.log.WithFields(log.Fields{"recipient": action.RecipientID, "err": err}).
						Error("failed to deliver message")
					return nil
				}
				entry := e.log.WithField("recipient", action.RecipientID)
				if reply != "" {
					entry = entry.WithField("reply", reply)
				}
				entry.Info("message delivered")
				return nil
			})
		}
		return nil
	})

	err = g.Wait()
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registration is the metadata published to the relay directory.
type registration struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	PublicKey string `json:"public_key"`
}

// register announces the endpoint to the relay. Failure to register is fatal
// for the run.
func (e *Endpoint) register(ctx context.Context) error {
	info := registration{
		ID:        e.cfg.Person.ID,
		FirstName: e.cfg.Person.FirstName(),
		LastName:  e.cfg.Person.LastName(),
		PublicKey: e.keys.PublicKey(),
	}
	if !e.conn.Send(ctx, info, e.cfg.General.Retries, e.cfg.General.Backoff()) {
		return fmt.Errorf("failed to register with relay at %s", e.cfg.Server.URL())
	}
	e.log.Info("registered")
	return nil
}

// SendMessage encrypts plaintext for the recipient under the public key
// published in the relay directory and sends it through the relay. When the
// recipient responds with a payload, it is decrypted with the endpoint's
// private key and returned; a null response passes through as "".
func (e *Endpoint) SendMessage(ctx context.Context, recipientID, plaintext string) (string, error) {
	key, err := e.publicKeyOf(ctx, recipientID)
	if err != nil {
		return "", err
	}
	return e.SendMessageWithKey(ctx, recipientID, key, plaintext)
}

// SendMessageWithKey is SendMessage with a caller-supplied recipient key,
// bypassing the directory lookup. The bank uses it to encrypt challenges
// under the key its permission file binds to the claimed identity, so a rogue
// registration under someone else's ID cannot read them.
func (e *Endpoint) SendMessageWithKey(ctx context.Context, recipientID, recipientPublicKey, plaintext string) (string, error) {
	encrypted, err := keyring.Encrypt(plaintext, recipientPublicKey)
	if err != nil {
		return "", err
	}

	resp, err := e.conn.Action(ctx, "send_message",
		map[string]string{"recipient_id": recipientID, "message": encrypted},
		e.cfg.General.Retries, e.cfg.General.Backoff())
	if err != nil {
		return "", err
	}
	if len(resp) == 0 || string(resp) == "null" {
		return "", nil
	}

	var ciphertext string
	if err := json.Unmarshal(resp, &ciphertext); err != nil {
		return "", fmt.Errorf("unexpected response payload from %s: %w", recipientID, err)
	}
	return e.keys.Decrypt(ciphertext)
}

// publicKeyOf fetches the recipient's public key from the relay directory.
func (e *Endpoint) publicKeyOf(ctx context.Context, recipientID string) (string, error) {
	raw, err := e.conn.Action(ctx, "get_public_key", recipientID,
		e.cfg.General.Retries, e.cfg.General.Backoff())
	if err != nil {
		return "", fmt.Errorf("failed to obtain public key of %s: %w", recipientID, err)
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("unexpected public key payload for %s: %w", recipientID, err)
	}
	return key, nil
}

// encryptFor fetches the recipient's public key from the relay directory and
// encrypts the plaintext under it.
func (e *Endpoint) encryptFor(ctx context.Context, recipientID, plaintext string) (string, error) {
	key, err := e.publicKeyOf(ctx, recipientID)
	if err != nil {
		return "", err
	}
	return keyring.Encrypt(plaintext, key)
}

// receiveLoop dispatches each incoming request to its own handler goroutine
// so this loop stays free: a handler that issues nested requests depends on
// the loop to deliver their responses.
func (e *Endpoint) receiveLoop(ctx context.Context) error {
	for {
		select {
		case env, ok := <-e.conn.Receive():
			if !ok {
				return fmt.Errorf("relay connection closed")
			}
			go e.handleEnvelope(ctx, env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Endpoint) handleEnvelope(ctx context.Context, env *envelope.Envelope) {
	var in struct {
		SenderID string `json:"sender_id"`
		Message  string `json:"message"`
	}
	if err := env.UnmarshalPayload(&in); err != nil {
		e.log.WithError(err).Warn("unparseable incoming message")
		e.conn.ReportFailure(env.ID, nil)
		return
	}

	plaintext, err := e.keys.Decrypt(in.Message)
	if err != nil {
		e.log.WithFields(log.Fields{"sender": in.SenderID, "err": err}).
			Warn("failed to decrypt incoming message")
		e.conn.ReportFailure(env.ID, nil)
		return
	}

	if token, ok := strings.CutPrefix(plaintext, authPrefix); ok {
		e.answerChallenge(ctx, env.ID, in.SenderID, token)
		return
	}

	reply, err := e.handler.ReceiveMessage(ctx, in.SenderID, plaintext)
	if err != nil {
		if msg, ok := fault.Message(err); ok {
			e.conn.ReportFailure(env.ID, msg)
		} else {
			e.log.WithFields(log.Fields{"sender": in.SenderID, "err": err}).
				Error("handler failed")
			e.conn.ReportFailure(env.ID, nil)
		}
		return
	}
	if reply == "" {
		e.conn.ReportSuccess(env.ID, nil)
		return
	}

	encrypted, err := e.encryptFor(ctx, in.SenderID, reply)
	if err != nil {
		e.log.WithFields(log.Fields{"sender": in.SenderID, "err": err}).
			Error("failed to encrypt reply")
		e.conn.ReportFailure(env.ID, nil)
		return
	}
	e.conn.ReportSuccess(env.ID, encrypted)
}

// answerChallenge responds to a challenge token by re-encrypting it under
// the challenger's public key. Only the holder of this endpoint's private key
// could have read the token in the first place, which is what the challenger
// verifies.
func (e *Endpoint) answerChallenge(ctx context.Context, requestID, senderID, token string) {
	encrypted, err := e.encryptFor(ctx, senderID, token)
	if err != nil {
		e.log.WithFields(log.Fields{"sender": senderID, "err": err}).
			Warn("failed to answer challenge")
		e.conn.ReportFailure(requestID, nil)
		return
	}
	e.conn.ReportSuccess(requestID, encrypted)
}
