package endpoint

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherbus/cipherbus/internal/config"
	"github.com/cipherbus/cipherbus/internal/keyring"
	"github.com/cipherbus/cipherbus/internal/mux"
	"github.com/cipherbus/cipherbus/internal/relay"
	"github.com/cipherbus/cipherbus/internal/transport"
)

// startRelay serves a relay on a real websocket listener and returns its
// host and port for endpoint configuration.
func startRelay(t *testing.T) (string, int) {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer())
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func endpointConfig(t *testing.T, id, host string, port int, actions ...string) *config.Endpoint {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &config.Endpoint{
		Person: config.Person{
			ID:   id,
			Name: "Tester," + id,
			Keys: config.Keys{
				Public:  keyring.EncodePublicKey(&priv.PublicKey),
				Private: keyring.EncodePrivateKey(priv),
			},
		},
		General: config.General{Duration: 30, Retries: 2, Timeout: 1},
		Server:  config.Server{IP: host, Port: port},
		Actions: actions,
	}
}

// startEndpoint connects and registers an endpoint without running its
// configured actions, so tests can drive SendMessage directly.
func startEndpoint(t *testing.T, cfg *config.Endpoint, handler Handler) *Endpoint {
	t.Helper()
	e, err := New(cfg, handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ws, err := transport.Dial(ctx, cfg.Server.URL())
	require.NoError(t, err)
	e.conn = mux.New(ws)
	t.Cleanup(func() { e.conn.Close() })
	go e.receiveLoop(ctx)
	require.NoError(t, e.register(ctx))
	return e
}

type received struct {
	sender  string
	message string
}

// recorder captures every incoming message on a channel.
type recorder struct {
	ch chan received
}

func (r recorder) ReceiveMessage(ctx context.Context, senderID, message string) (string, error) {
	r.ch <- received{senderID, message}
	return "", nil
}

// echoHandler replies to every message.
type echoHandler struct{}

func (echoHandler) ReceiveMessage(ctx context.Context, senderID, message string) (string, error) {
	return "echo: " + message, nil
}

func TestConfiguredActionDeliversMessage(t *testing.T) {
	host, port := startRelay(t)

	inbox := make(chan received, 1)
	startEndpoint(t, endpointConfig(t, "B", host, port), recorder{ch: inbox})

	alice, err := New(endpointConfig(t, "A", host, port, "SEND [B] hello bob"), Person{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- alice.Run(ctx) }()

	select {
	case got := <-inbox:
		assert.Equal(t, received{sender: "A", message: "hello bob"}, got)
	case <-time.After(10 * time.Second):
		t.Fatal("message never arrived")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSendMessageReturnsDecryptedReply(t *testing.T) {
	host, port := startRelay(t)

	startEndpoint(t, endpointConfig(t, "B", host, port), echoHandler{})
	alice := startEndpoint(t, endpointConfig(t, "A", host, port), Person{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := alice.SendMessage(ctx, "B", "ping")
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", reply)
}

func TestChallengeIsAnsweredWithReEncryptedToken(t *testing.T) {
	host, port := startRelay(t)

	// The recipient's application handler must never see a challenge.
	inbox := make(chan received, 1)
	startEndpoint(t, endpointConfig(t, "B", host, port), recorder{ch: inbox})
	alice := startEndpoint(t, endpointConfig(t, "A", host, port), Person{})

	token, err := keyring.NewChallenge()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := alice.SendMessage(ctx, "B", "AUTH "+token)
	require.NoError(t, err)
	assert.Equal(t, token, reply)

	select {
	case got := <-inbox:
		t.Fatalf("challenge leaked to the application handler: %+v", got)
	default:
	}
}

func TestSendToUnregisteredRecipientTimesOut(t *testing.T) {
	host, port := startRelay(t)
	alice := startEndpoint(t, endpointConfig(t, "A", host, port), Person{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := alice.SendMessage(ctx, "nobody", "hello?")
	require.Error(t, err)
}
