package bank

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherbus/cipherbus/internal/config"
	"github.com/cipherbus/cipherbus/internal/fault"
	"github.com/cipherbus/cipherbus/internal/keyring"
	"github.com/cipherbus/cipherbus/internal/ledger"
	"github.com/cipherbus/cipherbus/internal/mux"
	"github.com/cipherbus/cipherbus/internal/relay"
	"github.com/cipherbus/cipherbus/internal/transport"
)

func TestCommandGrammar(t *testing.T) {
	add := addPattern.FindStringSubmatch("ADD [1000] [2000] [150]")
	require.NotNil(t, add)
	assert.Equal(t, []string{"1000", "2000", "150"}, add[1:])

	sub := subPattern.FindStringSubmatch("SUB [3000] [42]")
	require.NotNil(t, sub)
	assert.Equal(t, []string{"3000", "42"}, sub[1:])

	for _, bad := range []string{
		"ADD [1000] [2000] [-150]",
		"ADD [1000] [150]",
		"SUB [3000] [42] extra",
		"add [1000] [2000] [150]",
		"ADD [10 00] [2000] [150]",
	} {
		assert.Nil(t, addPattern.FindStringSubmatch(bad), bad)
		assert.Nil(t, subPattern.FindStringSubmatch(bad), bad)
	}
}

func testPermissions() *config.Permissions {
	return &config.Permissions{
		Persons: map[string]config.PersonEntry{
			"P1": {Account: "1000"},
			"P2": {Account: "2000"},
		},
		Organizations: map[string]config.Organization{
			"evilcorp": {
				Account: "3000",
				Employees: map[string]config.Employee{
					"P2": {Permissions: []string{OpAdd}},
				},
			},
		},
	}
}

func TestAuthorize(t *testing.T) {
	b := &Bank{perms: testPermissions(), log: log.WithField("id", "BK")}

	assert.NoError(t, b.authorize("P1", "1000", OpAdd), "own account")
	assert.NoError(t, b.authorize("P1", "1000", OpSub), "own account")
	assert.NoError(t, b.authorize("P2", "3000", OpAdd), "granted org permission")

	err := b.authorize("P2", "3000", OpSub)
	msg, ok := fault.Message(err)
	require.True(t, ok)
	assert.Equal(t, "Unauthorized SUB operation on account 3000 requested by P2!", msg)

	err = b.authorize("P1", "3000", OpAdd)
	msg, ok = fault.Message(err)
	require.True(t, ok)
	assert.Equal(t, "Unauthorized ADD operation on account 3000 requested by P1!", msg)

	err = b.authorize("P1", "2000", OpAdd)
	msg, ok = fault.Message(err)
	require.True(t, ok)
	assert.Equal(t, "Unauthorized ADD operation on account 2000 requested by P1!", msg)
}

// bankFixture wires a live relay, a running bank endpoint, and the bank's
// ledger for end-to-end command tests.
type bankFixture struct {
	relayURL string
	bankKey  string
	store    *ledger.Store
	perms    *config.Permissions
}

func startBank(t *testing.T, seed map[string]int64) *bankFixture {
	t.Helper()

	srv := httptest.NewServer(relay.NewServer())
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	store, err := ledger.Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for id, balance := range seed {
		require.NoError(t, store.EnsureAccount(context.Background(), id, balance))
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cfg := &config.Endpoint{
		Person: config.Person{
			ID:   "BK",
			Name: "Bank,The",
			Keys: config.Keys{
				Public:  keyring.EncodePublicKey(&priv.PublicKey),
				Private: keyring.EncodePrivateKey(priv),
			},
		},
		General: config.General{Duration: 60, Retries: 2, Timeout: 1},
		Server:  config.Server{IP: host, Port: port},
	}

	perms := testPermissions()
	perms.Database = "unused"
	b, err := New(cfg, perms, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	return &bankFixture{
		relayURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		bankKey:  cfg.Person.Keys.Public,
		store:    store,
		perms:    perms,
	}
}

// client is a scripted relay client impersonating a person. It answers the
// bank's challenges with its own key pair, which only passes authentication
// when that pair matches the one the permission file binds to the claimed ID.
type client struct {
	id      string
	keys    *keyring.Keyring
	conn    *mux.Conn
	bankKey string
}

func (f *bankFixture) connect(t *testing.T, id string) *client {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := keyring.New(keyring.EncodePublicKey(&priv.PublicKey), keyring.EncodePrivateKey(priv))
	require.NoError(t, err)

	// Bind the generated key to the claimed identity in the permission file
	// unless the fixture already holds one, in which case this client is an
	// impostor with the wrong private key.
	if entry, known := f.perms.Persons[id]; known && entry.PublicKey == "" {
		entry.PublicKey = keys.PublicKey()
		f.perms.Persons[id] = entry
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := transport.Dial(ctx, f.relayURL)
	require.NoError(t, err)
	conn := mux.New(ws)
	t.Cleanup(func() { conn.Close() })

	c := &client{id: id, keys: keys, conn: conn, bankKey: f.bankKey}
	require.True(t, conn.Send(context.Background(),
		relay.ClientInfo{ID: id, PublicKey: keys.PublicKey()}, 1, 0))
	go c.answerChallenges()
	return c
}

func (c *client) answerChallenges() {
	for env := range c.conn.Receive() {
		var in struct {
			SenderID string `json:"sender_id"`
			Message  string `json:"message"`
		}
		if env.UnmarshalPayload(&in) != nil {
			c.conn.ReportFailure(env.ID, nil)
			continue
		}
		plaintext, err := c.keys.Decrypt(in.Message)
		if err != nil {
			c.conn.ReportFailure(env.ID, nil)
			continue
		}
		token, ok := strings.CutPrefix(plaintext, "AUTH ")
		if !ok {
			c.conn.ReportSuccess(env.ID, nil)
			continue
		}
		encrypted, err := keyring.Encrypt(token, c.bankKey)
		if err != nil {
			c.conn.ReportFailure(env.ID, nil)
			continue
		}
		c.conn.ReportSuccess(env.ID, encrypted)
	}
}

// command encrypts a bank command for the bank and sends it through the
// relay, returning the raw outcome.
func (c *client) command(t *testing.T, cmd string) (json.RawMessage, error) {
	t.Helper()
	ciphertext, err := keyring.Encrypt(cmd, c.bankKey)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return c.conn.Action(ctx, "send_message",
		map[string]string{"recipient_id": "BK", "message": ciphertext}, 1, 0)
}

func requireRefusal(t *testing.T, err error, reason string) {
	t.Helper()
	var failed *mux.FailedRequest
	require.ErrorAs(t, err, &failed)
	assert.True(t, failed.Refused)
	assert.JSONEq(t, strconv.Quote(reason), string(failed.Payload))
}

func (f *bankFixture) requireBalance(t *testing.T, id string, want int64) {
	t.Helper()
	got, err := f.store.Balance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAuthorizedTransfer(t *testing.T) {
	f := startBank(t, map[string]int64{"1000": 500, "2000": 0})
	p1 := f.connect(t, "P1")

	_, err := p1.command(t, "ADD [1000] [2000] [150]")
	require.NoError(t, err)
	f.requireBalance(t, "1000", 350)
	f.requireBalance(t, "2000", 150)
}

func TestInsufficientFundsRefused(t *testing.T) {
	f := startBank(t, map[string]int64{"1000": 500, "2000": 0})
	p1 := f.connect(t, "P1")

	_, err := p1.command(t, "ADD [1000] [2000] [600]")
	requireRefusal(t, err, "Account 1000 has only 500 deposited, while requested to transfer 600!")
	f.requireBalance(t, "1000", 500)
	f.requireBalance(t, "2000", 0)
}

func TestUnauthorizedOperationRefused(t *testing.T) {
	f := startBank(t, map[string]int64{"1000": 500, "3000": 10000})
	p1 := f.connect(t, "P1")

	_, err := p1.command(t, "ADD [3000] [1000] [100]")
	requireRefusal(t, err, "Unauthorized ADD operation on account 3000 requested by P1!")
	f.requireBalance(t, "3000", 10000)
}

func TestOrgPermissionGrantsTransfer(t *testing.T) {
	f := startBank(t, map[string]int64{"2000": 0, "3000": 10000})
	p2 := f.connect(t, "P2")

	_, err := p2.command(t, "ADD [3000] [2000] [250]")
	require.NoError(t, err)
	f.requireBalance(t, "3000", 9750)
	f.requireBalance(t, "2000", 250)

	_, err = p2.command(t, "SUB [3000] [10]")
	requireRefusal(t, err, "Unauthorized SUB operation on account 3000 requested by P2!")
	f.requireBalance(t, "3000", 9750)
}

func TestWithdrawal(t *testing.T) {
	f := startBank(t, map[string]int64{"1000": 500})
	p1 := f.connect(t, "P1")

	_, err := p1.command(t, "SUB [1000] [200]")
	require.NoError(t, err)
	f.requireBalance(t, "1000", 300)

	_, err = p1.command(t, "SUB [1000] [301]")
	requireRefusal(t, err, "Account 1000 has only 300 deposited, while requested to withdraw 301!")
	f.requireBalance(t, "1000", 300)
}

func TestImpostorFailsAuthentication(t *testing.T) {
	f := startBank(t, map[string]int64{"1000": 500, "2000": 0})
	// P1's genuine key pair claims the identity in the permission file.
	f.connect(t, "P1")

	// The impostor re-registers as P1 with a different key pair. The bank
	// encrypts its challenge under the key the permission file holds, so
	// the impostor cannot read it.
	impostor := f.connect(t, "P1")
	_, err := impostor.command(t, "SUB [1000] [10]")
	requireRefusal(t, err, "Authentication failed!")
	f.requireBalance(t, "1000", 500)
	f.requireBalance(t, "2000", 0)
}

func TestUnknownSenderFailsAuthentication(t *testing.T) {
	f := startBank(t, map[string]int64{"1000": 500})
	ghost := f.connect(t, "ghost")

	_, err := ghost.command(t, "SUB [1000] [1]")
	requireRefusal(t, err, "Authentication failed!")
	f.requireBalance(t, "1000", 500)
}
