// Package bank implements the banking endpoint: it authenticates requesters
// with a challenge-response exchange, authorizes commands against the static
// permission model, and commits balance changes through the ledger.
package bank

import (
	"context"
	"regexp"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/cipherbus/cipherbus/internal/config"
	"github.com/cipherbus/cipherbus/internal/endpoint"
	"github.com/cipherbus/cipherbus/internal/fault"
	"github.com/cipherbus/cipherbus/internal/keyring"
	"github.com/cipherbus/cipherbus/internal/ledger"
)

// Operations a permission list may grant.
const (
	OpAdd = "ADD" // inter-account transfer
	OpSub = "SUB" // withdrawal
)

// Command grammar. Amounts are non-negative integers; account IDs are opaque.
var (
	addPattern = regexp.MustCompile(`^ADD \[(\S+)\] \[(\S+)\] \[(\d+)\]$`)
	subPattern = regexp.MustCompile(`^SUB \[(\S+)\] \[(\d+)\]$`)
)

// Bank is a banking endpoint bound to a ledger and a permission model.
type Bank struct {
	endpoint *endpoint.Endpoint
	perms    *config.Permissions
	ledger   *ledger.Store
	log      *log.Entry
}

// New builds a bank endpoint. The permission model and ledger are fixed for
// the bank's lifetime.
func New(cfg *config.Endpoint, perms *config.Permissions, store *ledger.Store) (*Bank, error) {
	b := &Bank{
		perms:  perms,
		ledger: store,
		log:    log.WithField("id", cfg.Person.ID),
	}
	ep, err := endpoint.New(cfg, b)
	if err != nil {
		return nil, err
	}
	b.endpoint = ep
	return b, nil
}

// Run runs the underlying endpoint until its configured duration elapses.
func (b *Bank) Run(ctx context.Context) error {
	return b.endpoint.Run(ctx)
}

// ReceiveMessage handles one decrypted command from senderID: authenticate,
// parse, authorize, then commit through the ledger. Unrecognized commands are
// logged and ignored.
func (b *Bank) ReceiveMessage(ctx context.Context, senderID, message string) (string, error) {
	if !b.authenticate(ctx, senderID) {
		return "", fault.New("Authentication failed!")
	}

	if m := addPattern.FindStringSubmatch(message); m != nil {
		return "", b.transfer(ctx, senderID, m[1], m[2], mustAmount(m[3]))
	}
	if m := subPattern.FindStringSubmatch(message); m != nil {
		return "", b.withdraw(ctx, senderID, m[1], mustAmount(m[2]))
	}

	b.log.WithFields(log.Fields{"sender": senderID, "message": message}).
		Warn("ignoring unrecognized command")
	return "", nil
}

// authenticate verifies that senderID holds the private key matching the
// identity in the permission file: a fresh single-use challenge token is sent
// encrypted under that key, and only the genuine holder can read it and
// re-encrypt it for the bank. The key deliberately comes from the permission
// file rather than the relay directory, so re-registering under someone
// else's ID with a different key cannot pass the challenge.
func (b *Bank) authenticate(ctx context.Context, senderID string) bool {
	person, known := b.perms.Persons[senderID]
	if !known {
		b.log.WithField("sender", senderID).Warn("unknown sender")
		return false
	}
	token, err := keyring.NewChallenge()
	if err != nil {
		b.log.WithError(err).Error("failed to generate challenge")
		return false
	}
	reply, err := b.endpoint.SendMessageWithKey(ctx, senderID, person.PublicKey, authPrefixed(token))
	if err != nil {
		b.log.WithFields(log.Fields{"sender": senderID, "err": err}).
			Warn("challenge delivery failed")
		return false
	}
	return reply == token
}

func authPrefixed(token string) string {
	return "AUTH " + token
}

func (b *Bank) transfer(ctx context.Context, senderID, from, to string, amount int64) error {
	if err := b.authorize(senderID, from, OpAdd); err != nil {
		return err
	}
	if err := b.ledger.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	b.log.WithFields(log.Fields{
		"sender": senderID,
		"from":   from,
		"to":     to,
		"amount": amount,
	}).Info("transfer committed")
	return nil
}

func (b *Bank) withdraw(ctx context.Context, senderID, from string, amount int64) error {
	if err := b.authorize(senderID, from, OpSub); err != nil {
		return err
	}
	if err := b.ledger.Withdraw(ctx, from, amount); err != nil {
		return err
	}
	b.log.WithFields(log.Fields{
		"sender": senderID,
		"from":   from,
		"amount": amount,
	}).Info("withdrawal committed")
	return nil
}

// authorize grants an operation on fromAccount when it is the sender's
// personal account, or when the account belongs to an organization that
// employs the sender and grants that specific permission.
func (b *Bank) authorize(senderID, fromAccount, op string) error {
	if person, ok := b.perms.Persons[senderID]; ok && person.Account == fromAccount {
		return nil
	}

	for _, org := range b.perms.Organizations {
		if org.Account != fromAccount {
			continue
		}
		employee, employed := org.Employees[senderID]
		if !employed {
			break
		}
		for _, granted := range employee.Permissions {
			if granted == op {
				return nil
			}
		}
		break
	}

	return fault.Newf("Unauthorized %s operation on account %s requested by %s!",
		op, fromAccount, senderID)
}

func mustAmount(digits string) int64 {
	// The command pattern only matches digit runs.
	amount, _ := strconv.ParseInt(digits, 10, 64)
	return amount
}
