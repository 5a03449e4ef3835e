// Package relay implements the central relay: a directory of registered
// endpoints and a dispatcher that serves the relay action set over each
// endpoint's connection. The relay routes ciphertext between endpoints and
// publishes their registration metadata; it never inspects or stores message
// content.
package relay

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cipherbus/cipherbus/internal/mux"
)

// ClientInfo is the registration metadata an endpoint provides as the payload
// of the first request on a new connection.
type ClientInfo struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	PublicKey string `json:"public_key"`
}

type entry struct {
	info ClientInfo
	conn *mux.Conn
}

// Directory maps endpoint IDs to live connections and registration metadata.
// Lookups for an endpoint that has not registered yet suspend until its
// registration arrives, which is what lets a sender address a recipient that
// connects later.
type Directory struct {
	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string][]chan struct{}
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		entries: make(map[string]*entry),
		waiters: make(map[string][]chan struct{}),
	}
}

// Register reads exactly one envelope from the connection, stores its payload
// as the endpoint's registration, wakes every waiter for that ID, and
// acknowledges the registration to the endpoint. If the ID is already present
// the new registration replaces the old entry: the previous connection is
// assumed dead.
func (d *Directory) Register(conn *mux.Conn) (string, error) {
	env, ok := <-conn.Receive()
	if !ok {
		return "", fmt.Errorf("connection closed before registration")
	}

	var info ClientInfo
	if err := env.UnmarshalPayload(&info); err != nil {
		conn.ReportFailure(env.ID, "invalid registration payload")
		return "", fmt.Errorf("invalid registration payload: %w", err)
	}
	if info.ID == "" {
		conn.ReportFailure(env.ID, "registration requires an id")
		return "", fmt.Errorf("registration without an id")
	}

	d.mu.Lock()
	d.entries[info.ID] = &entry{info: info, conn: conn}
	for _, waiter := range d.waiters[info.ID] {
		close(waiter)
	}
	delete(d.waiters, info.ID)
	d.mu.Unlock()

	if err := conn.ReportSuccess(env.ID, nil); err != nil {
		return "", fmt.Errorf("failed to acknowledge registration: %w", err)
	}

	log.WithFields(log.Fields{
		"id":         info.ID,
		"first_name": info.FirstName,
		"last_name":  info.LastName,
	}).Info("client registered")

	return info.ID, nil
}

// Deregister removes the entry for an ID. Idempotent. Waiters are not
// affected: a pending lookup keeps waiting for the next registration under
// that ID.
func (d *Directory) Deregister(id string) {
	d.mu.Lock()
	_, existed := d.entries[id]
	delete(d.entries, id)
	d.mu.Unlock()

	if existed {
		log.WithField("id", id).Info("client deregistered")
	}
}

// Connection returns the live connection registered under id, suspending
// until the endpoint registers or the context is cancelled.
func (d *Directory) Connection(ctx context.Context, id string) (*mux.Conn, error) {
	e, err := d.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.conn, nil
}

// Info returns the registration metadata for id, suspending until the
// endpoint registers or the context is cancelled.
func (d *Directory) Info(ctx context.Context, id string) (ClientInfo, error) {
	e, err := d.lookup(ctx, id)
	if err != nil {
		return ClientInfo{}, err
	}
	return e.info, nil
}

func (d *Directory) lookup(ctx context.Context, id string) (*entry, error) {
	for {
		d.mu.Lock()
		if e, ok := d.entries[id]; ok {
			d.mu.Unlock()
			return e, nil
		}
		// One-shot waiter, fired only by Register. Spurious wakeups are
		// impossible, but the entry may have been deregistered again by the
		// time we re-check, hence the loop.
		waiter := make(chan struct{})
		d.waiters[id] = append(d.waiters[id], waiter)
		d.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			d.removeWaiter(id, waiter)
			return nil, ctx.Err()
		}
	}
}

// removeWaiter drops a cancelled waiter from the set so the set only exists
// while at least one caller waits.
func (d *Directory) removeWaiter(id string, waiter chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.waiters[id]
	for i, w := range waiters {
		if w == waiter {
			d.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(d.waiters[id]) == 0 {
		delete(d.waiters, id)
	}
}
