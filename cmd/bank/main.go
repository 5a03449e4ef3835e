// A bank endpoint serves permission-gated banking commands over the relay:
// it authenticates requesters with a challenge-response exchange and commits
// balance changes through the SQLite ledger.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/cipherbus/cipherbus/internal/bank"
	"github.com/cipherbus/cipherbus/internal/config"
	"github.com/cipherbus/cipherbus/internal/ledger"
)

const defaultPermissionsFile = "configs/bank_permissions.yaml"

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <config.yaml> [permissions.yaml]", os.Args[0])
	}
	permissionsFile := defaultPermissionsFile
	if len(os.Args) >= 3 {
		permissionsFile = os.Args[2]
	}

	cfg, err := config.LoadEndpoint(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	perms, err := config.LoadPermissions(permissionsFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load permissions")
	}

	store, err := ledger.Open(perms.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to open ledger")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed configured balances on a fresh database; existing rows win.
	for id, balance := range perms.Accounts {
		if err := store.EnsureAccount(ctx, id, balance); err != nil {
			log.WithError(err).Fatalf("failed to seed account %s", id)
		}
	}

	b, err := bank.New(cfg, perms, store)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize bank")
	}
	if err := b.Run(ctx); err != nil {
		log.WithError(err).Fatal("bank failed")
	}
}
