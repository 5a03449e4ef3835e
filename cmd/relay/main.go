// The relay routes end-to-end-encrypted payloads between registered
// endpoints and serves the public-key directory. It stores no messages and
// never sees plaintext.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/cipherbus/cipherbus/internal/config"
	"github.com/cipherbus/cipherbus/internal/relay"
)

func main() {
	cfg := &config.Relay{Port: 8765}

	// Configuration is optional for the relay: an explicit path wins, then
	// configs/relay.yaml, then the built-in defaults.
	if len(os.Args) >= 2 {
		loaded, err := config.LoadRelay(os.Args[1])
		if err != nil {
			log.WithError(err).Fatalf("failed to load config from %s", os.Args[1])
		}
		cfg = loaded
	} else if _, err := os.Stat("configs/relay.yaml"); err == nil {
		loaded, err := config.LoadRelay("configs/relay.yaml")
		if err != nil {
			log.WithError(err).Fatal("failed to load configs/relay.yaml")
		}
		cfg = loaded
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relay.NewServer().Run(ctx, fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.WithError(err).Fatal("relay failed")
	}
}
