// A person endpoint registers with the relay, delivers its configured
// outbound messages, and logs whatever it receives. The run ends when the
// configured duration elapses.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/cipherbus/cipherbus/internal/config"
	"github.com/cipherbus/cipherbus/internal/endpoint"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <config.yaml>", os.Args[0])
	}

	cfg, err := config.LoadEndpoint(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ep, err := endpoint.New(cfg, endpoint.Person{})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize endpoint")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ep.Run(ctx); err != nil {
		log.WithError(err).Fatal("endpoint failed")
	}
}
