package endpoint

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Person is the plain endpoint handler: it logs each received message and
// sends no reply.
type Person struct{}

func (Person) ReceiveMessage(_ context.Context, senderID, message string) (string, error) {
	log.Infof("From %s received message: %s", senderID, message)
	return "", nil
}
