// Package fault carries applicative failures whose message is meant for the
// remote caller. Handlers return a Fault instead of raising through the
// dispatcher; the dispatcher translates it into a failure response so that
// every request gets exactly one response.
//
// Any other error kind is treated as internal: it is logged locally and the
// failure response carries a null payload.
package fault

import (
	"errors"
	"fmt"
)

// Fault is an application-level failure with a human-readable reason that is
// surfaced verbatim as the payload of a failure response.
type Fault struct {
	Msg string
}

func (f *Fault) Error() string {
	return f.Msg
}

// New returns a Fault with the given reason.
func New(msg string) error {
	return &Fault{Msg: msg}
}

// Newf returns a Fault with a formatted reason.
func Newf(format string, args ...interface{}) error {
	return &Fault{Msg: fmt.Sprintf(format, args...)}
}

// Message extracts the advisory string if err is (or wraps) a Fault.
func Message(err error) (string, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Msg, true
	}
	return "", false
}
