package transport

import (
	"context"
	"errors"
	"fmt"

	"carbon/message"
	"carbon/state"
)

// TransportError is a socket-level failure: dialing, the TLS handshake or
// the connection breaking during an exchange. The connection involved is
// evicted from the pool and the request is not retried.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// streamLevel reports whether err ended only the exchange and left the
// connection usable.
func streamLevel(err error) bool {
	return errors.Is(err, message.ErrStreamReset) ||
		errors.Is(err, state.ErrProtocolViolation) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
