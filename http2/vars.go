package http2

/*
HTTP/2 protocol as defined in RFC 9113.

The basic flow is:
- Client connects and sends a connection preface (see ClientPreface)
- Both sides exchange SETTINGS frames
- Communication proceeds with frames on numbered streams; client streams
  are odd, pushed streams are even

Every connection runs three goroutines: a reader that decodes frames, a
loop that owns the stream registry and flow control windows, and a writer
that encodes header blocks and writes frames in queue order.
*/

import (
	"errors"
	"time"

	xhttp2 "golang.org/x/net/http2"
)

const ClientPreface = xhttp2.ClientPreface

const (
	defaultMaxConcurrentStreams = 250
	defaultInitialWindowSize    = 1 << 20
	defaultMaxHeaderListSize    = 1 << 20
	defaultPingTimeout          = 5 * time.Second

	// Values in effect until the peer's SETTINGS say otherwise.
	initialWindowSize     = 65535
	initialMaxFrameSize   = 16384
	initialPeerMaxStreams = 100
	headerTableSize       = 4096

	maxWindow   = 1<<31 - 1
	maxStreamID = 1<<31 - 1

	// pingIdleThreshold is how long a connection may be silent before
	// Alive confirms it with a PING round trip.
	pingIdleThreshold = 30 * time.Second
)

var (
	// ErrConnClosed is returned for operations on a closed connection.
	ErrConnClosed = errors.New("http2: connection closed")
	// ErrStreamLimit is returned when the peer's concurrent stream limit is reached.
	ErrStreamLimit = errors.New("http2: peer stream limit reached")
	// ErrWriteRefused is returned when a write is not valid in the stream state.
	ErrWriteRefused = errors.New("http2: write not valid in stream state")
	// ErrGoAway is returned for streams the peer will not process after GOAWAY.
	// Requests failing with it were not handled and can be retried.
	ErrGoAway = errors.New("http2: stream not processed after GOAWAY")

	errRecvWindow = errors.New("http2: peer overran the stream receive window")
)

// Config holds the HTTP/2 connection settings.
type Config struct {
	// MaxConcurrentStreams bounds the streams the peer may open. For clients
	// it also caps MaxStreams.
	MaxConcurrentStreams uint32
	// InitialWindowSize is the receive window advertised for every stream
	// and added to the connection window.
	InitialWindowSize uint32
	MaxHeaderListSize uint32
	// ReadTimeout bounds reading the client preface.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout closes a connection that has had no open stream for
	// that long.
	IdleTimeout time.Duration
	PingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if c.InitialWindowSize < initialWindowSize {
		c.InitialWindowSize = defaultInitialWindowSize
	}
	if c.InitialWindowSize > maxWindow {
		c.InitialWindowSize = maxWindow
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = defaultMaxHeaderListSize
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	return c
}
