// Package state holds the per-stream inbound and outbound state machines shared
// by the HTTP/1.1 and HTTP/2 codecs.
package state

import "errors"

// ErrProtocolViolation is returned when a peer sends a frame sequence that no
// state of the inbound machine accepts. The stream is reset, the connection survives.
var ErrProtocolViolation = errors.New("protocol violation")

// ListenerState is the inbound side of a stream.
type ListenerState int

const (
	Idle ListenerState = iota
	ReceivingHeaders
	ReceivingEntityBody
	EntityBodyReceived
	Reset
)

func (s ListenerState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ReceivingHeaders:
		return "ReceivingHeaders"
	case ReceivingEntityBody:
		return "ReceivingEntityBody"
	case EntityBodyReceived:
		return "EntityBodyReceived"
	case Reset:
		return "Reset"
	}
	return "Unknown"
}

// SenderState is the outbound side of a stream.
type SenderState int

const (
	SenderIdle SenderState = iota
	SendingEntityBody
	SendCompleted
	SenderReset
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "SenderIdle"
	case SendingEntityBody:
		return "SendingEntityBody"
	case SendCompleted:
		return "SendCompleted"
	case SenderReset:
		return "SenderReset"
	}
	return "Unknown"
}

// Role tells whether the stream belongs to an accepted (server) or dialed
// (client) connection. Server streams may only write once a request exists.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// EventKind is an inbound codec event.
type EventKind int

const (
	EventHeaders EventKind = iota
	EventData
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventHeaders:
		return "headers"
	case EventData:
		return "data"
	case EventReset:
		return "reset"
	}
	return "unknown"
}

// Event is what a codec reports to the inbound machine.
type Event struct {
	Kind      EventKind
	EndStream bool
	// Initial is set when a header block opens a message, that is it
	// carries a request line / :method or a status line / :status.
	Initial bool
}

// Action tells the codec what to do with the payload of an accepted event.
type Action int

const (
	// ActionIgnore means the event was dropped with a warning.
	ActionIgnore Action = iota
	// ActionNone means the transition carries no payload work.
	ActionNone
	// ActionNewMessage creates and registers the message; its body follows.
	ActionNewMessage
	// ActionNewMessageNoBody creates the message and terminates its body immediately.
	ActionNewMessageNoBody
	// ActionTrailers appends the header block as trailers and terminates the body.
	ActionTrailers
	// ActionAppendChunk appends a DATA payload to the body.
	ActionAppendChunk
	// ActionAppendLastChunk appends a DATA payload and terminates the body.
	ActionAppendLastChunk
	// ActionCancel cancels the pending body consumer and releases the stream.
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionNone:
		return "none"
	case ActionNewMessage:
		return "new-message"
	case ActionNewMessageNoBody:
		return "new-message-no-body"
	case ActionTrailers:
		return "trailers"
	case ActionAppendChunk:
		return "append-chunk"
	case ActionAppendLastChunk:
		return "append-last-chunk"
	case ActionCancel:
		return "cancel"
	}
	return "unknown"
}

// Op is an outbound write operation.
type Op int

const (
	OpWriteHeaders Op = iota
	OpWriteBody
	OpWriteTrailers
	OpWritePromise
	OpReset
)

func (o Op) String() string {
	switch o {
	case OpWriteHeaders:
		return "writeOutboundHeaders"
	case OpWriteBody:
		return "writeOutboundBody"
	case OpWriteTrailers:
		return "writeOutboundTrailers"
	case OpWritePromise:
		return "writeOutboundPromise"
	case OpReset:
		return "resetStream"
	}
	return "unknown"
}
