package message

import (
	"context"
	"errors"
)

var (
	// ErrStreamReset is the cancellation cause of a body whose stream was reset.
	ErrStreamReset = errors.New("stream reset")
	// ErrPushUnsupported is returned by Push on connections that cannot push.
	ErrPushUnsupported = errors.New("server push not supported on this stream")
)

// Responder completes one inbound exchange. Respond blocks until the whole
// response has been handed to the connection, pulling body chunks as the
// producer adds them.
type Responder interface {
	Respond(ctx context.Context, resp *Message) error
	// Push promises promise on the request stream and answers it with resp.
	Push(ctx context.Context, promise, resp *Message) error
	// Reset aborts the stream.
	Reset(err error)
}

// Dispatcher is the service-dispatch layer. SubmitInbound is called once
// the request headers are available; the body may still be filling.
type Dispatcher interface {
	SubmitInbound(req *Message, r Responder)
}

type DispatcherFunc func(req *Message, r Responder)

func (f DispatcherFunc) SubmitInbound(req *Message, r Responder) {
	f(req, r)
}

// StreamListener observes stream lifecycle. OnStreamInit runs before the
// request reaches the dispatcher.
type StreamListener interface {
	OnStreamInit(req *Message)
	OnStreamClose(streamID uint32)
}
