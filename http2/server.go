package http2

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	xhttp2 "golang.org/x/net/http2"

	"carbon/logging"
	"carbon/message"
	"carbon/state"
)

// ServerConn serves one accepted HTTP/2 connection. Each stream's request
// is registered in an InboundMessageHolder and submitted to the
// dispatcher as soon as its header block arrived.
type ServerConn struct {
	c *conn
}

// NewServerConn wraps nc. r is where frames are read from; it may be a
// buffered reader that already holds the client preface. nil reads nc.
func NewServerConn(nc net.Conn, r io.Reader, cfg Config, d message.Dispatcher, log *zap.Logger, listeners ...message.StreamListener) *ServerConn {
	c := newConn(nc, r, state.RoleServer, cfg.withDefaults(), log)
	c.dispatcher = d
	c.listeners = listeners
	c.nextStreamID = 2
	return &ServerConn{c: c}
}

// readPreface consumes the client connection preface.
func (s *ServerConn) readPreface() error {
	c := s.c
	if d := c.cfg.ReadTimeout; d > 0 {
		c.nc.SetReadDeadline(time.Now().Add(d))
		defer c.nc.SetReadDeadline(time.Time{})
	}
	preface := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(c.br, preface); err != nil {
		return err
	}
	if string(preface) != ClientPreface {
		return fmt.Errorf("%w: invalid client preface %q", state.ErrProtocolViolation, preface)
	}
	return nil
}

// Serve runs the connection until the peer closes it, a connection error
// occurs or ctx is done. Streams still open when ctx is done are failed.
func (s *ServerConn) Serve(ctx context.Context) error {
	if err := s.readPreface(); err != nil {
		s.c.nc.Close()
		return err
	}
	s.c.start()
	return s.c.loop(ctx)
}

// Shutdown sends GOAWAY. Streams already open complete; the connection
// closes when the last one does.
func (s *ServerConn) Shutdown(ctx context.Context) error {
	return s.c.run(ctx, func() error {
		s.c.goAway(xhttp2.ErrCodeNo)
		return nil
	})
}

// Holder returns the registry entry of a stream that is still open.
func (s *ServerConn) Holder(id uint32) (*InboundMessageHolder, bool) {
	var h *InboundMessageHolder
	s.c.run(context.Background(), func() error {
		if st, ok := s.c.streams[id]; ok {
			h = st.holder
		}
		return nil
	})
	return h, h != nil
}

// StreamCount returns the number of registered streams, pushed ones
// included.
func (s *ServerConn) StreamCount() int {
	var n int
	s.c.run(context.Background(), func() error {
		n = len(s.c.streams)
		return nil
	})
	return n
}

// promise reserves a pushed stream for promise on parent and queues the
// PUSH_PROMISE frame.
func (c *conn) promise(parent *stream, promise *message.Message) (*stream, error) {
	if !c.peerPushEnabled || c.goAwayReceived || c.goAwaySent {
		return nil, message.ErrPushUnsupported
	}
	if parent.reset {
		return nil, message.ErrStreamReset
	}
	if c.nextStreamID > maxStreamID {
		return nil, ErrStreamLimit
	}
	if !parent.ctx.Outbound(state.OpWritePromise, false) {
		return nil, ErrWriteRefused
	}
	id := c.nextStreamID
	c.nextStreamID += 2

	if promise.Scheme == "" {
		promise.Scheme = parent.msg.Scheme
	}
	if promise.Authority == "" {
		promise.Authority = parent.msg.Host()
	}
	promise.Protocol = message.HTTP20
	pctx := state.NewContext(id, state.RoleServer, c.remote, c.log)
	pctx.Inbound(state.Event{Kind: state.EventHeaders, EndStream: true, Initial: true})
	promise.StreamID = id
	promise.State = pctx
	promise.Content().Close()

	st := c.newStream(id, pctx)
	st.msg = promise
	c.streams[id] = st
	parent.holder.addPromise(promise)

	c.w.enqueue(frameWrite{
		kind:      writePushPromise,
		streamID:  parent.id,
		promiseID: id,
		fields:    requestFields(promise),
		maxFrame:  c.peerMaxFrameSize,
	})
	return st, nil
}

// responder answers one request stream.
type responder struct {
	c   *conn
	st  *stream
	req *message.Message
}

func noBody(req, resp *message.Message) bool {
	return req.Method == "HEAD" || resp.Status == 204 || resp.Status == 304
}

func (r *responder) Respond(ctx context.Context, resp *message.Message) error {
	resp.StreamID = r.st.id
	resp.State = r.st.ctx
	resp.Protocol = message.HTTP20
	resp.SetBackPressure(r.st.bp)
	err := r.c.send(ctx, r.st, resp, responseFields(resp), noBody(r.req, resp))
	logging.RequestLog(r.c.log, r.req.Method, r.req.Path, message.HTTP20, r.req.Host(), resp.Status)
	return err
}

func (r *responder) Push(ctx context.Context, promise, resp *message.Message) error {
	if promise.Method == "" {
		promise.Method = "GET"
	}
	var pst *stream
	err := r.c.run(ctx, func() error {
		var err error
		pst, err = r.c.promise(r.st, promise)
		return err
	})
	if err != nil {
		return err
	}
	resp.StreamID = pst.id
	resp.State = pst.ctx
	resp.Protocol = message.HTTP20
	resp.SetBackPressure(pst.bp)
	return r.c.send(ctx, pst, resp, responseFields(resp), noBody(promise, resp))
}

func (r *responder) Reset(err error) {
	r.c.post(func() {
		r.c.resetStream(r.st, xhttp2.ErrCodeCancel, err)
	})
}
