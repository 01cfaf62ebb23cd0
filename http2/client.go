package http2

import (
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"carbon/message"
	"carbon/state"
)

// ClientConn is a dialed HTTP/2 connection multiplexing requests on odd
// numbered streams.
type ClientConn struct {
	c *conn
}

// NewClientConn sends the connection preface and settings on nc and starts
// serving it. The connection lives until Close, a connection error or the
// peer closing it.
func NewClientConn(nc net.Conn, cfg Config, log *zap.Logger) *ClientConn {
	c := newConn(nc, nil, state.RoleClient, cfg.withDefaults(), log)
	c.nextStreamID = 1
	c.start()
	go c.loop(context.Background())
	return &ClientConn{c: c}
}

// openStream allocates the next stream and queues its header block in one
// step, so stream ids go out in increasing order.
func (c *conn) openStream(ctx context.Context, fields []hpack.HeaderField, end bool) (*stream, error) {
	if c.goAwayReceived || c.goAwaySent {
		return nil, ErrGoAway
	}
	if uint32(c.localStreams) >= c.peerMaxStreams.Load() {
		return nil, ErrStreamLimit
	}
	if c.nextStreamID > maxStreamID {
		c.draining.Store(true)
		return nil, ErrStreamLimit
	}
	id := c.nextStreamID
	c.nextStreamID += 2

	st := c.newStream(id, state.NewContext(id, state.RoleClient, c.remote, c.log))
	st.respch = make(chan *message.Message, 1)
	st.errch = make(chan error, 1)
	c.streams[id] = st
	c.localStreams++
	if err := c.writeHeaders(st, fields, end); err != nil {
		c.removeStream(st)
		return nil, err
	}
	st.stop = context.AfterFunc(ctx, func() {
		c.post(func() { c.resetStream(st, xhttp2.ErrCodeCancel, ctx.Err()) })
	})
	return st, nil
}

// RoundTrip sends req on a new stream and returns the response once its
// header block arrived. The body fills as DATA frames come in. Cancelling
// ctx resets the stream.
func (cc *ClientConn) RoundTrip(ctx context.Context, req *message.Message) (*message.Message, error) {
	c := cc.c
	fields := requestFields(req)

	first, err := req.Content().Next(ctx)
	if err == io.EOF {
		first, err = message.Chunk{Last: true}, nil
	}
	if err != nil {
		return nil, err
	}
	end := headersEnd(first, req, false)

	var st *stream
	err = c.run(ctx, func() error {
		var err error
		st, err = c.openStream(ctx, fields, end)
		return err
	})
	if err != nil {
		return nil, err
	}
	req.StreamID = st.id
	req.State = st.ctx
	req.SetBackPressure(st.bp)

	if !end {
		go func() {
			if err := c.sendBody(ctx, st, req, first); err != nil {
				c.log.Debug("request body failed", zap.Uint32("stream", st.id), zap.Error(err))
			}
		}()
	}

	select {
	case resp := <-st.respch:
		resp.Scheme = req.Scheme
		resp.Authority = req.Host()
		return resp, nil
	case err := <-st.errch:
		select {
		case resp := <-st.respch:
			return resp, nil
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
}

// Ping checks the connection with a PING round trip.
func (cc *ClientConn) Ping(ctx context.Context) error {
	return cc.c.ping(ctx)
}

// Alive reports whether the connection can take another stream. A
// connection silent for a while is confirmed with a PING.
func (cc *ClientConn) Alive() bool {
	if !cc.Reusable() {
		return false
	}
	last := time.Unix(0, cc.c.lastActivity.Load())
	if time.Since(last) < pingIdleThreshold {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), cc.c.cfg.PingTimeout)
	defer cancel()
	return cc.Ping(ctx) == nil
}

// Reusable is false once either side sent GOAWAY or the connection closed.
func (cc *ClientConn) Reusable() bool {
	select {
	case <-cc.c.donech:
		return false
	default:
	}
	return !cc.c.draining.Load()
}

// MaxStreams is the number of concurrent requests the peer accepts, capped
// by the local limit.
func (cc *ClientConn) MaxStreams() int {
	n := cc.c.peerMaxStreams.Load()
	if n > cc.c.cfg.MaxConcurrentStreams {
		n = cc.c.cfg.MaxConcurrentStreams
	}
	return int(n)
}

// Close sends GOAWAY and closes the connection. Open streams fail.
func (cc *ClientConn) Close() error {
	cc.c.post(func() {
		cc.c.goAway(xhttp2.ErrCodeNo)
		cc.c.teardown(ErrConnClosed)
	})
	return nil
}
