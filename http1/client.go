package http1

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon/message"
	"carbon/state"
)

// ErrConnBroken is returned by RoundTrip on a connection that failed or
// lost keep-alive.
var ErrConnBroken = errors.New("http1: connection not reusable")

// ClientConn is one dialed HTTP/1.1 connection carrying one exchange at a
// time.
type ClientConn struct {
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	log    *zap.Logger
	remote string

	// inuse holds a token while an exchange owns the connection, that is
	// until the response body has been read off the wire.
	inuse chan struct{}

	mu       sync.Mutex
	reusable bool
	closed   bool
}

func NewClientConn(conn net.Conn, log *zap.Logger) *ClientConn {
	if log == nil {
		log = zap.NewNop()
	}
	remote := conn.RemoteAddr().String()
	return &ClientConn{
		conn:     conn,
		br:       bufio.NewReader(conn),
		bw:       bufio.NewWriter(conn),
		log:      log.Named("http1").With(zap.String("remote", remote)),
		remote:   remote,
		inuse:    make(chan struct{}, 1),
		reusable: true,
	}
}

// RoundTrip writes req and reads the response head. The response body is
// read off the connection in the background; the connection is ready for
// the next exchange once that body is complete.
func (c *ClientConn) RoundTrip(ctx context.Context, req *message.Message) (*message.Message, error) {
	select {
	case c.inuse <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !c.Reusable() {
		<-c.inuse
		return nil, ErrConnBroken
	}

	cctx := state.NewContext(0, state.RoleClient, c.remote, c.log)
	req.State = cctx
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})

	resp, kind, length, err := c.exchange(ctx, req, cctx)
	if err != nil {
		stop()
		c.fail(err)
		<-c.inuse
		if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			err = ctx.Err()
		}
		return nil, err
	}

	if kind == bodyNone {
		stop()
		resp.Content().Close()
		c.finish(resp)
		return resp, nil
	}
	go func() {
		body := &bodyReader{r: c.br, msg: resp, ctx: cctx, wait: ctx}
		err := body.read(kind, length)
		stop()
		if err != nil {
			c.fail(err)
			<-c.inuse
			return
		}
		c.finish(resp)
	}()
	return resp, nil
}

func (c *ClientConn) exchange(ctx context.Context, req *message.Message, cctx *state.Context) (*message.Message, bodyKind, int64, error) {
	s := &sender{w: c.bw, ctx: cctx}
	s.head = func(kind bodyKind) error {
		return writeRequestHead(c.bw, req, kind, true)
	}
	if _, err := s.send(ctx, req, false); err != nil {
		return nil, bodyNone, 0, err
	}

	resp, err := ReadResponseHead(c.br)
	if err != nil {
		return nil, bodyNone, 0, err
	}
	kind, length, err := responseBody(resp, req.Method)
	if err != nil {
		return nil, bodyNone, 0, err
	}
	if _, err := cctx.Inbound(state.Event{Kind: state.EventHeaders, EndStream: kind == bodyNone, Initial: true}); err != nil {
		return nil, bodyNone, 0, err
	}
	resp.State = cctx
	resp.Authority = req.Host()
	resp.Scheme = req.Scheme
	return resp, kind, length, nil
}

// finish ends a successful exchange and frees the connection.
func (c *ClientConn) finish(resp *message.Message) {
	c.conn.SetDeadline(time.Time{})
	keepAlive := !resp.Headers.HasToken("Connection", "close")
	if resp.Protocol == message.HTTP10 {
		keepAlive = resp.Headers.HasToken("Connection", "keep-alive")
	}
	if kind, _, _ := responseBody(resp, ""); kind == bodyUntilClose {
		keepAlive = false
	}
	if !keepAlive {
		c.mu.Lock()
		c.reusable = false
		c.mu.Unlock()
	}
	<-c.inuse
}

func (c *ClientConn) fail(err error) {
	c.log.Debug("exchange failed", zap.Error(err))
	c.mu.Lock()
	c.reusable = false
	c.mu.Unlock()
	c.conn.Close()
}

// Alive reports whether an idle connection is still usable. A peer that
// closed or wrote unsolicited data fails the check. A busy connection is
// assumed alive.
func (c *ClientConn) Alive() bool {
	c.mu.Lock()
	if c.closed || !c.reusable {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.inuse <- struct{}{}:
	default:
		return true
	}
	defer func() { <-c.inuse }()

	if c.br.Buffered() > 0 {
		return false
	}
	c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.br.Peek(1)
	c.conn.SetReadDeadline(time.Time{})
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *ClientConn) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reusable && !c.closed
}

// MaxStreams is 1: HTTP/1.1 connections are not multiplexed.
func (c *ClientConn) MaxStreams() int {
	return 1
}

func (c *ClientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
