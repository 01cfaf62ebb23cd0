package http1

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon/config"
	"carbon/logging"
	"carbon/message"
	"carbon/state"
)

// Config holds the per-connection limits of the HTTP/1.1 server.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout bounds the wait for the next request on a keep-alive
	// connection.
	IdleTimeout time.Duration
}

// ServerConn serves requests from one accepted connection, one at a time.
type ServerConn struct {
	conn       net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	cfg        Config
	dispatcher message.Dispatcher
	listeners  []message.StreamListener
	log        *zap.Logger
	remote     string

	mu      sync.Mutex
	idle    bool
	closing bool
}

// errBodyNotRead ends a connection whose handler answered before the
// request body had been received.
var errBodyNotRead = errors.New("http1: response sent before the request body was read")

// NewServerConn wraps conn. br may hold bytes already read from conn,
// for example by protocol detection; nil creates a fresh reader.
func NewServerConn(conn net.Conn, br *bufio.Reader, cfg Config, d message.Dispatcher, log *zap.Logger, listeners ...message.StreamListener) *ServerConn {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	if log == nil {
		log = zap.NewNop()
	}
	remote := conn.RemoteAddr().String()
	return &ServerConn{
		conn:       conn,
		br:         br,
		bw:         bufio.NewWriter(conn),
		cfg:        cfg,
		dispatcher: d,
		listeners:  listeners,
		log:        log.Named("http1").With(zap.String("remote", remote)),
		remote:     remote,
	}
}

// Serve runs the request loop until the peer closes, a request asks for
// close, an unrecoverable error happens, Shutdown is called or ctx is done.
// The connection is closed on return.
func (c *ServerConn) Serve(ctx context.Context) error {
	defer c.conn.Close()
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	first := true
	for {
		ok, err := c.awaitRequest(first)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		req, err := ReadRequestHead(c.br)
		closing := c.busy()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) || ctx.Err() != nil || closing {
				return nil
			}
			if errors.Is(err, state.ErrProtocolViolation) {
				c.log.Debug("bad request", zap.Error(err))
				c.serveError(400)
			}
			return err
		}
		first = false

		keepAlive, err := c.serveOne(ctx, req)
		if err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

// Shutdown ends the connection once the exchange in progress is complete.
// A connection waiting for its next request is closed right away.
func (c *ServerConn) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	if c.idle {
		c.conn.SetReadDeadline(time.Now())
	}
}

// awaitRequest marks the connection idle and arms the deadline for the
// next request head. It reports false after Shutdown.
func (c *ServerConn) awaitRequest(first bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false, nil
	}
	c.idle = true
	return true, c.setReadDeadline(first)
}

// busy leaves the idle state. A head that arrived together with Shutdown
// is still served, so the cut deadline is re-armed.
func (c *ServerConn) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = false
	if c.closing {
		c.setReadDeadline(true)
	}
	return c.closing
}

func (c *ServerConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *ServerConn) setReadDeadline(first bool) error {
	timeout := c.cfg.IdleTimeout
	if first || timeout <= 0 {
		timeout = c.cfg.ReadTimeout
	}
	if timeout <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (c *ServerConn) serveOne(ctx context.Context, req *message.Message) (bool, error) {
	kind, length, err := requestBody(req)
	if err != nil {
		c.serveError(400)
		return false, err
	}
	req.Scheme = "http"
	if _, ok := c.conn.(*tls.Conn); ok {
		req.Scheme = "https"
	}

	sctx := state.NewContext(0, state.RoleServer, c.remote, c.log)
	if _, err := sctx.Inbound(state.Event{Kind: state.EventHeaders, EndStream: kind == bodyNone, Initial: true}); err != nil {
		return false, err
	}
	req.State = sctx
	if kind == bodyNone {
		req.Content().Close()
	}
	for _, l := range c.listeners {
		l.OnStreamInit(req)
	}
	defer func() {
		for _, l := range c.listeners {
			l.OnStreamClose(0)
		}
	}()

	r := &responder{jobs: make(chan respondJob), reset: make(chan struct{}), done: make(chan struct{})}
	defer close(r.done)
	go c.dispatcher.SubmitInbound(req, r)

	if req.Headers.HasToken("Expect", "100-continue") && kind != bodyNone {
		c.bw.WriteString(message.HTTP11 + " 100 Continue" + CRLF + CRLF)
		if err := c.bw.Flush(); err != nil {
			return false, err
		}
	}
	// The body is read while the dispatcher runs, at most maxBufferedBody
	// ahead of its consumer.
	var bodyc chan error
	if kind != bodyNone {
		bodyc = make(chan error, 1)
		body := &bodyReader{r: c.br, msg: req, ctx: sctx, wait: ctx}
		go func() {
			err := body.read(kind, length)
			if err == nil {
				c.conn.SetReadDeadline(time.Time{})
			}
			bodyc <- err
		}()
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	var job respondJob
wait:
	for {
		select {
		case job = <-r.jobs:
			break wait
		case err := <-bodyc:
			bodyc = nil
			if err != nil {
				if errors.Is(err, state.ErrProtocolViolation) {
					c.serveError(400)
				}
				return false, err
			}
		case <-r.reset:
			// A dispatcher giving up on a malformed body still owes the peer a 400.
			if err := req.Content().Err(); errors.Is(err, state.ErrProtocolViolation) {
				c.serveError(400)
				return false, err
			}
			sctx.Outbound(state.OpReset, false)
			return false, message.ErrStreamReset
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	bodyRead := kind == bodyNone || bodyc == nil || req.Content().Complete()

	keepAlive := wantsKeepAlive(req) && !job.resp.Headers.HasToken("Connection", "close") && bodyRead && !c.isClosing()
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	resp := job.resp
	resp.Protocol = req.Protocol
	if !resp.Headers.Has("Server") {
		resp.Headers.Set("Server", "Carbon/"+config.VERSION)
	}
	if !resp.Headers.Has("Date") {
		resp.Headers.Set("Date", time.Now().UTC().Format(time.RFC1123))
	}
	noBody := req.Method == "HEAD" || resp.Status == 204 || resp.Status == 304 || resp.Status < 200
	s := &sender{w: c.bw, ctx: sctx}
	var delimited bool
	s.head = func(kind bodyKind) error {
		delimited = kind != bodyUntilClose
		return writeResponseHead(c.bw, resp, kind, keepAlive && delimited)
	}
	complete, err := s.send(ctx, resp, noBody)
	job.result <- err
	logging.RequestLog(c.log, req.Method, req.Path, req.Protocol, req.Host(), resp.Status)
	if err != nil {
		return false, err
	}
	c.conn.SetWriteDeadline(time.Time{})
	if bodyc != nil {
		if !req.Content().Complete() {
			c.log.Debug("closing connection with request body unread", zap.Int("buffered", req.Content().Buffered()))
			req.Content().Cancel(errBodyNotRead)
			return false, nil
		}
		if err := <-bodyc; err != nil {
			return false, nil
		}
	}
	return keepAlive && complete && delimited, nil
}

func wantsKeepAlive(req *message.Message) bool {
	if req.Headers.HasToken("Connection", "close") {
		return false
	}
	if req.Protocol == message.HTTP10 {
		return req.Headers.HasToken("Connection", "keep-alive")
	}
	return true
}

// serveError writes a minimal error page and ends the exchange.
func (c *ServerConn) serveError(status int) {
	statusText := StatusText(status)
	body := fmt.Sprintf(
		"<!DOCTYPE html><html><head><title>%s</title></head><body><center><h1>%d %s</h1><hr><p>Carbon v%s</p></center></body></html>",
		statusText, status, statusText, config.VERSION,
	)
	fmt.Fprintf(c.bw, "%s %d %s\r\n", message.HTTP11, status, statusText)
	fmt.Fprintf(c.bw, "Server: Carbon/%s\r\n", config.VERSION)
	c.bw.WriteString("Connection: close\r\n")
	fmt.Fprintf(c.bw, "Content-Length: %d\r\n", len(body))
	c.bw.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	c.bw.WriteString(body)
	c.bw.Flush()
}

type respondJob struct {
	resp   *message.Message
	result chan error
}

// responder hands the response to the connection goroutine, which writes
// it while the rest of the request body is still arriving if need be.
type responder struct {
	jobs      chan respondJob
	reset     chan struct{}
	resetOnce sync.Once
	done      chan struct{}
}

func (r *responder) Respond(ctx context.Context, resp *message.Message) error {
	job := respondJob{resp: resp, result: make(chan error, 1)}
	select {
	case r.jobs <- job:
	case <-r.done:
		return message.ErrStreamReset
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *responder) Push(ctx context.Context, promise, resp *message.Message) error {
	return message.ErrPushUnsupported
}

func (r *responder) Reset(err error) {
	r.resetOnce.Do(func() {
		close(r.reset)
	})
}
