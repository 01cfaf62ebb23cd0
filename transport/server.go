// Package transport binds the HTTP/1.1 and HTTP/2 engines to sockets: a
// Server that accepts connections and hands requests to a dispatcher, and
// a Client that writes requests through a connection pool.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"carbon/config"
	"carbon/http1"
	"carbon/http2"
	"carbon/message"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Server config.ServerConfig
	// TLS enables TLS with ALPN protocol selection. Without it the server
	// speaks cleartext HTTP/1.1 and prior-knowledge HTTP/2.
	TLS       *tls.Config
	Listeners []message.StreamListener
}

// Server accepts connections and serves each with the engine of the
// negotiated protocol.
type Server struct {
	cfg       config.ServerConfig
	tls       *tls.Config
	listeners []message.StreamListener
	next      message.Dispatcher
	sem       *semaphore.Weighted
	log       *zap.Logger

	// hardCtx ends every connection, including exchanges in progress.
	hardCtx    context.Context
	hardCancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	h1       map[*http1.ServerConn]struct{}
	h2       map[*http2.ServerConn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

func NewServer(opts ServerOptions, d message.Dispatcher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	workers := opts.Server.MaxDispatchWorkers
	if workers <= 0 {
		workers = 256
	}
	s := &Server{
		cfg:       opts.Server,
		tls:       opts.TLS,
		listeners: opts.Listeners,
		next:      d,
		sem:       semaphore.NewWeighted(workers),
		log:       log.Named("server"),
		h1:        make(map[*http1.ServerConn]struct{}),
		h2:        make(map[*http2.ServerConn]struct{}),
	}
	s.hardCtx, s.hardCancel = context.WithCancel(context.Background())
	return s
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until Shutdown, which makes it return
// nil.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", zap.String("address", ln.Addr().String()), zap.Bool("tls", s.tls != nil))

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(nc)
		}()
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) http1Config() http1.Config {
	return http1.Config{
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
}

func (s *Server) http2Config() http2.Config {
	return http2.Config{
		MaxConcurrentStreams: s.cfg.MaxConcurrentStreams,
		InitialWindowSize:    s.cfg.InitialWindowSize,
		ReadTimeout:          s.cfg.ReadTimeout,
		WriteTimeout:         s.cfg.WriteTimeout,
		IdleTimeout:          s.cfg.IdleTimeout,
	}
}

// serveConn selects the protocol: ALPN on TLS connections, the preface
// on cleartext ones.
func (s *Server) serveConn(nc net.Conn) {
	log := s.log.With(zap.String("remote", nc.RemoteAddr().String()))
	proto := protoHTTP1
	if s.tls != nil {
		tc := tls.Server(nc, s.tls)
		ctx, cancel := context.WithTimeout(s.hardCtx, s.handshakeTimeout())
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			log.Debug("TLS handshake failed", zap.Error(err))
			nc.Close()
			return
		}
		proto = tc.ConnectionState().NegotiatedProtocol
		nc = tc
	}

	br := bufio.NewReaderSize(nc, 16<<10)
	if proto != protoH2 && s.tls == nil {
		isH2, err := s.sniffPreface(nc, br)
		if err != nil {
			nc.Close()
			return
		}
		if isH2 {
			proto = protoH2
		}
	}

	d := &dispatcher{s: s}
	if proto == protoH2 {
		sc := http2.NewServerConn(nc, br, s.http2Config(), d, s.log, s.listeners...)
		if !track(s, s.h2, sc) {
			nc.Close()
			return
		}
		defer untrack(s, s.h2, sc)
		if err := sc.Serve(s.hardCtx); err != nil {
			log.Debug("http2 connection ended", zap.Error(err))
		}
		return
	}
	sc := http1.NewServerConn(nc, br, s.http1Config(), d, s.log, s.listeners...)
	if !track(s, s.h1, sc) {
		nc.Close()
		return
	}
	defer untrack(s, s.h1, sc)
	if err := sc.Serve(s.hardCtx); err != nil {
		log.Debug("http1 connection ended", zap.Error(err))
	}
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.cfg.ReadTimeout > 0 {
		return s.cfg.ReadTimeout
	}
	return 10 * time.Second
}

// sniffPreface reports whether a cleartext connection opens with the
// HTTP/2 preface. Every HTTP/1.1 request line is at least four bytes long.
func (s *Server) sniffPreface(nc net.Conn, br *bufio.Reader) (bool, error) {
	nc.SetReadDeadline(time.Now().Add(s.handshakeTimeout()))
	defer nc.SetReadDeadline(time.Time{})
	b, err := br.Peek(4)
	if err != nil {
		return false, err
	}
	return string(b) == http2.ClientPreface[:4], nil
}

func track[C comparable](s *Server, conns map[C]struct{}, sc C) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	conns[sc] = struct{}{}
	return true
}

func untrack[C comparable](s *Server, conns map[C]struct{}, sc C) {
	s.mu.Lock()
	delete(conns, sc)
	s.mu.Unlock()
}

// Shutdown stops accepting. Idle HTTP/1.1 connections are closed, busy
// ones after their exchange in progress. HTTP/2 connections get GOAWAY and
// finish their open streams. Whatever is still open when ctx is done is
// closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	ln := s.ln
	conns := make([]*http2.ServerConn, 0, len(s.h2))
	for sc := range s.h2 {
		conns = append(conns, sc)
	}
	for sc := range s.h1 {
		sc.Shutdown()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range conns {
		sc := sc
		g.Go(func() error { return sc.Shutdown(gctx) })
	}
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, http2.ErrConnClosed) {
		s.log.Debug("GOAWAY failed", zap.Error(gerr))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.hardCancel()
		<-done
		return ctx.Err()
	}
	s.hardCancel()
	return err
}

// dispatcher bounds the number of concurrent SubmitInbound calls and
// applies response compression.
type dispatcher struct {
	s *Server
}

func (d *dispatcher) SubmitInbound(req *message.Message, r message.Responder) {
	if err := d.s.sem.Acquire(d.s.hardCtx, 1); err != nil {
		r.Reset(err)
		return
	}
	defer d.s.sem.Release(1)

	if mode := d.s.cfg.Compression; mode != "" && mode != CompressionNever {
		r = &encodingResponder{Responder: r, req: req, mode: mode, log: d.s.log}
	}
	d.s.next.SubmitInbound(req, r)
}

type encodingResponder struct {
	message.Responder
	req  *message.Message
	mode string
	log  *zap.Logger
}

func (r *encodingResponder) Respond(ctx context.Context, resp *message.Message) error {
	r.encode(ctx, r.req, resp)
	return r.Responder.Respond(ctx, resp)
}

func (r *encodingResponder) Push(ctx context.Context, promise, resp *message.Message) error {
	if ae := r.req.Headers.Get("Accept-Encoding"); ae != "" && !promise.Headers.Has("Accept-Encoding") {
		promise.Headers.Set("Accept-Encoding", ae)
	}
	r.encode(ctx, promise, resp)
	return r.Responder.Push(ctx, promise, resp)
}

func (r *encodingResponder) encode(ctx context.Context, req, resp *message.Message) {
	enc := responseEncoding(r.mode, req, resp)
	if enc == "" {
		return
	}
	if err := encodeBody(ctx, resp, enc); err != nil {
		r.log.Warn("response sent unencoded", zap.String("encoding", enc), zap.Error(err))
	}
}
