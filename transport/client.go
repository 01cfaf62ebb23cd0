package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"carbon/config"
	"carbon/http1"
	"carbon/http2"
	"carbon/message"
	"carbon/pool"
	"carbon/revocation"
)

// exchanger is a pooled connection that carries requests.
type exchanger interface {
	pool.Conn
	RoundTrip(ctx context.Context, req *message.Message) (*message.Message, error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Client config.ClientConfig
	// TLS is cloned for every dial; ServerName and NextProtos are filled
	// in per destination. nil uses system roots.
	TLS   *tls.Config
	HTTP2 http2.Config
	// Profile separates pooled connections of clients with different TLS
	// settings sharing a destination.
	Profile string
}

// Client writes outbound requests over pooled connections.
type Client struct {
	cfg     config.ClientConfig
	tls     *tls.Config
	h2      http2.Config
	profile string
	dialer  *net.Dialer
	pool    *pool.Pool
	log     *zap.Logger
}

func NewClient(opts ClientOptions, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	tc := opts.TLS
	if tc == nil {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	dialTimeout := opts.Client.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	c := &Client{
		cfg:     opts.Client,
		tls:     tc,
		h2:      opts.HTTP2,
		profile: opts.Profile,
		dialer:  &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		log:     log.Named("client"),
	}
	c.pool = pool.New(pool.Config{
		MaxActivePerPool: opts.Client.MaxActiveConnectionsPerPool,
		MaxIdlePerPool:   opts.Client.MaxIdlePerPool,
		IdleTimeout:      opts.Client.IdleTimeout,
		WaitTimeout:      opts.Client.WaitTimeout,
	}, c.dial, log)
	return c
}

// NewClientFromConfig builds a Client with the TLS and revocation settings
// of cfg.
func NewClientFromConfig(cfg *config.Config, log *zap.Logger) (*Client, error) {
	var verifier *revocation.Verifier
	if cfg.Revocation.Enabled {
		verifier = revocation.NewVerifier(VerifierConfig(cfg.Revocation), log)
	}
	tc, err := ClientTLS(cfg.TLS, cfg.Client.HTTPVersion, verifier)
	if err != nil {
		return nil, err
	}
	return NewClient(ClientOptions{Client: cfg.Client, TLS: tc}, log), nil
}

// Pool exposes the connection pool, e.g. for its Stats.
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// Key returns the pool key requests to dest use.
func (c *Client) Key(dest string) (pool.Key, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return pool.Key{}, err
	}
	return pool.NewKey(u.Scheme, u.Host, c.profile)
}

// dial opens a connection to key and wraps it in the engine of the
// negotiated protocol.
func (c *Client) dial(ctx context.Context, key pool.Key) (pool.Conn, error) {
	addr := key.Addr()
	nc, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}

	proto := protoHTTP1
	switch {
	case key.Scheme == "https":
		tc := c.tls.Clone()
		tc.ServerName = key.Host
		if len(tc.NextProtos) == 0 {
			tc.NextProtos = nextProtos(c.cfg.HTTPVersion)
		}
		conn := tls.Client(nc, tc)
		hctx, cancel := context.WithTimeout(ctx, c.dialer.Timeout)
		err := conn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			nc.Close()
			return nil, &TransportError{Op: "handshake", Addr: addr, Err: err}
		}
		proto = conn.ConnectionState().NegotiatedProtocol
		nc = conn
	case c.cfg.HTTPVersion == "2.0":
		// Cleartext HTTP/2 with prior knowledge.
		proto = protoH2
	}

	if proto == protoH2 {
		return http2.NewClientConn(nc, c.h2, c.log), nil
	}
	return http1.NewClientConn(nc, c.log), nil
}

// WriteOutbound sends req to dest, a URL whose scheme and authority name
// the server, and returns the response once its head arrived. The body
// fills as it is received; the connection goes back to the pool when the
// body has been consumed or cancelled. Requests without an authority use
// the one of dest.
func (c *Client) WriteOutbound(ctx context.Context, req *message.Message, dest string) (*message.Message, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", dest, err)
	}
	key, err := pool.NewKey(u.Scheme, u.Host, c.profile)
	if err != nil {
		return nil, err
	}
	if req.Scheme == "" {
		req.Scheme = key.Scheme
	}
	if req.Authority == "" && !req.Headers.Has("Host") {
		req.Authority = u.Host
	}

	for {
		e, err := c.pool.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		conn := e.Conn().(exchanger)
		resp, err := conn.RoundTrip(ctx, req)
		if errors.Is(err, http1.ErrConnBroken) {
			// Closed by the previous exchange before this one wrote anything.
			c.pool.Invalidate(e)
			continue
		}
		if err != nil {
			if streamLevel(err) && conn.Reusable() {
				c.pool.Release(e)
				return nil, err
			}
			c.pool.Invalidate(e)
			if streamLevel(err) {
				return nil, err
			}
			return nil, &TransportError{Op: "roundtrip", Addr: key.Addr(), Err: err}
		}

		body := resp.Content()
		go func() {
			<-body.Done()
			if err := body.Err(); err != nil && !streamLevel(err) {
				c.pool.Invalidate(e)
				return
			}
			c.pool.Release(e)
		}()
		if c.cfg.Decompress {
			decodeBody(resp)
		}
		return resp, nil
	}
}

func (c *Client) Close() error {
	return c.pool.Close()
}
