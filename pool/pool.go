// Package pool keeps reusable outbound connections per destination under a
// limit on concurrently checked out connections.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolExhausted is returned when no connection became available
	// within the wait timeout. It is not retried.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrNotActive is returned when releasing an entry that is not checked out.
	ErrNotActive = errors.New("connection is not active")
)

// Conn is a pooled physical connection.
type Conn interface {
	// Alive reports whether the connection can carry another request.
	// Half-closed or reset connections must report false.
	Alive() bool
	// Reusable reports whether the peer allows keep-alive.
	Reusable() bool
	// MaxStreams is how many requests may share the connection at once.
	MaxStreams() int
	Close() error
}

// DialFunc opens a new connection to key.
type DialFunc func(ctx context.Context, key Key) (Conn, error)

type Config struct {
	// MaxActivePerPool bounds checked out connections per destination.
	MaxActivePerPool int
	MaxIdlePerPool   int
	IdleTimeout      time.Duration
	// WaitTimeout bounds how long Acquire waits at the limit. A negative
	// value rejects immediately.
	WaitTimeout     time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxActivePerPool: 50,
		MaxIdlePerPool:   50,
		IdleTimeout:      90 * time.Second,
		WaitTimeout:      60 * time.Second,
		CleanupInterval:  30 * time.Second,
	}
}

// Entry is one physical connection tagged with its destination and the
// number of requests currently using it.
type Entry struct {
	conn      Conn
	host      *hostPool
	active    int
	broken    bool
	createdAt time.Time
	lastUsed  time.Time
}

func (e *Entry) Conn() Conn {
	return e.conn
}

func (e *Entry) Key() Key {
	return e.host.key
}

// Pool hands out connections per destination key.
type Pool struct {
	cfg  Config
	dial DialFunc
	log  *zap.Logger

	mu     sync.Mutex
	hosts  map[Key]*hostPool
	closed bool

	closech chan struct{}
	wg      sync.WaitGroup
}

type hostPool struct {
	key  Key
	name string
	// sem holds one unit per checked out physical connection.
	sem *semaphore.Weighted

	mu   sync.Mutex
	idle []*Entry
	busy map[*Entry]struct{}
}

func New(cfg Config, dial DialFunc, log *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxActivePerPool <= 0 {
		cfg.MaxActivePerPool = def.MaxActivePerPool
	}
	if cfg.MaxIdlePerPool <= 0 {
		cfg.MaxIdlePerPool = cfg.MaxActivePerPool
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		dial:    dial,
		log:     log.Named("pool"),
		hosts:   make(map[Key]*hostPool),
		closech: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleaner()
	return p
}

func (p *Pool) hostPool(key Key) (*hostPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{
			key:  key,
			name: key.String(),
			sem:  semaphore.NewWeighted(int64(p.cfg.MaxActivePerPool)),
			busy: make(map[*Entry]struct{}),
		}
		p.hosts[key] = hp
	}
	return hp, nil
}

// Acquire returns a connection to key: a multiplexed connection with spare
// stream capacity, an idle connection that passes its health check, or a
// new one. At the limit it waits up to WaitTimeout for a release.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Entry, error) {
	hp, err := p.hostPool(key)
	if err != nil {
		return nil, err
	}

	if e := p.share(hp); e != nil {
		return e, nil
	}

	if err := p.admit(ctx, hp); err != nil {
		return nil, err
	}

	for {
		e := hp.popIdle()
		if e == nil {
			break
		}
		if e.conn.Alive() {
			hp.checkout(e)
			return e, nil
		}
		p.evict(hp, e, "unhealthy")
	}

	conn, err := p.dial(ctx, key)
	if err != nil {
		hp.sem.Release(1)
		return nil, err
	}
	now := time.Now()
	e := &Entry{conn: conn, host: hp, createdAt: now, lastUsed: now}
	hp.checkout(e)
	createdConns.WithLabelValues(hp.name).Inc()
	p.log.Debug("connection created", zap.String("destination", hp.name))
	return e, nil
}

func (p *Pool) admit(ctx context.Context, hp *hostPool) error {
	if p.cfg.WaitTimeout < 0 {
		if hp.sem.TryAcquire(1) {
			return nil
		}
		exhausted.WithLabelValues(hp.name).Inc()
		return ErrPoolExhausted
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()
	if err := hp.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		exhausted.WithLabelValues(hp.name).Inc()
		return ErrPoolExhausted
	}
	return nil
}

// share adds a stream to a busy multiplexed connection, if one has room.
// The stream is reserved before the health check, which may take a PING
// round trip; a connection failing it is invalidated.
func (p *Pool) share(hp *hostPool) *Entry {
	for {
		hp.mu.Lock()
		var e *Entry
		for c := range hp.busy {
			if !c.broken && c.active < c.conn.MaxStreams() {
				e = c
				break
			}
		}
		if e == nil {
			hp.mu.Unlock()
			return nil
		}
		e.active++
		hp.mu.Unlock()

		if e.conn.Alive() {
			return e
		}
		p.Invalidate(e)
	}
}

func (hp *hostPool) popIdle() *Entry {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	n := len(hp.idle)
	if n == 0 {
		return nil
	}
	e := hp.idle[n-1]
	hp.idle[n-1] = nil
	hp.idle = hp.idle[:n-1]
	idleConns.WithLabelValues(hp.name).Set(float64(len(hp.idle)))
	return e
}

func (hp *hostPool) checkout(e *Entry) {
	hp.mu.Lock()
	e.active = 1
	e.lastUsed = time.Now()
	hp.busy[e] = struct{}{}
	n := len(hp.busy)
	hp.mu.Unlock()
	activeConns.WithLabelValues(hp.name).Set(float64(n))
}

// Release returns one request's use of e. When no request uses it any
// more it goes back to idle if it is keep-alive and healthy, otherwise it
// is closed. Releasing an entry that is not in use is a logic error: it is
// reported and otherwise ignored.
func (p *Pool) Release(e *Entry) error {
	hp := e.host
	hp.mu.Lock()
	if e.active <= 0 {
		hp.mu.Unlock()
		p.log.Error("released a connection that is not active", zap.String("destination", hp.name))
		return ErrNotActive
	}
	e.active--
	if e.active > 0 {
		hp.mu.Unlock()
		return nil
	}
	delete(hp.busy, e)
	broken := e.broken
	n := len(hp.busy)
	hp.mu.Unlock()
	activeConns.WithLabelValues(hp.name).Set(float64(n))

	reason := ""
	switch {
	case broken:
		reason = "broken"
	case !e.conn.Reusable():
		reason = "not_reusable"
	case !e.conn.Alive():
		reason = "unhealthy"
	}

	if reason == "" {
		hp.mu.Lock()
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed && len(hp.idle) < p.cfg.MaxIdlePerPool {
			e.lastUsed = time.Now()
			hp.idle = append(hp.idle, e)
			idleConns.WithLabelValues(hp.name).Set(float64(len(hp.idle)))
		} else {
			reason = "idle_limit"
		}
		hp.mu.Unlock()
	}
	hp.sem.Release(1)
	if reason != "" {
		p.evict(hp, e, reason)
	}
	return nil
}

// Invalidate marks e unusable after a transport error and releases it.
// The connection is closed once no request uses it.
func (p *Pool) Invalidate(e *Entry) error {
	e.host.mu.Lock()
	e.broken = true
	e.host.mu.Unlock()
	return p.Release(e)
}

// evict closes a connection the pool no longer tracks. Close errors are
// swallowed.
func (p *Pool) evict(hp *hostPool, e *Entry, reason string) {
	evictedConns.WithLabelValues(hp.name, reason).Inc()
	if err := e.conn.Close(); err != nil {
		p.log.Debug("closing evicted connection", zap.String("destination", hp.name), zap.Error(err))
	}
}

// Stats is a snapshot of one destination.
type Stats struct {
	Active int
	Idle   int
}

func (p *Pool) Stats(key Key) Stats {
	p.mu.Lock()
	hp, ok := p.hosts[key]
	p.mu.Unlock()
	if !ok {
		return Stats{}
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return Stats{Active: len(hp.busy), Idle: len(hp.idle)}
}

func (p *Pool) cleaner() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanIdle()
		case <-p.closech:
			return
		}
	}
}

// cleanIdle closes idle connections past IdleTimeout or failing their
// health check. Idle entries are taken out of the pool while they are
// checked so no acquire can hand them out meanwhile.
func (p *Pool) cleanIdle() {
	p.mu.Lock()
	hosts := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		hosts = append(hosts, hp)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, hp := range hosts {
		hp.mu.Lock()
		idle := hp.idle
		hp.idle = nil
		hp.mu.Unlock()

		keep := idle[:0]
		for _, e := range idle {
			switch {
			case now.Sub(e.lastUsed) > p.cfg.IdleTimeout:
				p.evict(hp, e, "idle_timeout")
			case !e.conn.Alive():
				p.evict(hp, e, "unhealthy")
			default:
				keep = append(keep, e)
			}
		}

		var extra []*Entry
		hp.mu.Lock()
		for _, e := range keep {
			if len(hp.idle) >= p.cfg.MaxIdlePerPool {
				extra = append(extra, e)
				continue
			}
			hp.idle = append(hp.idle, e)
		}
		idleConns.WithLabelValues(hp.name).Set(float64(len(hp.idle)))
		hp.mu.Unlock()
		for _, e := range extra {
			p.evict(hp, e, "idle_limit")
		}
	}
}

// Close stops the cleaner and closes idle connections. Checked out
// connections are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hosts := p.hosts
	p.mu.Unlock()

	close(p.closech)
	p.wg.Wait()

	for _, hp := range hosts {
		hp.mu.Lock()
		idle := hp.idle
		hp.idle = nil
		hp.mu.Unlock()
		for _, e := range idle {
			p.evict(hp, e, "closed")
		}
	}
	return nil
}
