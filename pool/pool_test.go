package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

type fakeConn struct {
	id       int
	streams  int
	alive    atomic.Bool
	reusable atomic.Bool
	closed   atomic.Bool
}

func (c *fakeConn) Alive() bool     { return c.alive.Load() && !c.closed.Load() }
func (c *fakeConn) Reusable() bool  { return c.reusable.Load() }
func (c *fakeConn) MaxStreams() int { return c.streams }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return errors.New("already gone")
}

type dialer struct {
	mu      sync.Mutex
	streams int
	conns   []*fakeConn
}

func (d *dialer) dial(ctx context.Context, key Key) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.streams
	if streams == 0 {
		streams = 1
	}
	c := &fakeConn{id: len(d.conns), streams: streams}
	c.alive.Store(true)
	c.reusable.Store(true)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testKey(t *testing.T) Key {
	k, err := NewKey("https", "example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestMaxActiveBoundsDistinctConnections(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 5, WaitTimeout: 5 * time.Second}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	var active, peak atomic.Int32
	var g errgroup.Group
	for i := 0; i < 15; i++ {
		g.Go(func() error {
			e, err := p.Acquire(context.Background(), key)
			if err != nil {
				return err
			}
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return p.Release(e)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := d.count(); n > 10 {
		t.Errorf("distinct connections = %d, want at most 10", n)
	}
	if peak.Load() > 5 {
		t.Errorf("peak active = %d, want at most 5", peak.Load())
	}
	if s := p.Stats(key); s.Active != 0 {
		t.Errorf("active after release = %d, want 0", s.Active)
	}
}

func TestReleaseInactiveIsReportedNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 1}, d.dial, zap.New(core))
	defer p.Close()

	e, err := p.Acquire(context.Background(), testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(e); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(e); !errors.Is(err, ErrNotActive) {
		t.Errorf("second release = %v, want ErrNotActive", err)
	}
	if logs.Len() != 1 {
		t.Errorf("error entries = %d, want 1", logs.Len())
	}

	// The pool still works and the slot was not released twice.
	if _, err := p.Acquire(context.Background(), testKey(t)); err != nil {
		t.Fatal(err)
	}
}

func TestExhaustedRejectsImmediately(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 1, WaitTimeout: -1}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	if _, err := p.Acquire(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err := p.Acquire(context.Background(), key)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if time.Since(start) > time.Second {
		t.Error("immediate rejection waited")
	}
}

func TestExhaustedAfterWaitTimeout(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 1, WaitTimeout: 30 * time.Millisecond}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	if _, err := p.Acquire(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(context.Background(), key); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestWaiterGetsReleasedConnection(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 1, WaitTimeout: 5 * time.Second}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	first, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan *Entry, 1)
	go func() {
		e, err := p.Acquire(context.Background(), key)
		if err != nil {
			t.Error(err)
		}
		got <- e
	}()
	time.Sleep(20 * time.Millisecond)
	p.Release(first)

	select {
	case e := <-got:
		if e != first {
			t.Error("waiter did not reuse the released connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired")
	}
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
}

func TestUnhealthyIdleConnectionIsEvicted(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 2}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	e, _ := p.Acquire(context.Background(), key)
	p.Release(e)
	stale := e.Conn().(*fakeConn)
	stale.alive.Store(false)

	e2, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if e2.Conn() == Conn(stale) {
		t.Fatal("half-closed connection handed out")
	}
	if !stale.closed.Load() {
		t.Error("unhealthy connection was not closed")
	}
}

func TestNonReusableConnectionIsClosedOnRelease(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 2}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	e, _ := p.Acquire(context.Background(), key)
	c := e.Conn().(*fakeConn)
	c.reusable.Store(false)
	p.Release(e)

	if !c.closed.Load() {
		t.Error("connection without keep-alive went back to idle")
	}
	if s := p.Stats(key); s.Idle != 0 {
		t.Errorf("idle = %d, want 0", s.Idle)
	}
}

func TestInvalidateClosesConnection(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 2}, d.dial, nil)
	defer p.Close()

	e, _ := p.Acquire(context.Background(), testKey(t))
	p.Invalidate(e)
	if !e.Conn().(*fakeConn).closed.Load() {
		t.Error("invalidated connection not closed")
	}
}

func TestMultiplexedConnectionIsShared(t *testing.T) {
	d := &dialer{streams: 3}
	p := New(Config{MaxActivePerPool: 1, WaitTimeout: -1}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	var entries []*Entry
	for i := 0; i < 3; i++ {
		e, err := p.Acquire(context.Background(), key)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		entries = append(entries, e)
	}
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
	if _, err := p.Acquire(context.Background(), key); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("fourth stream err = %v, want ErrPoolExhausted", err)
	}
	for _, e := range entries {
		if err := p.Release(e); err != nil {
			t.Fatal(err)
		}
	}
	if s := p.Stats(key); s.Active != 0 || s.Idle != 1 {
		t.Errorf("stats = %+v, want 0 active / 1 idle", s)
	}
}

func TestCleanIdleDropsExpired(t *testing.T) {
	d := &dialer{}
	p := New(Config{MaxActivePerPool: 2, IdleTimeout: time.Millisecond}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	e, _ := p.Acquire(context.Background(), key)
	p.Release(e)
	time.Sleep(5 * time.Millisecond)
	p.cleanIdle()

	if s := p.Stats(key); s.Idle != 0 {
		t.Errorf("idle = %d, want 0", s.Idle)
	}
	if !e.Conn().(*fakeConn).closed.Load() {
		t.Error("expired idle connection not closed")
	}
}

func TestNewKey(t *testing.T) {
	tests := []struct {
		scheme, authority string
		want              string
		wantErr           bool
	}{
		{"https", "Example.COM", "https://example.com:443", false},
		{"http", "example.com:8080", "http://example.com:8080", false},
		{"", "bücher.example", "http://xn--bcher-kva.example:80", false},
		{"https", "[::1]:8443", "https://[::1]:8443", false},
		{"ftp", "example.com", "", true},
		{"http", "", "", true},
	}
	for _, tt := range tests {
		k, err := NewKey(tt.scheme, tt.authority, "")
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewKey(%q, %q) succeeded, want error", tt.scheme, tt.authority)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewKey(%q, %q): %v", tt.scheme, tt.authority, err)
			continue
		}
		if k.String() != tt.want {
			t.Errorf("NewKey(%q, %q) = %s, want %s", tt.scheme, tt.authority, k, tt.want)
		}
	}
}

// gatedConn blocks its health check until open is closed.
type gatedConn struct {
	fakeConn
	checking chan struct{}
	open     chan struct{}
}

func (c *gatedConn) Alive() bool {
	select {
	case c.checking <- struct{}{}:
	default:
	}
	<-c.open
	return c.fakeConn.Alive()
}

func TestSharedHealthCheckDoesNotHoldPool(t *testing.T) {
	gc := &gatedConn{fakeConn: fakeConn{streams: 2}, checking: make(chan struct{}, 1), open: make(chan struct{})}
	gc.alive.Store(true)
	gc.reusable.Store(true)
	dial := func(ctx context.Context, key Key) (Conn, error) { return gc, nil }
	p := New(Config{MaxActivePerPool: 1, WaitTimeout: -1}, dial, nil)
	defer p.Close()
	key := testKey(t)

	first, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	type acquired struct {
		e   *Entry
		err error
	}
	second := make(chan acquired, 1)
	go func() {
		e, err := p.Acquire(context.Background(), key)
		second <- acquired{e, err}
	}()
	<-gc.checking

	done := make(chan struct{})
	go func() {
		p.Stats(key)
		p.Release(first)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool blocked behind a health check")
	}

	close(gc.open)
	got := <-second
	if got.err != nil || got.e != first {
		t.Fatalf("shared acquire = %v, %v; want the first entry", got.e, got.err)
	}
	if err := p.Release(got.e); err != nil {
		t.Fatal(err)
	}
	if s := p.Stats(key); s.Active != 0 || s.Idle != 1 {
		t.Errorf("stats = %+v, want 0 active / 1 idle", s)
	}
}

func TestUnhealthySharedConnectionIsReplaced(t *testing.T) {
	d := &dialer{streams: 2}
	p := New(Config{MaxActivePerPool: 2, WaitTimeout: -1}, d.dial, nil)
	defer p.Close()
	key := testKey(t)

	first, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	d.conns[0].alive.Store(false)
	second, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if second == first || d.count() != 2 {
		t.Fatalf("unhealthy connection shared; dials = %d", d.count())
	}
	if err := p.Release(first); err != nil {
		t.Fatal(err)
	}
	if !d.conns[0].closed.Load() {
		t.Error("unhealthy connection not closed after its last release")
	}
}
