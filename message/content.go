package message

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrContentComplete is returned when a chunk is added after the last one.
var ErrContentComplete = errors.New("content already complete")

// Chunk is one piece of a message body. The chunk with Last set terminates
// the sequence; it may carry data.
type Chunk struct {
	Data []byte
	Last bool
}

// Content is a lazy, finite, single-pass sequence of body chunks. One
// goroutine produces with Add, one goroutine consumes with Next.
type Content struct {
	mu       sync.Mutex
	queue    []Chunk
	complete bool
	drained  bool
	err      error
	notify   chan struct{}
	drain    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	buffered int
	consumed func(n int)
}

func NewContent() *Content {
	return &Content{
		notify: make(chan struct{}, 1),
		drain:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// OnConsume registers fn to be called with the size of every non-empty
// chunk Next hands out. It runs on the consumer's goroutine.
func (c *Content) OnConsume(fn func(n int)) {
	c.mu.Lock()
	c.consumed = fn
	c.mu.Unlock()
}

// WaitBelow blocks the producer until fewer than limit bytes are queued.
// It returns the cancellation cause once the content is cancelled.
func (c *Content) WaitBelow(ctx context.Context, limit int) error {
	for {
		c.mu.Lock()
		err, buffered := c.err, c.buffered
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if buffered < limit {
			return nil
		}
		select {
		case <-c.drain:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Content) signalDrain() {
	select {
	case c.drain <- struct{}{}:
	default:
	}
}

// Add queues a chunk. Data is owned by the content from here on.
func (c *Content) Add(ch Chunk) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if c.complete {
		c.mu.Unlock()
		return ErrContentComplete
	}
	c.queue = append(c.queue, ch)
	c.buffered += len(ch.Data)
	if ch.Last {
		c.complete = true
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Write copies p into a new chunk.
func (c *Content) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := c.Add(Chunk{Data: buf}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close adds the terminal chunk. Closing a complete content is a no-op.
func (c *Content) Close() error {
	err := c.Add(Chunk{Last: true})
	if errors.Is(err, ErrContentComplete) {
		return nil
	}
	return err
}

// Cancel aborts the sequence. Pending and future Next calls return err.
func (c *Content) Cancel(err error) {
	if err == nil {
		err = context.Canceled
	}
	c.mu.Lock()
	if c.err == nil && !c.drained {
		c.err = err
		c.queue = nil
		c.buffered = 0
	}
	c.mu.Unlock()
	c.finish()
	c.signalDrain()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Next returns the next chunk, waiting for the producer if needed. After
// the last chunk has been returned it returns io.EOF.
func (c *Content) Next(ctx context.Context) (Chunk, error) {
	for {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return Chunk{}, err
		}
		if len(c.queue) > 0 {
			ch := c.queue[0]
			c.queue[0] = Chunk{}
			c.queue = c.queue[1:]
			c.buffered -= len(ch.Data)
			if ch.Last {
				c.drained = true
			}
			consumed := c.consumed
			c.mu.Unlock()
			c.signalDrain()
			if consumed != nil && len(ch.Data) > 0 {
				consumed(len(ch.Data))
			}
			if ch.Last {
				c.finish()
			}
			return ch, nil
		}
		if c.drained {
			c.mu.Unlock()
			return Chunk{}, io.EOF
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

func (c *Content) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once the last chunk has been consumed or the content was cancelled.
func (c *Content) Done() <-chan struct{} {
	return c.done
}

// Complete reports whether the producer has added the last chunk.
func (c *Content) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Err returns the cancellation cause, if any.
func (c *Content) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Buffered returns the number of queued, unconsumed bytes.
func (c *Content) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// ReadAll drains the sequence.
func (c *Content) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		ch, err := c.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ch.Data...)
	}
}

// Reader adapts the sequence to io.Reader.
func (c *Content) Reader(ctx context.Context) io.Reader {
	return &contentReader{ctx: ctx, c: c}
}

type contentReader struct {
	ctx context.Context
	c   *Content
	buf []byte
	eof bool
}

func (r *contentReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		ch, err := r.c.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		r.buf = ch.Data
		r.eof = ch.Last
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// FillFrom copies r into the content and closes it. A read error cancels
// the content instead.
func (c *Content) FillFrom(r io.Reader) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := c.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return c.Close()
		}
		if err != nil {
			c.Cancel(err)
			return err
		}
	}
}
