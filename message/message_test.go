package message

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestHeadersOrderAndCase(t *testing.T) {
	h := NewHeaders("Accept", "text/html", "X-Trace", "a", "accept", "application/json")

	if got := h.Get("ACCEPT"); got != "text/html" {
		t.Errorf("Get = %q, want text/html", got)
	}
	if got := h.Values("accept"); len(got) != 2 || got[1] != "application/json" {
		t.Errorf("Values = %v", got)
	}

	h.Set("accept", "*/*")
	fields := h.Fields()
	if len(fields) != 2 {
		t.Fatalf("len = %d, want 2", len(fields))
	}
	if fields[0].Name != "Accept" || fields[0].Value != "*/*" {
		t.Errorf("first field = %+v, want Accept: */*", fields[0])
	}
	if fields[1].Name != "X-Trace" {
		t.Errorf("second field = %+v, want X-Trace", fields[1])
	}

	h.Del("x-trace")
	if h.Has("X-Trace") {
		t.Error("X-Trace should be deleted")
	}
	h.Set("Connection", "keep-alive, Upgrade")
	if !h.HasToken("connection", "upgrade") {
		t.Error("HasToken should match case-insensitively")
	}
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := NewHeaders("A", "1")
	c := h.Clone()
	c.Add("B", "2")
	if h.Len() != 1 {
		t.Errorf("original len = %d, want 1", h.Len())
	}
}

func TestValidField(t *testing.T) {
	if !ValidField("X-Ok", "fine value") {
		t.Error("valid field rejected")
	}
	if ValidField("Bad Name", "v") {
		t.Error("name with space accepted")
	}
	if ValidField("X", "a\r\nb") {
		t.Error("value with CRLF accepted")
	}
}

func TestContentConcatenation(t *testing.T) {
	c := NewContent()
	go func() {
		c.Write([]byte("hello "))
		c.Write([]byte("world"))
		c.Close()
	}()

	body, err := c.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello world" {
		t.Errorf("body = %q, want %q", body, "hello world")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed after the last chunk is consumed")
	}
	if _, err := c.Next(context.Background()); err != io.EOF {
		t.Errorf("Next after end = %v, want io.EOF", err)
	}
}

func TestContentEmptyTerminatesImmediately(t *testing.T) {
	c := NewContent()
	c.Close()

	ch, err := c.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ch.Last || len(ch.Data) != 0 {
		t.Errorf("chunk = %+v, want empty last chunk", ch)
	}
	if err := c.Add(Chunk{Data: []byte("x")}); !errors.Is(err, ErrContentComplete) {
		t.Errorf("Add after close = %v, want ErrContentComplete", err)
	}
}

func TestContentCancelWakesConsumer(t *testing.T) {
	c := NewContent()
	errc := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Cancel(ErrStreamReset)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStreamReset) {
			t.Errorf("err = %v, want ErrStreamReset", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Cancel")
	}
	if err := c.Add(Chunk{}); !errors.Is(err, ErrStreamReset) {
		t.Errorf("Add after cancel = %v, want ErrStreamReset", err)
	}
}

func TestContentWaitBelowAndOnConsume(t *testing.T) {
	c := NewContent()
	var consumed []int
	c.OnConsume(func(n int) { consumed = append(consumed, n) })

	c.Add(Chunk{Data: make([]byte, 6)})
	c.Add(Chunk{Data: make([]byte, 4)})
	if c.Buffered() != 10 {
		t.Fatalf("Buffered = %d, want 10", c.Buffered())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitBelow(ctx, 8); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitBelow over the limit = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.WaitBelow(context.Background(), 8) }()
	if _, err := c.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitBelow after consumption = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitBelow not woken by Next")
	}
	if len(consumed) != 1 || consumed[0] != 6 {
		t.Errorf("consumed = %v, want [6]", consumed)
	}

	go func() { done <- c.WaitBelow(context.Background(), 1) }()
	c.Cancel(ErrStreamReset)
	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamReset) {
			t.Errorf("WaitBelow after cancel = %v, want ErrStreamReset", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitBelow not woken by Cancel")
	}
}

func TestContentReaderAndFillFrom(t *testing.T) {
	src := NewContent()
	go src.FillFrom(strings.NewReader(strings.Repeat("x", 100000)))

	b, err := io.ReadAll(src.Reader(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 100000 {
		t.Errorf("len = %d, want 100000", len(b))
	}
}

func TestBackPressureWait(t *testing.T) {
	bp := NewBackPressure()
	if err := bp.Wait(context.Background()); err != nil {
		t.Fatalf("writable wait: %v", err)
	}

	bp.NotifyUnwritable()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bp.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}

	done := make(chan struct{})
	go func() {
		bp.Wait(context.Background())
		close(done)
	}()
	bp.NotifyWritable()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after NotifyWritable")
	}
}

func TestMessageContentLength(t *testing.T) {
	m := NewResponse(200)
	if m.ContentLength() != -1 {
		t.Errorf("ContentLength = %d, want -1", m.ContentLength())
	}
	m.Headers.Set("Content-Length", "42")
	if m.ContentLength() != 42 {
		t.Errorf("ContentLength = %d, want 42", m.ContentLength())
	}
	if m.IsRequest() {
		t.Error("response reported as request")
	}
}
