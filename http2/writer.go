package http2

import (
	"bufio"
	"bytes"
	"sync"
	"time"

	"go.uber.org/zap"
	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type writeKind int

const (
	writePreface writeKind = iota
	writeSettings
	writeSettingsAck
	writeHeaders
	writePushPromise
	writeData
	writeRST
	writeWindowUpdate
	writePing
	writeGoAway
	writeTableSize
)

// frameWrite is one queued frame. Header blocks are kept as fields and
// encoded by the writer so the HPACK state follows wire order.
type frameWrite struct {
	kind      writeKind
	streamID  uint32
	promiseID uint32
	fields    []hpack.HeaderField
	data      []byte
	endStream bool
	code      xhttp2.ErrCode
	n         uint32
	ping      [8]byte
	ack       bool
	settings  []xhttp2.Setting
	// maxFrame bounds header block fragments.
	maxFrame uint32
	// st is notified once a frame with END_STREAM went out.
	st *stream
}

// writer owns the framer's write side and the HPACK encoder.
type writer struct {
	c   *conn
	fr  *xhttp2.Framer
	bw  *bufio.Writer
	enc *hpack.Encoder
	buf bytes.Buffer

	mu     sync.Mutex
	queue  []frameWrite
	notify chan struct{}
	done   chan struct{}
}

func newWriter(c *conn, fr *xhttp2.Framer, bw *bufio.Writer) *writer {
	w := &writer{
		c:      c,
		fr:     fr,
		bw:     bw,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	w.enc = hpack.NewEncoder(&w.buf)
	return w
}

func (w *writer) enqueue(fw frameWrite) {
	w.mu.Lock()
	w.queue = append(w.queue, fw)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *writer) take() []frameWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

// run writes queued frames until the connection shuts down, then drains
// what is left, which is how a final GOAWAY reaches the peer.
func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.notify:
			if err := w.writeBatch(w.take()); err != nil {
				w.c.log.Debug("write failed", zap.Error(err))
				w.c.nc.Close()
				return
			}
		case <-w.c.donech:
			w.c.nc.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
			w.writeBatch(w.take())
			return
		}
	}
}

func (w *writer) writeBatch(batch []frameWrite) error {
	if len(batch) == 0 {
		return nil
	}
	if d := w.c.cfg.WriteTimeout; d > 0 {
		w.c.nc.SetWriteDeadline(time.Now().Add(d))
	}
	for _, fw := range batch {
		if err := w.write(fw); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	for _, fw := range batch {
		if fw.st != nil {
			st := fw.st
			w.c.post(func() { w.c.streamEnded(st) })
		}
	}
	return nil
}

func (w *writer) write(fw frameWrite) error {
	switch fw.kind {
	case writePreface:
		_, err := w.bw.WriteString(ClientPreface)
		return err
	case writeSettings:
		return w.fr.WriteSettings(fw.settings...)
	case writeSettingsAck:
		return w.fr.WriteSettingsAck()
	case writeHeaders, writePushPromise:
		return w.writeHeaderBlock(fw)
	case writeData:
		return w.fr.WriteData(fw.streamID, fw.endStream, fw.data)
	case writeRST:
		return w.fr.WriteRSTStream(fw.streamID, fw.code)
	case writeWindowUpdate:
		return w.fr.WriteWindowUpdate(fw.streamID, fw.n)
	case writePing:
		return w.fr.WritePing(fw.ack, fw.ping)
	case writeGoAway:
		return w.fr.WriteGoAway(fw.streamID, fw.code, nil)
	case writeTableSize:
		w.enc.SetMaxDynamicTableSize(fw.n)
	}
	return nil
}

// writeHeaderBlock encodes the fields and splits the block into a HEADERS
// or PUSH_PROMISE frame followed by CONTINUATION frames.
func (w *writer) writeHeaderBlock(fw frameWrite) error {
	w.buf.Reset()
	for _, f := range fw.fields {
		if err := w.enc.WriteField(f); err != nil {
			return err
		}
	}
	block := w.buf.Bytes()
	max := int(fw.maxFrame)
	if max <= 0 {
		max = initialMaxFrameSize
	}

	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > max {
			frag = frag[:max]
		}
		block = block[len(frag):]
		endHeaders := len(block) == 0

		var err error
		switch {
		case !first:
			err = w.fr.WriteContinuation(fw.streamID, endHeaders, frag)
		case fw.kind == writePushPromise:
			err = w.fr.WritePushPromise(xhttp2.PushPromiseParam{
				StreamID:      fw.streamID,
				PromiseID:     fw.promiseID,
				BlockFragment: frag,
				EndHeaders:    endHeaders,
			})
		default:
			err = w.fr.WriteHeaders(xhttp2.HeadersFrameParam{
				StreamID:      fw.streamID,
				BlockFragment: frag,
				EndStream:     fw.endStream,
				EndHeaders:    endHeaders,
			})
		}
		if err != nil {
			return err
		}
		first = false
	}
	return nil
}
