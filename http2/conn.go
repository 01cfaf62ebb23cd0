package http2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"carbon/message"
	"carbon/state"
)

type readResult struct {
	f    xhttp2.Frame
	serr *xhttp2.StreamError
}

// conn is the machinery shared by server and client connections.
type conn struct {
	nc     net.Conn
	role   state.Role
	cfg    Config
	log    *zap.Logger
	remote string
	br     *bufio.Reader
	fr     *xhttp2.Framer
	w      *writer

	framech   chan readResult
	readMore  chan struct{}
	readErrch chan error
	opch      chan func()
	donech    chan struct{}
	closeOnce sync.Once
	closeErr  error

	lastActivity   atomic.Int64
	peerMaxStreams atomic.Uint32
	draining       atomic.Bool

	// Owned by the loop.
	streams           map[uint32]*stream
	connSendWindow    int32
	peerInitialWindow int32
	peerMaxFrameSize  uint32
	peerPushEnabled   bool
	nextStreamID      uint32
	lastPeerStream    uint32
	peerStreams       int
	localStreams      int
	goAwaySent        bool
	goAwayReceived    bool
	pings             map[[8]byte]chan struct{}
	pingSeq           uint64

	// Server side.
	dispatcher message.Dispatcher
	listeners  []message.StreamListener
}

func newConn(nc net.Conn, r io.Reader, role state.Role, cfg Config, log *zap.Logger) *conn {
	if log == nil {
		log = zap.NewNop()
	}
	if r == nil {
		r = nc
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 16<<10)
	}
	bw := bufio.NewWriterSize(nc, 16<<10)
	fr := xhttp2.NewFramer(bw, br)
	fr.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	fr.MaxHeaderListSize = cfg.MaxHeaderListSize

	remote := nc.RemoteAddr().String()
	c := &conn{
		nc:                nc,
		role:              role,
		cfg:               cfg,
		log:               log.Named("http2").With(zap.String("remote", remote)),
		remote:            remote,
		br:                br,
		fr:                fr,
		framech:           make(chan readResult),
		readMore:          make(chan struct{}, 1),
		readErrch:         make(chan error, 1),
		opch:              make(chan func()),
		donech:            make(chan struct{}),
		streams:           make(map[uint32]*stream),
		connSendWindow:    initialWindowSize,
		peerInitialWindow: initialWindowSize,
		peerMaxFrameSize:  initialMaxFrameSize,
		peerPushEnabled:   true,
		pings:             make(map[[8]byte]chan struct{}),
	}
	c.peerMaxStreams.Store(initialPeerMaxStreams)
	c.lastActivity.Store(time.Now().UnixNano())
	c.w = newWriter(c, fr, bw)
	return c
}

func (c *conn) settings() []xhttp2.Setting {
	s := []xhttp2.Setting{
		{ID: xhttp2.SettingMaxConcurrentStreams, Val: c.cfg.MaxConcurrentStreams},
		{ID: xhttp2.SettingInitialWindowSize, Val: c.cfg.InitialWindowSize},
		{ID: xhttp2.SettingMaxHeaderListSize, Val: c.cfg.MaxHeaderListSize},
	}
	if c.role == state.RoleClient {
		s = append(s, xhttp2.Setting{ID: xhttp2.SettingEnablePush, Val: 0})
	}
	return s
}

// start queues the opening frames and starts the reader and writer.
func (c *conn) start() {
	if c.role == state.RoleClient {
		c.w.enqueue(frameWrite{kind: writePreface})
	}
	c.w.enqueue(frameWrite{kind: writeSettings, settings: c.settings()})
	if extra := c.cfg.InitialWindowSize - initialWindowSize; extra > 0 {
		c.w.enqueue(frameWrite{kind: writeWindowUpdate, n: extra})
	}
	go c.w.run()
	go c.readFrames()
}

func (c *conn) readFrames() {
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			var se xhttp2.StreamError
			if errors.As(err, &se) {
				if !c.deliver(readResult{serr: &se}) {
					return
				}
				continue
			}
			select {
			case c.readErrch <- err:
			case <-c.donech:
			}
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())
		if !c.deliver(readResult{f: f}) {
			return
		}
	}
}

// deliver hands a frame to the loop and waits until it is processed, as
// the framer reuses its buffers on the next read.
func (c *conn) deliver(res readResult) bool {
	select {
	case c.framech <- res:
	case <-c.donech:
		return false
	}
	select {
	case <-c.readMore:
		return true
	case <-c.donech:
		return false
	}
}

// loop serves the connection until it closes.
func (c *conn) loop(ctx context.Context) error {
	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()
	idleArmed := false

	for {
		select {
		case res := <-c.framech:
			err := c.process(res)
			c.readMore <- struct{}{}
			if err != nil {
				return c.connError(err)
			}
		case fn := <-c.opch:
			fn()
		case err := <-c.readErrch:
			return c.readFailed(err)
		case <-idle.C:
			c.log.Debug("idle timeout")
			c.goAway(xhttp2.ErrCodeNo)
			c.teardown(nil)
			return nil
		case <-ctx.Done():
			c.goAway(xhttp2.ErrCodeNo)
			c.teardown(ctx.Err())
			return nil
		case <-c.donech:
			return nil
		}

		if c.goAwaySent && len(c.streams) == 0 {
			c.teardown(nil)
			return nil
		}
		if c.cfg.IdleTimeout > 0 {
			if len(c.streams) == 0 && !idleArmed {
				idle.Reset(c.cfg.IdleTimeout)
				idleArmed = true
			} else if len(c.streams) > 0 && idleArmed {
				idle.Stop()
				idleArmed = false
			}
		}
	}
}

func (c *conn) readFailed(err error) error {
	var ce xhttp2.ConnectionError
	switch {
	case errors.As(err, &ce):
		return c.connError(err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.teardown(ErrConnClosed)
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.goAway(xhttp2.ErrCodeNo)
		c.teardown(ErrConnClosed)
		return nil
	}
	c.teardown(err)
	return err
}

// connError ends the connection with GOAWAY carrying the error code.
func (c *conn) connError(err error) error {
	code := xhttp2.ErrCodeProtocol
	var ce xhttp2.ConnectionError
	if errors.As(err, &ce) {
		code = xhttp2.ErrCode(ce)
	}
	c.log.Debug("connection error", zap.Error(err))
	c.goAway(code)
	c.teardown(err)
	return err
}

func (c *conn) goAway(code xhttp2.ErrCode) {
	if c.goAwaySent {
		return
	}
	c.goAwaySent = true
	c.draining.Store(true)
	c.w.enqueue(frameWrite{kind: writeGoAway, streamID: c.lastPeerStream, code: code})
}

// teardown fails every stream and closes the connection after the writer
// drained its queue.
func (c *conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrConnClosed
		}
		c.closeErr = cause
		c.draining.Store(true)
		close(c.donech)
		for _, st := range c.streams {
			c.abort(st, fmt.Errorf("%w: %v", ErrConnClosed, cause))
		}
		select {
		case <-c.w.done:
		case <-time.After(time.Second):
		}
		c.nc.Close()
	})
}

// run executes fn on the loop and returns its result.
func (c *conn) run(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.opch <- func() { res <- fn() }:
	case <-c.donech:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-res
}

// post schedules fn on the loop without waiting for it.
func (c *conn) post(fn func()) {
	select {
	case c.opch <- fn:
	case <-c.donech:
	}
}

func (c *conn) process(res readResult) error {
	if res.serr != nil {
		c.log.Debug("stream error", zap.Uint32("stream", res.serr.StreamID), zap.Error(res.serr))
		if st := c.streams[res.serr.StreamID]; st != nil {
			c.resetStream(st, res.serr.Code, res.serr)
		} else {
			c.w.enqueue(frameWrite{kind: writeRST, streamID: res.serr.StreamID, code: res.serr.Code})
		}
		return nil
	}

	switch f := res.f.(type) {
	case *xhttp2.SettingsFrame:
		return c.processSettings(f)
	case *xhttp2.MetaHeadersFrame:
		return c.processHeaders(f)
	case *xhttp2.DataFrame:
		return c.processData(f)
	case *xhttp2.RSTStreamFrame:
		c.processReset(f)
	case *xhttp2.WindowUpdateFrame:
		return c.processWindowUpdate(f)
	case *xhttp2.PingFrame:
		c.processPing(f)
	case *xhttp2.GoAwayFrame:
		c.processGoAway(f)
	case *xhttp2.PushPromiseFrame:
		// Clients disable push and servers never receive it.
		return xhttp2.ConnectionError(xhttp2.ErrCodeProtocol)
	case *xhttp2.PriorityFrame:
	default:
		c.log.Debug("unhandled frame", zap.Stringer("type", res.f.Header().Type))
	}
	return nil
}

func (c *conn) processSettings(f *xhttp2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s xhttp2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case xhttp2.SettingInitialWindowSize:
			delta := int32(s.Val) - c.peerInitialWindow
			c.peerInitialWindow = int32(s.Val)
			for _, st := range c.streams {
				if delta > 0 && st.sendWindow > maxWindow-delta {
					return xhttp2.ConnectionError(xhttp2.ErrCodeFlowControl)
				}
				st.sendWindow += delta
			}
		case xhttp2.SettingMaxFrameSize:
			c.peerMaxFrameSize = s.Val
		case xhttp2.SettingMaxConcurrentStreams:
			c.peerMaxStreams.Store(s.Val)
		case xhttp2.SettingEnablePush:
			c.peerPushEnabled = s.Val == 1
		case xhttp2.SettingHeaderTableSize:
			c.w.enqueue(frameWrite{kind: writeTableSize, n: s.Val})
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.w.enqueue(frameWrite{kind: writeSettingsAck})
	c.flushAll()
	return nil
}

func (c *conn) processHeaders(f *xhttp2.MetaHeadersFrame) error {
	id := f.StreamID
	st := c.streams[id]
	if st != nil {
		return c.streamHeaders(st, f)
	}
	if c.role == state.RoleClient {
		// Response to a stream that was reset or never opened.
		return nil
	}
	if id%2 == 0 {
		return xhttp2.ConnectionError(xhttp2.ErrCodeProtocol)
	}
	if id <= c.lastPeerStream {
		// A stream that was already closed, e.g. trailers after a reset.
		return nil
	}
	c.lastPeerStream = id
	if c.goAwaySent || uint32(c.peerStreams) >= c.cfg.MaxConcurrentStreams {
		c.w.enqueue(frameWrite{kind: writeRST, streamID: id, code: xhttp2.ErrCodeRefusedStream})
		return nil
	}
	if f.Truncated {
		c.log.Debug("header list too large", zap.Uint32("stream", id))
		c.w.enqueue(frameWrite{kind: writeRST, streamID: id, code: xhttp2.ErrCodeRefusedStream})
		return nil
	}
	return c.openPeerStream(f)
}

func (c *conn) newStream(id uint32, sctx *state.Context) *stream {
	return &stream{
		id:         id,
		ctx:        sctx,
		sendWindow: c.peerInitialWindow,
		recvWindow: int32(c.cfg.InitialWindowSize),
		bp:         message.NewBackPressure(),
	}
}

// creditOnConsume hands stream window back to the peer as the body is
// consumed, so an unread body holds at most one window.
func (c *conn) creditOnConsume(st *stream) {
	st.msg.Content().OnConsume(func(n int) {
		c.post(func() {
			if c.streams[st.id] == st && !st.reset {
				c.creditStream(st, uint32(n))
			}
		})
	})
}

func (c *conn) creditStream(st *stream, n uint32) {
	st.recvWindow += int32(n)
	c.w.enqueue(frameWrite{kind: writeWindowUpdate, streamID: st.id, n: n})
}

// openPeerStream registers a request stream and hands the request to the
// dispatcher.
func (c *conn) openPeerStream(f *xhttp2.MetaHeadersFrame) error {
	id := f.StreamID
	sctx := state.NewContext(id, state.RoleServer, c.remote, c.log)
	action, err := sctx.Inbound(state.Event{
		Kind:      state.EventHeaders,
		EndStream: f.StreamEnded(),
		Initial:   f.PseudoValue("method") != "",
	})
	if err != nil {
		c.log.Debug("rejected stream", zap.Uint32("stream", id), zap.Error(err))
		c.w.enqueue(frameWrite{kind: writeRST, streamID: id, code: xhttp2.ErrCodeProtocol})
		return nil
	}
	req, err := readRequest(f)
	if err != nil {
		c.log.Debug("rejected stream", zap.Uint32("stream", id), zap.Error(err))
		c.w.enqueue(frameWrite{kind: writeRST, streamID: id, code: xhttp2.ErrCodeProtocol})
		return nil
	}
	req.State = sctx

	st := c.newStream(id, sctx)
	st.peer = true
	st.msg = req
	st.holder = newHolder(req, st.bp)
	if action == state.ActionNewMessageNoBody {
		req.Content().Close()
	} else {
		c.creditOnConsume(st)
	}
	c.streams[id] = st
	c.peerStreams++

	for _, l := range c.listeners {
		l.OnStreamInit(req)
	}
	go c.dispatcher.SubmitInbound(req, &responder{c: c, st: st, req: req})
	return nil
}

// streamHeaders handles a header block on a known stream: the response
// head on client streams, otherwise trailers.
func (c *conn) streamHeaders(st *stream, f *xhttp2.MetaHeadersFrame) error {
	if c.role == state.RoleClient && st.msg == nil && isInterim(f) {
		return nil
	}
	initial := f.PseudoValue("status") != "" || f.PseudoValue("method") != ""
	action, err := st.ctx.Inbound(state.Event{Kind: state.EventHeaders, EndStream: f.StreamEnded(), Initial: initial})
	if err != nil {
		c.resetStream(st, xhttp2.ErrCodeProtocol, err)
		return nil
	}

	switch action {
	case state.ActionNewMessage, state.ActionNewMessageNoBody:
		resp, err := readResponse(f)
		if err != nil {
			c.resetStream(st, xhttp2.ErrCodeProtocol, err)
			return nil
		}
		resp.State = st.ctx
		st.msg = resp
		if action == state.ActionNewMessageNoBody {
			resp.Content().Close()
		} else {
			c.creditOnConsume(st)
		}
		if st.respch != nil {
			st.respch <- resp
		}
	case state.ActionTrailers:
		h, err := readTrailers(f)
		if err != nil {
			c.resetStream(st, xhttp2.ErrCodeProtocol, err)
			return nil
		}
		st.msg.Trailers = h
		st.msg.Content().Close()
	}
	c.maybeClose(st)
	return nil
}

func (c *conn) processData(f *xhttp2.DataFrame) error {
	n := f.Header().Length
	if n > 0 {
		c.w.enqueue(frameWrite{kind: writeWindowUpdate, n: n})
	}
	st := c.streams[f.StreamID]
	if st == nil {
		return nil
	}
	st.recvWindow -= int32(n)
	if st.recvWindow < 0 {
		c.resetStream(st, xhttp2.ErrCodeFlowControl, errRecvWindow)
		return nil
	}
	action, err := st.ctx.Inbound(state.Event{Kind: state.EventData, EndStream: f.StreamEnded()})
	if err != nil {
		c.resetStream(st, xhttp2.ErrCodeProtocol, err)
		return nil
	}

	var chunk message.Chunk
	switch action {
	case state.ActionAppendChunk:
		// Padding never reaches the consumer.
		if pad := n - uint32(len(f.Data())); pad > 0 {
			c.creditStream(st, pad)
		}
		if len(f.Data()) == 0 {
			return nil
		}
		chunk.Data = append([]byte(nil), f.Data()...)
	case state.ActionAppendLastChunk:
		if len(f.Data()) > 0 {
			chunk.Data = append([]byte(nil), f.Data()...)
		}
		chunk.Last = true
	default:
		return nil
	}
	if err := st.msg.Content().Add(chunk); err != nil {
		// The consumer gave up on the body.
		c.resetStream(st, xhttp2.ErrCodeCancel, err)
		return nil
	}
	c.maybeClose(st)
	return nil
}

func (c *conn) processReset(f *xhttp2.RSTStreamFrame) {
	st := c.streams[f.StreamID]
	if st == nil {
		return
	}
	if action, _ := st.ctx.Inbound(state.Event{Kind: state.EventReset}); action != state.ActionCancel {
		return
	}
	err := fmt.Errorf("%w: %v", message.ErrStreamReset, f.ErrCode)
	if f.ErrCode == xhttp2.ErrCodeRefusedStream {
		err = fmt.Errorf("%w: %v", ErrGoAway, f.ErrCode)
	}
	c.abort(st, err)
}

func (c *conn) processWindowUpdate(f *xhttp2.WindowUpdateFrame) error {
	incr := int32(f.Increment)
	if f.StreamID == 0 {
		if c.connSendWindow > maxWindow-incr {
			return xhttp2.ConnectionError(xhttp2.ErrCodeFlowControl)
		}
		c.connSendWindow += incr
		c.flushAll()
		return nil
	}
	st := c.streams[f.StreamID]
	if st == nil {
		return nil
	}
	if st.sendWindow > maxWindow-incr {
		c.resetStream(st, xhttp2.ErrCodeFlowControl, errors.New("send window overflow"))
		return nil
	}
	st.sendWindow += incr
	c.flush(st)
	return nil
}

func (c *conn) processPing(f *xhttp2.PingFrame) {
	if f.IsAck() {
		if ch, ok := c.pings[f.Data]; ok {
			close(ch)
			delete(c.pings, f.Data)
		}
		return
	}
	c.w.enqueue(frameWrite{kind: writePing, ack: true, ping: f.Data})
}

func (c *conn) processGoAway(f *xhttp2.GoAwayFrame) {
	c.goAwayReceived = true
	c.draining.Store(true)
	c.log.Debug("received GOAWAY", zap.Uint32("last_stream", f.LastStreamID), zap.Stringer("code", f.ErrCode))
	for id, st := range c.streams {
		if !st.peer && id > f.LastStreamID {
			c.abort(st, ErrGoAway)
		}
	}
	if f.ErrCode != xhttp2.ErrCodeNo {
		c.goAway(xhttp2.ErrCodeNo)
	}
}

// resetStream sends RST_STREAM and fails the stream locally.
func (c *conn) resetStream(st *stream, code xhttp2.ErrCode, cause error) {
	if st.reset || st.closed {
		return
	}
	st.ctx.Outbound(state.OpReset, false)
	st.ctx.Inbound(state.Event{Kind: state.EventReset})
	c.w.enqueue(frameWrite{kind: writeRST, streamID: st.id, code: code})
	if cause == nil {
		cause = message.ErrStreamReset
	} else if !errors.Is(cause, message.ErrStreamReset) {
		cause = fmt.Errorf("%w: %v", message.ErrStreamReset, cause)
	}
	c.abort(st, cause)
}

// abort fails both directions of a stream and removes it. Nothing is sent.
func (c *conn) abort(st *stream, err error) {
	st.reset = true
	st.pending = nil
	if st.msg != nil {
		st.msg.Content().Cancel(err)
	}
	st.fail(err)
	// Wake a producer waiting for window; its next write fails.
	st.bp.NotifyWritable()
	c.removeStream(st)
}

func (c *conn) streamEnded(st *stream) {
	st.endWritten = true
	c.maybeClose(st)
}

// maybeClose removes a stream once its inbound message is complete and
// END_STREAM went out. Until then late body data and trailers still reach
// the message.
func (c *conn) maybeClose(st *stream) {
	if st.endWritten && st.ctx.InboundDone() {
		c.removeStream(st)
	}
}

func (c *conn) removeStream(st *stream) {
	if st.closed {
		return
	}
	st.closed = true
	delete(c.streams, st.id)
	if st.peer {
		c.peerStreams--
		for _, l := range c.listeners {
			l.OnStreamClose(st.id)
		}
	} else if st.id%2 == 1 {
		c.localStreams--
	}
	if st.stop != nil {
		st.stop()
	}
}

// writeHeaders queues a header block that opens the outbound message.
func (c *conn) writeHeaders(st *stream, fields []hpack.HeaderField, end bool) error {
	if st.reset {
		return message.ErrStreamReset
	}
	if !st.ctx.Outbound(state.OpWriteHeaders, end) {
		return ErrWriteRefused
	}
	fw := frameWrite{kind: writeHeaders, streamID: st.id, fields: fields, endStream: end, maxFrame: c.peerMaxFrameSize}
	if end {
		st.endQueued = true
		fw.st = st
	}
	c.w.enqueue(fw)
	return nil
}

func (c *conn) writeData(st *stream, data []byte, end bool) error {
	if st.reset {
		return message.ErrStreamReset
	}
	if !st.ctx.Outbound(state.OpWriteBody, end) {
		return ErrWriteRefused
	}
	st.pending = append(st.pending, pendingWrite{data: data, end: end})
	c.flush(st)
	return nil
}

func (c *conn) writeTrailers(st *stream, fields []hpack.HeaderField) error {
	if st.reset {
		return message.ErrStreamReset
	}
	if !st.ctx.Outbound(state.OpWriteTrailers, true) {
		return ErrWriteRefused
	}
	st.pending = append(st.pending, pendingWrite{trailers: fields, end: true})
	c.flush(st)
	return nil
}

// flush moves pending body data of st to the writer as far as the stream
// and connection windows allow, and updates the stream's writability.
func (c *conn) flush(st *stream) {
	for len(st.pending) > 0 && !st.reset {
		p := &st.pending[0]
		if p.trailers != nil {
			st.endQueued = true
			c.w.enqueue(frameWrite{kind: writeHeaders, streamID: st.id, fields: p.trailers, endStream: true, maxFrame: c.peerMaxFrameSize, st: st})
			st.pending = st.pending[1:]
			continue
		}
		if len(p.data) == 0 {
			if p.end {
				st.endQueued = true
				c.w.enqueue(frameWrite{kind: writeData, streamID: st.id, endStream: true, st: st})
			}
			st.pending = st.pending[1:]
			continue
		}

		n := int32(len(p.data))
		n = min(n, st.sendWindow, c.connSendWindow, int32(c.peerMaxFrameSize))
		if n <= 0 {
			break
		}
		data := p.data[:n]
		p.data = p.data[n:]
		st.sendWindow -= n
		c.connSendWindow -= n
		fw := frameWrite{kind: writeData, streamID: st.id, data: data}
		if len(p.data) == 0 {
			if p.end {
				st.endQueued = true
				fw.endStream = true
				fw.st = st
			}
			st.pending = st.pending[1:]
		}
		c.w.enqueue(fw)
	}
	if len(st.pending) > 0 {
		st.bp.NotifyUnwritable()
	} else {
		st.bp.NotifyWritable()
	}
}

func (c *conn) flushAll() {
	for _, st := range c.streams {
		if c.connSendWindow <= 0 {
			return
		}
		if len(st.pending) > 0 {
			c.flush(st)
		}
	}
}

// ping sends a PING and waits for its acknowledgement.
func (c *conn) ping(ctx context.Context) error {
	var ack chan struct{}
	err := c.run(ctx, func() error {
		c.pingSeq++
		var data [8]byte
		for i := range data {
			data[i] = byte(c.pingSeq >> (8 * i))
		}
		ack = make(chan struct{})
		c.pings[data] = ack
		c.w.enqueue(frameWrite{kind: writePing, ping: data})
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-c.donech:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
