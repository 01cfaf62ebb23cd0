// Package http1 is the HTTP/1.1 codec: a connection carries one implicit
// stream at a time, driven through the same state machines as HTTP/2.
package http1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"carbon/message"
	"carbon/state"
)

var (
	// HttpMethods lists the accepted request methods.
	HttpMethods = []string{"GET", "POST", "PATCH", "PUT", "DELETE", "HEAD", "OPTIONS", "TRACE", "CONNECT"}
	// HttpVersions lists the accepted protocol versions.
	HttpVersions = []string{message.HTTP10, message.HTTP11}
)

const (
	CRLF = "\r\n"
	// ClientPreface is what an HTTP/2 prior-knowledge client sends first.
	ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	maxLineSize    = 8 << 10
	maxHeaderLines = 200
	bodyPieceSize  = 32 << 10
	// maxBufferedBody is how much of a body is read ahead of its consumer.
	maxBufferedBody = 1 << 20
)

// ErrHTTP2Preface is returned by ReadRequestHead when the connection
// starts with the HTTP/2 client preface.
var ErrHTTP2Preface = errors.New("http2 client preface")

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", state.ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull || len(line) > maxLineSize {
		return "", violation("line too long")
	}
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(string(line), CRLF), nil
}

// ReadRequestHead reads a request line and header block. The body is left
// on the reader.
func ReadRequestHead(r *bufio.Reader) (*message.Message, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	// Parses the request line. Example: "GET /path HTTP/1.1"
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, violation("malformed request line %q", line)
	}
	method, path, version := parts[0], parts[1], parts[2]
	if method == "PRI" && path == "*" && version == "HTTP/2.0" {
		return nil, ErrHTTP2Preface
	}
	if !slices.Contains(HttpMethods, method) {
		return nil, violation("unsupported HTTP method %q", method)
	}
	if !slices.Contains(HttpVersions, version) {
		return nil, violation("unsupported HTTP version %q", version)
	}

	req := message.NewRequest(method, path)
	req.Protocol = version
	if err := readHeaderBlock(r, &req.Headers); err != nil {
		return nil, err
	}
	req.Authority = req.Headers.Get("Host")
	if version == message.HTTP11 && req.Authority == "" {
		return nil, violation("missing Host header")
	}
	return req, nil
}

// ReadResponseHead reads a status line and header block. 1xx interim
// responses are skipped.
func ReadResponseHead(r *bufio.Reader) (*message.Message, error) {
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		// Parse the response line. Example: "HTTP/1.1 200 OK"
		version, rest, ok := strings.Cut(line, " ")
		if !ok || !slices.Contains(HttpVersions, version) {
			return nil, violation("malformed status line %q", line)
		}
		code, _, _ := strings.Cut(rest, " ")
		status, err := strconv.Atoi(code)
		if err != nil || status < 100 || status > 999 {
			return nil, violation("invalid status code %q", code)
		}

		resp := message.NewResponse(status)
		resp.Protocol = version
		if err := readHeaderBlock(r, &resp.Headers); err != nil {
			return nil, err
		}
		if status >= 100 && status < 200 && status != 101 {
			continue
		}
		return resp, nil
	}
}

func readHeaderBlock(r *bufio.Reader, h *message.Headers) error {
	for i := 0; ; i++ {
		if i > maxHeaderLines {
			return violation("too many header lines")
		}
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return violation("malformed header line %q", line)
		}
		value = strings.TrimSpace(value)
		if !message.ValidField(name, value) {
			return violation("invalid header field %q", name)
		}
		h.Add(name, value)
	}
}

// bodyKind is how a message body is delimited on the wire.
type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

func requestBody(req *message.Message) (bodyKind, int64, error) {
	if te := req.Headers.Get("Transfer-Encoding"); te != "" {
		if !strings.EqualFold(te, "chunked") {
			return bodyNone, 0, violation("unsupported transfer encoding %q", te)
		}
		return bodyChunked, 0, nil
	}
	if req.Headers.Has("Content-Length") {
		n := req.ContentLength()
		if n < 0 {
			return bodyNone, 0, violation("invalid Content-Length")
		}
		if n == 0 {
			return bodyNone, 0, nil
		}
		return bodyLength, n, nil
	}
	return bodyNone, 0, nil
}

func responseBody(resp *message.Message, method string) (bodyKind, int64, error) {
	if method == "HEAD" || resp.Status == 204 || resp.Status == 304 || (resp.Status >= 100 && resp.Status < 200) {
		return bodyNone, 0, nil
	}
	if te := resp.Headers.Get("Transfer-Encoding"); te != "" {
		if !strings.EqualFold(te, "chunked") {
			return bodyNone, 0, violation("unsupported transfer encoding %q", te)
		}
		return bodyChunked, 0, nil
	}
	if resp.Headers.Has("Content-Length") {
		n := resp.ContentLength()
		if n < 0 {
			return bodyNone, 0, violation("invalid Content-Length")
		}
		if n == 0 {
			return bodyNone, 0, nil
		}
		return bodyLength, n, nil
	}
	return bodyUntilClose, 0, nil
}

// bodyReader feeds a body into a message through the stream's inbound
// state machine.
type bodyReader struct {
	r   *bufio.Reader
	msg *message.Message
	ctx *state.Context
	// wait bounds the pauses taken while the consumer is behind.
	wait context.Context
}

func (b *bodyReader) data(p []byte, end bool) error {
	if len(p) > 0 {
		wait := b.wait
		if wait == nil {
			wait = context.Background()
		}
		if err := b.msg.Content().WaitBelow(wait, maxBufferedBody); err != nil {
			return err
		}
	}
	action, err := b.ctx.Inbound(state.Event{Kind: state.EventData, EndStream: end})
	if err != nil {
		return err
	}
	switch action {
	case state.ActionAppendChunk:
		if len(p) == 0 {
			return nil
		}
		buf := make([]byte, len(p))
		copy(buf, p)
		return b.msg.Content().Add(message.Chunk{Data: buf})
	case state.ActionAppendLastChunk:
		var buf []byte
		if len(p) > 0 {
			buf = make([]byte, len(p))
			copy(buf, p)
		}
		return b.msg.Content().Add(message.Chunk{Data: buf, Last: true})
	}
	return nil
}

func (b *bodyReader) trailers(h message.Headers) error {
	action, err := b.ctx.Inbound(state.Event{Kind: state.EventHeaders, EndStream: true})
	if err != nil {
		return err
	}
	if action == state.ActionTrailers {
		b.msg.Trailers = h
		return b.msg.Content().Close()
	}
	return nil
}

// read consumes the body of the given kind. Read failures cancel the
// message content.
func (b *bodyReader) read(kind bodyKind, length int64) error {
	var err error
	switch kind {
	case bodyLength:
		err = b.readLength(length)
	case bodyChunked:
		err = b.readChunked()
	case bodyUntilClose:
		err = b.readUntilClose()
	}
	if err != nil {
		b.ctx.Inbound(state.Event{Kind: state.EventReset})
		b.msg.Content().Cancel(err)
	}
	return err
}

func (b *bodyReader) readLength(n int64) error {
	buf := make([]byte, bodyPieceSize)
	for n > 0 {
		want := int64(len(buf))
		if n < want {
			want = n
		}
		got, err := io.ReadFull(b.r, buf[:want])
		n -= int64(got)
		if got > 0 {
			if derr := b.data(buf[:got], n == 0); derr != nil {
				return derr
			}
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

func (b *bodyReader) readChunked() error {
	buf := make([]byte, bodyPieceSize)
	for {
		sizeLine, err := readLine(b.r)
		if err != nil {
			return err
		}
		sizeStr, _, _ := strings.Cut(sizeLine, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return violation("invalid chunk size %q", sizeLine)
		}
		if size == 0 {
			var trailers message.Headers
			if err := readHeaderBlock(b.r, &trailers); err != nil {
				return err
			}
			if trailers.Len() > 0 {
				return b.trailers(trailers)
			}
			return b.data(nil, true)
		}
		if err := b.readChunkData(buf, size); err != nil {
			return err
		}
		// Read and discard the CRLF after each chunk.
		if line, err := readLine(b.r); err != nil {
			return err
		} else if line != "" {
			return violation("missing CRLF after chunk")
		}
	}
}

// readChunkData forwards one chunk in pieces of at most len(buf) bytes, so
// the announced size never decides an allocation.
func (b *bodyReader) readChunkData(buf []byte, size int64) error {
	for size > 0 {
		want := min(int64(len(buf)), size)
		got, err := io.ReadFull(b.r, buf[:want])
		size -= int64(got)
		if got > 0 {
			if derr := b.data(buf[:got], false); derr != nil {
				return derr
			}
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

func (b *bodyReader) readUntilClose() error {
	buf := make([]byte, bodyPieceSize)
	for {
		n, err := b.r.Read(buf)
		if n > 0 {
			if derr := b.data(buf[:n], false); derr != nil {
				return derr
			}
		}
		if err == io.EOF {
			return b.data(nil, true)
		}
		if err != nil {
			return err
		}
	}
}
