package http1

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"carbon/message"
	"carbon/state"
)

// hopHeaders are owned by the codec and never copied from a message.
var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Trailer", "Upgrade", "Proxy-Connection"}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// StatusText returns the reason phrase for a status code.
func StatusText(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Unknown"
}

func writeHeaders(w *bufio.Writer, h *message.Headers, skipLength bool) {
	h.Each(func(name, value string) {
		if isHopHeader(name) || (skipLength && strings.EqualFold(name, "Content-Length")) {
			return
		}
		w.WriteString(name)
		w.WriteString(": ")
		w.WriteString(value)
		w.WriteString(CRLF)
	})
}

// framing decides how a body goes on the wire: the declared length if
// there is one, chunked for HTTP/1.1, until close otherwise.
func framing(msg *message.Message) (bodyKind, int64) {
	if n := msg.ContentLength(); n >= 0 {
		return bodyLength, n
	}
	if msg.Protocol == message.HTTP10 {
		return bodyUntilClose, 0
	}
	return bodyChunked, 0
}

// sender pulls a message body and writes it, driving the outbound machine.
type sender struct {
	w    *bufio.Writer
	ctx  *state.Context
	head func(kind bodyKind) error
}

// send writes the head with the first chunk, then the rest of the body. It
// returns whether the message went out completely and delimited, that is
// whether the connection may carry another exchange.
func (s *sender) send(ctx context.Context, msg *message.Message, noBody bool) (bool, error) {
	kind, length := framing(msg)
	if noBody {
		kind = bodyNone
	}
	content := msg.Content()
	var written int64
	headersSent := false

	for {
		ch, err := content.Next(ctx)
		if err == io.EOF {
			return kind != bodyUntilClose, nil
		}
		if err != nil {
			s.ctx.Outbound(state.OpReset, false)
			return false, err
		}

		if !headersSent {
			headersSent = true
			end := ch.Last && len(ch.Data) == 0 && msg.Trailers.Len() == 0
			if kind == bodyNone || (kind == bodyLength && length == 0) {
				end = true
			}
			if !s.ctx.Outbound(state.OpWriteHeaders, end) {
				return false, nil
			}
			if kind == bodyChunked && end && !noBody {
				kind = bodyLength
				msg.Headers.Set("Content-Length", "0")
			}
			if err := s.head(kind); err != nil {
				return false, err
			}
			if end {
				if err := s.w.Flush(); err != nil {
					return false, err
				}
				if !ch.Last {
					content.Cancel(nil)
				}
				return kind != bodyUntilClose, nil
			}
		}

		if len(ch.Data) > 0 || ch.Last {
			trailers := ch.Last && msg.Trailers.Len() > 0 && kind == bodyChunked
			op := state.OpWriteBody
			if trailers && len(ch.Data) > 0 {
				if !s.ctx.Outbound(state.OpWriteBody, false) {
					return false, nil
				}
			}
			if trailers {
				op = state.OpWriteTrailers
			}
			if !s.ctx.Outbound(op, ch.Last) {
				return false, nil
			}
			if kind == bodyLength {
				if written+int64(len(ch.Data)) > length {
					return false, fmt.Errorf("body exceeds declared Content-Length %d", length)
				}
				written += int64(len(ch.Data))
				if ch.Last && written != length {
					return false, fmt.Errorf("body of %d bytes does not match Content-Length %d", written, length)
				}
			}
			if err := s.writeChunk(kind, ch, msg); err != nil {
				return false, err
			}
		}
		if ch.Last {
			return kind != bodyUntilClose, nil
		}
	}
}

func (s *sender) writeChunk(kind bodyKind, ch message.Chunk, msg *message.Message) error {
	switch kind {
	case bodyChunked:
		if len(ch.Data) > 0 {
			s.w.WriteString(strconv.FormatInt(int64(len(ch.Data)), 16))
			s.w.WriteString(CRLF)
			s.w.Write(ch.Data)
			s.w.WriteString(CRLF)
		}
		if ch.Last {
			s.w.WriteString("0" + CRLF)
			writeHeaders(s.w, &msg.Trailers, true)
			s.w.WriteString(CRLF)
		}
	default:
		s.w.Write(ch.Data)
	}
	return s.w.Flush()
}

func writeRequestHead(w *bufio.Writer, req *message.Message, kind bodyKind, keepAlive bool) error {
	protocol := req.Protocol
	if protocol == "" || protocol == message.HTTP20 {
		protocol = message.HTTP11
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(w, "%s %s %s\r\n", req.Method, path, protocol)
	if !req.Headers.Has("Host") {
		w.WriteString("Host: " + req.Host() + CRLF)
	}
	writeHeaders(w, &req.Headers, kind == bodyChunked)
	switch kind {
	case bodyChunked:
		w.WriteString("Transfer-Encoding: chunked" + CRLF)
		if req.Trailers.Len() > 0 {
			writeTrailerDecl(w, &req.Trailers)
		}
	}
	if !keepAlive {
		w.WriteString("Connection: close" + CRLF)
	}
	_, err := w.WriteString(CRLF)
	return err
}

func writeResponseHead(w *bufio.Writer, resp *message.Message, kind bodyKind, keepAlive bool) error {
	protocol := resp.Protocol
	if protocol == "" || protocol == message.HTTP20 {
		protocol = message.HTTP11
	}
	fmt.Fprintf(w, "%s %d %s\r\n", protocol, resp.Status, StatusText(resp.Status))
	writeHeaders(w, &resp.Headers, kind == bodyChunked)
	switch kind {
	case bodyChunked:
		w.WriteString("Transfer-Encoding: chunked" + CRLF)
		if resp.Trailers.Len() > 0 {
			writeTrailerDecl(w, &resp.Trailers)
		}
	}
	if !keepAlive {
		w.WriteString("Connection: close" + CRLF)
	} else if protocol == message.HTTP10 {
		w.WriteString("Connection: keep-alive" + CRLF)
	}
	_, err := w.WriteString(CRLF)
	return err
}

func writeTrailerDecl(w *bufio.Writer, trailers *message.Headers) {
	var names []string
	trailers.Each(func(name, _ string) {
		names = append(names, name)
	})
	w.WriteString("Trailer: " + strings.Join(names, ", ") + CRLF)
}
