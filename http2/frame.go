package http2

import (
	"fmt"
	"strconv"
	"strings"

	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"carbon/message"
	"carbon/state"
)

// Connection-specific fields have no meaning in HTTP/2.
var connectionFields = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
}

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", state.ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func appendFields(dst []hpack.HeaderField, h *message.Headers) []hpack.HeaderField {
	h.Each(func(name, value string) {
		name = strings.ToLower(name)
		if connectionFields[name] {
			return
		}
		if name == "te" && !strings.EqualFold(value, "trailers") {
			return
		}
		dst = append(dst, hpack.HeaderField{Name: name, Value: value})
	})
	return dst
}

func requestFields(req *message.Message) []hpack.HeaderField {
	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: req.Host()},
		{Name: ":path", Value: path},
	}
	return appendFields(fields, &req.Headers)
}

func responseFields(resp *message.Message) []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(resp.Status)}}
	return appendFields(fields, &resp.Headers)
}

func trailerFields(h *message.Headers) []hpack.HeaderField {
	return appendFields(nil, h)
}

func regularHeaders(f *xhttp2.MetaHeadersFrame) message.Headers {
	var h message.Headers
	for _, hf := range f.RegularFields() {
		h.Add(hf.Name, hf.Value)
	}
	return h
}

// readRequest builds a request from a decoded header block.
func readRequest(f *xhttp2.MetaHeadersFrame) (*message.Message, error) {
	method := f.PseudoValue("method")
	if method == "" {
		return nil, violation("request without :method on stream %d", f.StreamID)
	}
	req := message.NewRequest(method, f.PseudoValue("path"))
	req.Protocol = message.HTTP20
	req.Scheme = f.PseudoValue("scheme")
	req.Authority = f.PseudoValue("authority")
	if method != "CONNECT" && (req.Path == "" || req.Scheme == "") {
		return nil, violation("request without :path or :scheme on stream %d", f.StreamID)
	}
	if req.Scheme != "" && req.Scheme != "https" && req.Scheme != "http" {
		return nil, violation("unsupported scheme %q", req.Scheme)
	}
	if f.PseudoValue("status") != "" {
		return nil, violation("request carries :status on stream %d", f.StreamID)
	}
	req.Headers = regularHeaders(f)
	if req.Authority == "" {
		req.Authority = req.Headers.Get("Host")
	}
	req.StreamID = f.StreamID
	return req, nil
}

// readResponse builds a response from a decoded header block.
func readResponse(f *xhttp2.MetaHeadersFrame) (*message.Message, error) {
	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil || status < 100 || status > 999 {
		return nil, violation("invalid :status %q on stream %d", f.PseudoValue("status"), f.StreamID)
	}
	resp := message.NewResponse(status)
	resp.Protocol = message.HTTP20
	resp.Headers = regularHeaders(f)
	resp.StreamID = f.StreamID
	return resp, nil
}

func readTrailers(f *xhttp2.MetaHeadersFrame) (message.Headers, error) {
	if len(f.PseudoFields()) > 0 {
		return message.Headers{}, violation("trailers carry pseudo headers on stream %d", f.StreamID)
	}
	return regularHeaders(f), nil
}

// isInterim reports whether a response header block is a 1xx other than
// 101; those precede the final response and are dropped.
func isInterim(f *xhttp2.MetaHeadersFrame) bool {
	s := f.PseudoValue("status")
	return len(s) == 3 && s[0] == '1' && s != "101"
}
