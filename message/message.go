// Package message defines the HTTP message exchanged between the transport
// and the dispatch layer, its lazily produced body and the dispatch contract.
package message

import (
	"strconv"

	"carbon/state"
)

const (
	HTTP11 = "HTTP/1.1"
	HTTP10 = "HTTP/1.0"
	HTTP20 = "HTTP/2.0"
)

// Message is a request or a response. It is owned by one side at a time:
// whoever receives it from a call owns it until handing it on.
type Message struct {
	// Request fields.
	Method    string
	Path      string
	Scheme    string
	Authority string

	// Response status, zero for requests.
	Status int

	Protocol string
	Headers  Headers
	// Trailers are complete once the body sequence has ended.
	Trailers Headers

	// Passthrough messages are relayed without backpressure registration.
	Passthrough bool

	StreamID uint32
	State    *state.Context

	content      *Content
	backPressure *BackPressure
}

func NewRequest(method, path string) *Message {
	return &Message{Method: method, Path: path, Protocol: HTTP11, content: NewContent()}
}

func NewResponse(status int) *Message {
	return &Message{Status: status, Protocol: HTTP11, content: NewContent()}
}

func (m *Message) IsRequest() bool {
	return m.Method != ""
}

func (m *Message) Content() *Content {
	if m.content == nil {
		m.content = NewContent()
	}
	return m.content
}

// SetContent replaces the body sequence, e.g. with an encoded one.
func (m *Message) SetContent(c *Content) {
	m.content = c
}

// SetBody replaces the body with a single complete chunk.
func (m *Message) SetBody(b []byte) {
	c := NewContent()
	c.Add(Chunk{Data: b, Last: true})
	m.content = c
}

func (m *Message) BackPressure() *BackPressure {
	return m.backPressure
}

func (m *Message) SetBackPressure(bp *BackPressure) {
	m.backPressure = bp
}

// ContentLength returns the declared length, or -1.
func (m *Message) ContentLength() int64 {
	v := m.Headers.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Host returns the authority, falling back to the Host header.
func (m *Message) Host() string {
	if m.Authority != "" {
		return m.Authority
	}
	return m.Headers.Get("Host")
}
