package http2

import (
	"sync"

	"golang.org/x/net/http2/hpack"

	"carbon/message"
	"carbon/state"
)

// InboundMessageHolder is the registry entry of one server stream: the
// request as it fills, the requests promised on it and the writability of
// its response.
type InboundMessageHolder struct {
	Request      *message.Message
	BackPressure *message.BackPressure

	mu       sync.Mutex
	promises []*message.Message
}

func newHolder(req *message.Message, bp *message.BackPressure) *InboundMessageHolder {
	return &InboundMessageHolder{Request: req, BackPressure: bp}
}

func (h *InboundMessageHolder) addPromise(m *message.Message) {
	h.mu.Lock()
	h.promises = append(h.promises, m)
	h.mu.Unlock()
}

// Promises returns the requests pushed on this stream so far.
func (h *InboundMessageHolder) Promises() []*message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*message.Message, len(h.promises))
	copy(out, h.promises)
	return out
}

// pendingWrite is body data or a trailer block waiting for send window.
type pendingWrite struct {
	data     []byte
	end      bool
	trailers []hpack.HeaderField
}

// stream is the loop's view of one stream. Every field is owned by the
// connection loop.
type stream struct {
	id  uint32
	ctx *state.Context
	// msg is the inbound message: the request on servers, the response on
	// clients, the promised request on pushed streams.
	msg    *message.Message
	holder *InboundMessageHolder
	// peer marks streams the peer opened.
	peer bool

	sendWindow int32
	// recvWindow is what the peer may still send; it grows back as msg's
	// content is consumed.
	recvWindow int32
	pending    []pendingWrite
	bp         *message.BackPressure

	endQueued  bool
	endWritten bool
	reset      bool
	closed     bool

	// Client streams deliver the response head or the failure here.
	respch chan *message.Message
	errch  chan error
	stop   func() bool
}

func (st *stream) fail(err error) {
	if st.errch == nil {
		return
	}
	select {
	case st.errch <- err:
	default:
	}
}
