package state

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Context is the state of one logical stream: one inbound and one outbound
// machine, the stream id and the connection it belongs to. An HTTP/1.1
// connection carries a single implicit stream with id 0.
type Context struct {
	StreamID uint32
	// Conn identifies the owning connection (its remote address).
	Conn string
	Role Role

	mu          sync.Mutex
	listener    ListenerState
	sender      SenderState
	hasMessage  bool
	headersSent bool
	log         *zap.Logger
}

// NewContext returns a context in the Idle / SenderIdle states.
func NewContext(streamID uint32, role Role, conn string, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		StreamID: streamID,
		Conn:     conn,
		Role:     role,
		log:      log,
	}
}

func (c *Context) Listener() ListenerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Context) Sender() SenderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender
}

// HeadersSent reports whether the first outbound header block went out.
func (c *Context) HeadersSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headersSent
}

// Begin moves an Idle stream to ReceivingHeaders.
func (c *Context) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == Idle {
		c.listener = ReceivingHeaders
	}
}

// Inbound applies a codec event and returns what the codec must do with it.
// Events that the current state does not expect are ignored with a warning;
// sequences no state accepts reset the stream and return ErrProtocolViolation.
func (c *Context) Inbound(ev Event) (Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Kind == EventReset {
		if c.listener == Reset {
			return ActionIgnore, nil
		}
		c.listener = Reset
		if c.sender != SendCompleted {
			c.sender = SenderReset
		}
		return ActionCancel, nil
	}

	if c.listener == Idle {
		c.listener = ReceivingHeaders
	}

	from := c.listener
	rule, ok := lookupInbound(from, ev, c.hasMessage)
	if !ok || rule.action == ActionIgnore {
		c.log.Warn(fmt.Sprintf("%s is not a dependant action of this state", ev.Kind),
			zap.Stringer("state", from),
			zap.Uint32("stream", c.StreamID),
			zap.Bool("end_stream", ev.EndStream))
		return ActionIgnore, nil
	}
	c.listener = rule.next
	if rule.action == ActionNewMessage || rule.action == ActionNewMessageNoBody {
		c.hasMessage = true
	}
	if rule.violation {
		if c.sender != SendCompleted {
			c.sender = SenderReset
		}
		return rule.action, fmt.Errorf("%w: %s (end_stream=%t) in state %s on stream %d",
			ErrProtocolViolation, ev.Kind, ev.EndStream, from, c.StreamID)
	}
	return rule.action, nil
}

// Outbound validates and applies a write operation. It returns false when
// the operation is not valid in the current state; the caller must then
// skip the write. Nothing else happens beyond a warning.
func (c *Context) Outbound(op Op, endStream bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op == OpReset {
		if c.sender == SenderReset {
			return false
		}
		c.sender = SenderReset
		if c.listener != EntityBodyReceived {
			c.listener = Reset
		}
		return true
	}

	if c.Role == RoleServer && c.listener != ReceivingEntityBody && c.listener != EntityBodyReceived {
		c.warn(op, c.listener.String())
		return false
	}

	rule := lookupOutbound(c.sender, op, endStream && op != OpWritePromise)
	if !rule.ok {
		c.warn(op, c.sender.String())
		return false
	}
	c.sender = rule.next
	if op == OpWriteHeaders {
		c.headersSent = true
	}
	return true
}

func (c *Context) warn(op Op, st string) {
	c.log.Warn(fmt.Sprintf("%s is not a dependant action of this state", op),
		zap.String("state", st),
		zap.Uint32("stream", c.StreamID))
}

// Terminal reports whether both directions are finished. A stream whose
// inbound side reset is terminal regardless of the sender.
func (c *Context) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == Reset || c.sender == SenderReset {
		return true
	}
	return c.listener == EntityBodyReceived && c.sender == SendCompleted
}

// InboundDone reports whether the inbound message is complete.
func (c *Context) InboundDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener == EntityBodyReceived
}
