package http2

import (
	"context"
	"errors"
	"io"

	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"carbon/message"
)

// nextChunk waits for the stream to be writable, unless the message is
// relayed as passthrough, and pulls the next body chunk.
func nextChunk(ctx context.Context, st *stream, msg *message.Message) (message.Chunk, error) {
	if !msg.Passthrough {
		if err := st.bp.Wait(ctx); err != nil {
			return message.Chunk{}, err
		}
	}
	ch, err := msg.Content().Next(ctx)
	if err == io.EOF {
		return message.Chunk{Last: true}, nil
	}
	return ch, err
}

// headersEnd reports whether the header block ends the stream: the body
// is empty and no trailers follow.
func headersEnd(first message.Chunk, msg *message.Message, noBody bool) bool {
	return noBody || (first.Last && len(first.Data) == 0 && msg.Trailers.Len() == 0)
}

// send writes msg on st: the header block together with the first body
// chunk, then the body as flow control allows, then the trailers.
func (c *conn) send(ctx context.Context, st *stream, msg *message.Message, fields []hpack.HeaderField, noBody bool) error {
	first, err := nextChunk(ctx, st, msg)
	if err != nil {
		c.cancel(st, err)
		return err
	}
	end := headersEnd(first, msg, noBody)
	if err := c.run(ctx, func() error { return c.writeHeaders(st, fields, end) }); err != nil {
		c.cancel(st, err)
		return err
	}
	if end {
		if !first.Last {
			msg.Content().Cancel(nil)
		}
		return nil
	}
	return c.sendBody(ctx, st, msg, first)
}

// sendBody writes the body starting at ch, which has been pulled already.
func (c *conn) sendBody(ctx context.Context, st *stream, msg *message.Message, ch message.Chunk) error {
	for {
		if len(ch.Data) > 0 || ch.Last {
			trailers := ch.Last && msg.Trailers.Len() > 0
			if len(ch.Data) > 0 || !trailers {
				data, end := ch.Data, ch.Last && !trailers
				if err := c.run(ctx, func() error { return c.writeData(st, data, end) }); err != nil {
					c.cancel(st, err)
					return err
				}
			}
			if trailers {
				fields := trailerFields(&msg.Trailers)
				if err := c.run(ctx, func() error { return c.writeTrailers(st, fields) }); err != nil {
					c.cancel(st, err)
					return err
				}
			}
		}
		if ch.Last {
			return nil
		}

		var err error
		ch, err = nextChunk(ctx, st, msg)
		if err != nil {
			c.cancel(st, err)
			return err
		}
	}
}

// cancel resets a stream whose outbound message could not be completed.
// Refused writes only warn, so they leave the stream alone.
func (c *conn) cancel(st *stream, cause error) {
	if errors.Is(cause, message.ErrStreamReset) || errors.Is(cause, ErrConnClosed) || errors.Is(cause, ErrWriteRefused) {
		return
	}
	c.post(func() { c.resetStream(st, xhttp2.ErrCodeCancel, cause) })
}
