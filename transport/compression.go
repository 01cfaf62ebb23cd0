package transport

import (
	"context"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"carbon/message"
)

const (
	CompressionAuto   = "auto"
	CompressionAlways = "always"
	CompressionNever  = "never"
)

// Encodings in order of preference.
var Encodings = []string{"zstd", "br", "gzip", "deflate"}

// negotiateEncoding picks the preferred encoding acceptable per an
// Accept-Encoding value, or "" when none is.
func negotiateEncoding(accept string) string {
	weights := make(map[string]float64)
	for _, part := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		weights[name] = q
	}

	best, bestQ := "", 0.0
	for _, enc := range Encodings {
		q, ok := weights[enc]
		if !ok {
			q, ok = weights["*"]
		}
		if ok && q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

// compressible tells whether a content type is worth encoding.
func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" || strings.HasPrefix(ct, "text/") {
		return true
	}
	for _, s := range []string{"json", "xml", "javascript", "svg", "wasm", "x-www-form-urlencoded"} {
		if strings.Contains(ct, s) {
			return true
		}
	}
	return false
}

// responseEncoding decides how resp to req is encoded under mode.
func responseEncoding(mode string, req, resp *message.Message) string {
	if mode == CompressionNever || mode == "" {
		return ""
	}
	if req.Method == "HEAD" || resp.Status < 200 || resp.Status == 204 || resp.Status == 304 {
		return ""
	}
	if resp.Headers.Has("Content-Encoding") {
		return ""
	}
	enc := negotiateEncoding(req.Headers.Get("Accept-Encoding"))
	if mode == CompressionAlways {
		if enc == "" && !req.Headers.Has("Accept-Encoding") {
			enc = "gzip"
		}
		return enc
	}
	if !compressible(resp.Headers.Get("Content-Type")) {
		return ""
	}
	return enc
}

type encoder interface {
	io.WriteCloser
	Flush() error
}

func newEncoder(enc string, w io.Writer) (encoder, error) {
	switch enc {
	case "deflate":
		return flate.NewWriter(w, flate.DefaultCompression)
	case "gzip":
		return gzip.NewWriter(w), nil
	case "br":
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	case "zstd":
		return zstd.NewWriter(w)
	}
	return nil, errUnsupportedEncoding(enc)
}

func newDecoder(enc string, r io.Reader) (io.ReadCloser, error) {
	switch enc {
	case "deflate":
		return flate.NewReader(r), nil
	case "gzip":
		return gzip.NewReader(r)
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, errUnsupportedEncoding(enc)
}

type errUnsupportedEncoding string

func (e errUnsupportedEncoding) Error() string {
	return "unsupported content encoding: " + string(e)
}

// encodeBody replaces the body of msg by its encoding. Each source chunk
// is flushed through, so a streamed body stays streamed.
func encodeBody(ctx context.Context, msg *message.Message, enc string) error {
	src := msg.Content()
	out := message.NewContent()
	w, err := newEncoder(enc, out)
	if err != nil {
		return err
	}
	msg.SetContent(out)
	msg.Headers.Set("Content-Encoding", enc)
	msg.Headers.Del("Content-Length")
	msg.Headers.Add("Vary", "Accept-Encoding")

	go func() {
		for {
			ch, err := src.Next(ctx)
			if err == io.EOF {
				ch, err = message.Chunk{Last: true}, nil
			}
			if err != nil {
				out.Cancel(err)
				return
			}
			if len(ch.Data) > 0 {
				if _, err := w.Write(ch.Data); err != nil {
					src.Cancel(err)
					return
				}
			}
			if ch.Last {
				if err := w.Close(); err != nil {
					out.Cancel(err)
					return
				}
				out.Close()
				return
			}
			if err := w.Flush(); err != nil {
				src.Cancel(err)
				return
			}
		}
	}()
	return nil
}

// decodeBody replaces an encoded body of msg by the decoded one and drops
// the encoding headers. Unknown encodings are left alone.
func decodeBody(msg *message.Message) bool {
	enc := strings.ToLower(strings.TrimSpace(msg.Headers.Get("Content-Encoding")))
	if !slices.Contains(Encodings, enc) {
		return false
	}
	src := msg.Content()
	out := message.NewContent()
	msg.SetContent(out)
	msg.Headers.Del("Content-Encoding")
	msg.Headers.Del("Content-Length")

	go func() {
		r, err := newDecoder(enc, src.Reader(context.Background()))
		if err != nil {
			out.Cancel(err)
			src.Cancel(err)
			return
		}
		defer r.Close()
		if err := out.FillFrom(r); err != nil {
			src.Cancel(err)
		}
	}()
	return true
}
