package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon/config"
	"carbon/logging"
	"carbon/message"
)

// maxEchoBody bounds what /echo buffers before answering.
const maxEchoBody = 8 << 20

// site is the dispatcher `carbon serve` runs: a default page on /, an echo
// service on /echo and an error page everywhere else.
type site struct {
	timeout time.Duration
	log     *zap.Logger
}

func newSite(cfg *config.Config, log *zap.Logger) *site {
	timeout := cfg.Server.WriteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &site{timeout: timeout, log: log.Named("site")}
}

func (s *site) SubmitInbound(req *message.Message, r message.Responder) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	path, _, _ := strings.Cut(req.Path, "?")
	var resp *message.Message
	switch path {
	case "/", "/index.html":
		resp = htmlPage(http.StatusOK, fallbackPage())
	case "/echo":
		var err error
		resp, err = s.echo(ctx, req)
		if err != nil {
			logging.ErrorLog(s.log, err, zap.String("path", req.Path))
			r.Reset(err)
			return
		}
	default:
		resp = errorPage(http.StatusNotFound)
	}
	resp.Headers.Set("X-Request-Id", uuid.NewString())

	if err := r.Respond(ctx, resp); err != nil {
		s.log.Debug("response not delivered", zap.String("path", req.Path), zap.Error(err))
		return
	}
	logging.RequestLog(s.log, req.Method, req.Path, req.Protocol, req.Host(), resp.Status)
}

// echo answers with the request body. A body sent without a Content-Type
// gets the type its bytes look like.
func (s *site) echo(ctx context.Context, req *message.Message) (*message.Message, error) {
	if n := req.ContentLength(); n > maxEchoBody {
		return errorPage(http.StatusRequestEntityTooLarge), nil
	}
	body, err := req.Content().ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(body) > maxEchoBody {
		return errorPage(http.StatusRequestEntityTooLarge), nil
	}

	resp := message.NewResponse(http.StatusOK)
	ct := req.Headers.Get("Content-Type")
	if ct == "" {
		ct = mimetype.Detect(body).String()
	}
	resp.Headers.Set("Content-Type", ct)
	resp.Headers.Set("X-Protocol", req.Protocol)
	resp.SetBody(body)
	return resp, nil
}

func htmlPage(status int, body string) *message.Message {
	resp := message.NewResponse(status)
	resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
	resp.SetBody([]byte(body))
	return resp
}

func fallbackPage() string {
	return `<html>
  <head><title>Welcome to Carbon!</title></head>
  <body>
    <center>
      <h1>Welcome to Carbon!</h1>
      <p>This is the default page served by Carbon.</p>
      <p>POST a body to /echo to see it sent back.</p>
      <hr>
      <p>Carbon v` + config.VERSION + `</p>
    </center>
  </body>
</html>`
}

func errorPage(status int) *message.Message {
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown Error"
	}
	body := fmt.Sprintf(
		"<!DOCTYPE html><html><head><title>%s</title></head><body><center><h1>%d %s</h1><hr><p>Carbon v%s</p></center></body></html>",
		text, status, text, config.VERSION,
	)
	return htmlPage(status, body)
}
