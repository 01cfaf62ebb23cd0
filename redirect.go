package main

import (
	"context"
	"net"
	"net/http"

	"carbon/message"
)

// httpsRedirect answers every request with a permanent redirect to the
// same path over https on the TLS listener's port.
type httpsRedirect struct {
	tlsPort string
}

func newHTTPSRedirect(tlsAddr string) *httpsRedirect {
	_, port, err := net.SplitHostPort(tlsAddr)
	if err != nil || port == "443" {
		port = ""
	}
	return &httpsRedirect{tlsPort: port}
}

func (h *httpsRedirect) SubmitInbound(req *message.Message, r message.Responder) {
	host := req.Host()
	if host == "" {
		r.Respond(context.Background(), errorPage(http.StatusBadRequest))
		return
	}
	resp := message.NewResponse(http.StatusMovedPermanently)
	resp.Headers.Set("Location", h.location(host, req.Path))
	resp.Headers.Set("Connection", "close")
	resp.SetBody(nil)
	r.Respond(context.Background(), resp)
}

func (h *httpsRedirect) location(host, path string) string {
	if name, _, err := net.SplitHostPort(host); err == nil {
		host = name
	}
	if h.tlsPort != "" {
		host = net.JoinHostPort(host, h.tlsPort)
	} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	if path == "" {
		path = "/"
	}
	return "https://" + host + path
}
