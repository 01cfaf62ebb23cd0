package revocation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
	"golang.org/x/sync/singleflight"
)

const maxResponseSize = 1 << 20

// Result is a live or cached OCSP answer.
type Result struct {
	Response  *ocsp.Response
	Raw       []byte
	Responder string
	Cached    bool
}

// OCSPClient queries the responders named in a certificate's AIA extension.
// Good answers are cached by serial number; concurrent lookups for the same
// serial share one query.
type OCSPClient struct {
	http  *http.Client
	cache *Cache
	group singleflight.Group
	log   *zap.Logger
}

func NewOCSPClient(hc *http.Client, cache *Cache, log *zap.Logger) *OCSPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OCSPClient{http: hc, cache: cache, log: log.Named("ocsp")}
}

// Cache returns the response cache.
func (c *OCSPClient) Cache() *Cache {
	return c.cache
}

// Query returns the status of leaf as signed by issuer. Responders are
// tried in order; malformed, unsuccessful, expired and unknown answers
// move on to the next one. ErrRevocationUnavailable is returned when none answered.
func (c *OCSPClient) Query(ctx context.Context, leaf, issuer *x509.Certificate) (Result, error) {
	if e, ok := c.cache.Get(leaf.SerialNumber); ok {
		return Result{Response: e.Response, Raw: e.Raw, Responder: e.Responder, Cached: true}, nil
	}
	v, err, _ := c.group.Do(leaf.SerialNumber.String(), func() (interface{}, error) {
		return c.queryResponders(ctx, leaf, issuer)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *OCSPClient) queryResponders(ctx context.Context, leaf, issuer *x509.Certificate) (Result, error) {
	if len(leaf.OCSPServer) == 0 {
		return Result{}, fmt.Errorf("%w: certificate names no OCSP responder", ErrRevocationUnavailable)
	}
	req, err := ocsp.CreateRequest(leaf, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return Result{}, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, url := range leaf.OCSPServer {
		raw, err := c.post(ctx, url, req)
		if err != nil {
			c.log.Debug("OCSP responder unreachable", zap.String("url", url), zap.Error(err))
			lastErr = err
			continue
		}
		resp, err := ocsp.ParseResponseForCert(raw, leaf, issuer)
		if err != nil {
			var re ocsp.ResponseError
			if errors.As(err, &re) {
				c.log.Debug("OCSP responder refused the request", zap.String("url", url), zap.String("status", re.Status.String()))
			} else {
				c.log.Debug("malformed OCSP response", zap.String("url", url), zap.Error(err))
			}
			lastErr = err
			continue
		}
		if resp.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
			lastErr = errors.New("OCSP response is for another certificate")
			continue
		}
		if expired(resp, c.cache.now()) {
			c.log.Debug("expired OCSP response", zap.String("url", url), zap.Time("next_update", resp.NextUpdate))
			lastErr = fmt.Errorf("OCSP response expired at %s", resp.NextUpdate)
			continue
		}
		if resp.Status == ocsp.Unknown {
			lastErr = errors.New("OCSP responder does not know the certificate")
			continue
		}
		if resp.Status == ocsp.Good {
			c.cache.Put(leaf.SerialNumber, resp, raw, url)
		}
		return Result{Response: resp, Raw: raw, Responder: url}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrRevocationUnavailable, lastErr)
}

func (c *OCSPClient) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("responder returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
}
