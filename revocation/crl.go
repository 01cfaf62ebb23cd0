package revocation

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxCRLSize = 10 << 20

// CRLChecker looks certificates up in the CRLs named by their CRL
// distribution points. Lists are kept until their NextUpdate.
type CRLChecker struct {
	http *http.Client
	log  *zap.Logger
	now  func() time.Time

	mu    sync.Mutex
	lists map[string]*x509.RevocationList
}

func NewCRLChecker(hc *http.Client, now func() time.Time, log *zap.Logger) *CRLChecker {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CRLChecker{
		http:  hc,
		log:   log.Named("crl"),
		now:   now,
		lists: make(map[string]*x509.RevocationList),
	}
}

// Check reports whether leaf appears on the first CRL that could be
// fetched and verified against issuer.
func (c *CRLChecker) Check(ctx context.Context, leaf, issuer *x509.Certificate) (bool, error) {
	if len(leaf.CRLDistributionPoints) == 0 {
		return false, fmt.Errorf("%w: certificate names no CRL distribution point", ErrRevocationUnavailable)
	}
	var lastErr error
	for _, url := range leaf.CRLDistributionPoints {
		rl, err := c.list(ctx, url, issuer)
		if err != nil {
			c.log.Debug("CRL unavailable", zap.String("url", url), zap.Error(err))
			lastErr = err
			continue
		}
		for _, entry := range rl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrRevocationUnavailable, lastErr)
}

func (c *CRLChecker) list(ctx context.Context, url string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	c.mu.Lock()
	rl, ok := c.lists[url]
	c.mu.Unlock()
	if ok && (rl.NextUpdate.IsZero() || c.now().Before(rl.NextUpdate)) {
		return rl, nil
	}

	der, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	rl, err = x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if err := rl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("CRL signature: %w", err)
	}
	if !rl.NextUpdate.IsZero() {
		c.mu.Lock()
		c.lists[url] = rl
		c.mu.Unlock()
	}
	return rl, nil
}

func (c *CRLChecker) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CRL endpoint returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCRLSize))
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return data, nil
}
