// Package revocation checks peer certificates for revocation: stapled OCSP
// responses first, then the OCSP responders named by the certificate, then
// its CRLs. A certificate that is revoked and a certificate whose status
// cannot be determined are reported with different errors.
package revocation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

type Config struct {
	CacheSize  int
	CacheDelay time.Duration
	// CRLFallback consults CRLs when no OCSP responder answered.
	CRLFallback bool
	// FailOpen accepts peers whose status is unavailable.
	FailOpen         bool
	ResponderTimeout time.Duration
	HTTPClient       *http.Client
	Now              func() time.Time
}

// Verifier runs the revocation checks for certificate chains.
type Verifier struct {
	cfg  Config
	ocsp *OCSPClient
	crl  *CRLChecker
	log  *zap.Logger
}

func NewVerifier(cfg Config, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.ResponderTimeout}
	}
	log = log.Named("revocation")
	return &Verifier{
		cfg:  cfg,
		ocsp: NewOCSPClient(hc, NewCache(cfg.CacheSize, cfg.CacheDelay, cfg.Now), log),
		crl:  NewCRLChecker(hc, cfg.Now, log),
		log:  log,
	}
}

func (v *Verifier) OCSP() *OCSPClient {
	return v.ocsp
}

// CheckCertificate determines the status of cert as issued by issuer,
// without a staple.
func (v *Verifier) CheckCertificate(ctx context.Context, cert, issuer *x509.Certificate) error {
	res, err := v.ocsp.Query(ctx, cert, issuer)
	if err == nil {
		source := "ocsp"
		if res.Cached {
			source = "cache"
		}
		if res.Response.Status == ocsp.Revoked {
			checks.WithLabelValues(source, "revoked").Inc()
			return fmt.Errorf("%w: serial %s revoked at %s", ErrCertificateRevoked, cert.SerialNumber, res.Response.RevokedAt)
		}
		checks.WithLabelValues(source, "good").Inc()
		return nil
	}
	if !errors.Is(err, ErrRevocationUnavailable) || !v.cfg.CRLFallback {
		checks.WithLabelValues("ocsp", "unavailable").Inc()
		return err
	}

	revoked, crlErr := v.crl.Check(ctx, cert, issuer)
	if crlErr != nil {
		checks.WithLabelValues("crl", "unavailable").Inc()
		return fmt.Errorf("%w; crl: %v", err, crlErr)
	}
	if revoked {
		checks.WithLabelValues("crl", "revoked").Inc()
		return fmt.Errorf("%w: serial %s listed on CRL", ErrCertificateRevoked, cert.SerialNumber)
	}
	checks.WithLabelValues("crl", "good").Inc()
	return nil
}

// CheckChain walks chain from the leaf up, checking every certificate
// against the next one. The last certificate is the trust anchor and is
// not checked. When staple is not empty it replaces the leaf lookup.
func (v *Verifier) CheckChain(ctx context.Context, chain []*x509.Certificate, staple []byte) error {
	if len(chain) < 2 {
		return fmt.Errorf("%w: chain of %d certificate(s)", ErrNoIssuer, len(chain))
	}
	for i := 0; i+1 < len(chain); i++ {
		cert, issuer := chain[i], chain[i+1]
		if i == 0 && len(staple) > 0 {
			if _, err := VerifyStaple(staple, cert, issuer, v.cfg.Now()); err != nil {
				result := "rejected"
				if errors.Is(err, ErrCertificateRevoked) {
					result = "revoked"
				}
				checks.WithLabelValues("staple", result).Inc()
				return err
			}
			checks.WithLabelValues("staple", "good").Inc()
			continue
		}
		if err := v.CheckCertificate(ctx, cert, issuer); err != nil {
			return err
		}
	}
	return nil
}

// VerifyConnection is a tls.Config.VerifyConnection hook. It checks the
// verified chain, or the presented one when verification is skipped, and
// applies the fail-open policy to unavailable answers.
func (v *Verifier) VerifyConnection(cs tls.ConnectionState) error {
	chain := cs.PeerCertificates
	if len(cs.VerifiedChains) > 0 {
		chain = cs.VerifiedChains[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.cfg.ResponderTimeout)
	defer cancel()

	err := v.CheckChain(ctx, chain, cs.OCSPResponse)
	if err == nil {
		return nil
	}
	if v.cfg.FailOpen && (errors.Is(err, ErrRevocationUnavailable) || errors.Is(err, ErrNoIssuer)) {
		v.log.Warn("revocation status unavailable, accepting peer", zap.String("server", cs.ServerName), zap.Error(err))
		return nil
	}
	return err
}
