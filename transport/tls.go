package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"carbon/config"
	"carbon/keystore"
	"carbon/revocation"
)

const (
	protoH2    = "h2"
	protoHTTP1 = "http/1.1"
)

// ServerTLS serves the keystore's current certificate and offers h2 and
// http/1.1 over ALPN.
func ServerTLS(store *keystore.Store) *tls.Config {
	return &tls.Config{
		GetCertificate: store.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{protoH2, protoHTTP1},
	}
}

// ClientTLS builds the client TLS settings. A non-nil verifier checks the
// revocation status of every server chain during the handshake.
func ClientTLS(cfg config.TLSConfig, httpVersion string, verifier *revocation.Verifier) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         nextProtos(httpVersion),
	}
	if cfg.RootCAFile != "" {
		data, err := os.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.RootCAFile)
		}
		tc.RootCAs = roots
	}
	if verifier != nil {
		tc.VerifyConnection = verifier.VerifyConnection
	}
	return tc, nil
}

// VerifierConfig maps the revocation section of the config file.
func VerifierConfig(cfg config.RevocationConfig) revocation.Config {
	return revocation.Config{
		CacheSize:        cfg.CacheSize(),
		CacheDelay:       cfg.CacheDelay(),
		CRLFallback:      cfg.CRLFallback,
		FailOpen:         cfg.FailOpen,
		ResponderTimeout: cfg.ResponderTimeout,
	}
}

func nextProtos(httpVersion string) []string {
	if httpVersion == "1.1" {
		return []string{protoHTTP1}
	}
	return []string{protoH2, protoHTTP1}
}

// EnableStapling attaches an OCSP response to every certificate the store
// loads. A certificate whose status cannot be obtained is served without
// a staple.
func EnableStapling(store *keystore.Store, b *revocation.StapleBuilder, timeout time.Duration, log *zap.Logger) {
	store.OnReload(func(cert *tls.Certificate) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := b.Staple(ctx, cert); err != nil {
			level := log.Warn
			if errors.Is(err, revocation.ErrCertificateRevoked) {
				level = log.Error
			}
			level("serving certificate without OCSP staple", zap.String("keystore", store.Path()), zap.Error(err))
		}
	})
}

// RefreshStaples reloads the keystore every interval so staples are
// renewed before they expire. It returns when ctx is done.
func RefreshStaples(ctx context.Context, store *keystore.Store, interval time.Duration, log *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := store.Reload(); err != nil {
				log.Warn("staple refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
