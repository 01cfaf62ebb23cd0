package revocation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

// StapleBuilder fetches the OCSP response a server staples to its own
// certificate.
type StapleBuilder struct {
	client *OCSPClient
	log    *zap.Logger
}

func NewStapleBuilder(client *OCSPClient, log *zap.Logger) *StapleBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	return &StapleBuilder{client: client, log: log.Named("stapling")}
}

// Staple sets cert.OCSPStaple. The issuer is the certificate right after
// the leaf in the chain; only a good answer is stapled.
func (b *StapleBuilder) Staple(ctx context.Context, cert *tls.Certificate) error {
	if len(cert.Certificate) < 2 {
		return fmt.Errorf("%w: keystore chain has no issuer", ErrNoIssuer)
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	issuer, err := x509.ParseCertificate(cert.Certificate[1])
	if err != nil {
		return fmt.Errorf("failed to parse issuer certificate: %w", err)
	}

	res, err := b.client.Query(ctx, leaf, issuer)
	if err != nil {
		return err
	}
	if res.Response.Status != ocsp.Good {
		return fmt.Errorf("%w: refusing to staple status %d", ErrCertificateRevoked, res.Response.Status)
	}
	cert.OCSPStaple = res.Raw
	b.log.Info("stapled OCSP response",
		zap.String("serial", leaf.SerialNumber.String()),
		zap.String("responder", res.Responder),
		zap.Time("next_update", res.Response.NextUpdate))
	return nil
}
