package revocation

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
)

// VerifyStaple checks a stapled OCSP response for leaf. The response must
// have a successful status, be signed for issuer, name leaf's serial
// number, still be current at now and report it good. Anything else fails
// closed.
func VerifyStaple(staple []byte, leaf, issuer *x509.Certificate, now time.Time) (*ocsp.Response, error) {
	resp, err := ocsp.ParseResponse(staple, issuer)
	if err != nil {
		var re ocsp.ResponseError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%w: responder status %s", ErrStapleRejected, re.Status)
		}
		return nil, fmt.Errorf("%w: %v", ErrStapleRejected, err)
	}
	if resp.SerialNumber == nil || resp.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
		return nil, fmt.Errorf("%w: serial number mismatch", ErrStapleRejected)
	}
	if expired(resp, now) {
		return nil, fmt.Errorf("%w: response expired at %s", ErrStapleRejected, resp.NextUpdate)
	}
	switch resp.Status {
	case ocsp.Good:
		return resp, nil
	case ocsp.Revoked:
		return resp, fmt.Errorf("%w: serial %s revoked at %s", ErrCertificateRevoked, leaf.SerialNumber, resp.RevokedAt)
	default:
		return resp, fmt.Errorf("%w: certificate status unknown", ErrStapleRejected)
	}
}

// expired reports whether resp is past its NextUpdate. A response without
// one is current until replaced.
func expired(resp *ocsp.Response, now time.Time) bool {
	return !resp.NextUpdate.IsZero() && now.After(resp.NextUpdate)
}
