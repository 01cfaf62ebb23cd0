package revocation

import "errors"

var (
	// ErrCertificateRevoked is a definitive answer: the peer must be rejected.
	ErrCertificateRevoked = errors.New("certificate revoked")
	// ErrRevocationUnavailable means no source could say whether the
	// certificate is revoked. Callers decide by policy.
	ErrRevocationUnavailable = errors.New("revocation status unavailable")
	// ErrStapleRejected is returned for stapled responses that are not a
	// successful, good answer for the peer's certificate.
	ErrStapleRejected = errors.New("stapled OCSP response rejected")
	// ErrNoIssuer is returned when the chain does not carry the issuer.
	ErrNoIssuer = errors.New("issuer certificate not available")
)
