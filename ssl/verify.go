package ssl

import (
	"crypto/x509"
	"strings"
	"time"

	"github.com/advdv/bpipe"
)

// VerifyFailure is a bitmask of everything found wrong with a peer
// certificate, accumulated from the engine's per-frame errors plus our own
// hostname check.
type VerifyFailure int

const (
	FailNotYetValid VerifyFailure = 1 << iota
	FailExpired
	FailUnknownCA
	FailSelfSigned
	FailRevoked
	FailUnableToGetCRL
	FailInvalidHost
	FailUnknownFailure

	// OCSP stapling failures share the mask.
	FailOCSPResponderError
	FailOCSPResponderTryLater
	FailOCSPResponderUnknown
)

// Certificate is the view of one peer certificate frame handed to
// verification callbacks. Depth 0 is the server certificate itself.
type Certificate struct {
	Depth int
	X     *x509.Certificate
	// Failures is the mask the engine already established for this frame
	// before our own checks run.
	Failures VerifyFailure
}

// OCSPResponse is a stapled responder answer as the engine saw it.
type OCSPResponse struct {
	// Status is the responder's status code per RFC 6960; 0 is successful.
	Status int
	Raw    []byte
}

// Responder status codes, RFC 6960 section 4.2.1.
const (
	OCSPSuccessful       = 0
	OCSPMalformedRequest = 1
	OCSPInternalError    = 2
	OCSPTryLater         = 3
	OCSPSigRequired      = 5
	OCSPUnauthorized     = 6
)

// ServerCertCallback installs the user hook consulted once per failing
// certificate frame (and once for the depth-0 certificate regardless). A nil
// return accepts the certificate despite the failures.
func (c *Context) ServerCertCallback(cb func(failures VerifyFailure, cert *Certificate) error) {
	c.serverCertCB = cb
}

// verifyPeer implements the engine's peer-verification hook.
func (c *Context) verifyPeer(ok bool, cert *Certificate) bool {
	failures := cert.Failures
	if !ok && failures == 0 {
		c.logger().Warnf("ssl", "engine rejected certificate at depth %d without detail", cert.Depth)
		failures |= FailUnknownFailure
	}

	failures |= validateCertHostname(cert.X, c.hostname)

	// Double-check validity windows ourselves; engines differ on whether an
	// expired intermediate surfaces per frame.
	if cert.X != nil {
		now := time.Now()
		if now.Before(cert.X.NotBefore) {
			failures |= FailNotYetValid
		} else if !cert.X.NotAfter.IsZero() && now.After(cert.X.NotAfter) {
			failures |= FailExpired
		}
	}

	valid := ok && failures == cert.Failures
	if c.serverCertCB != nil && (cert.Depth == 0 || failures != 0) {
		view := *cert
		view.Failures = failures
		if err := c.serverCertCB(failures, &view); err == nil {
			valid = true
		} else {
			// The application rejected it, even if the engine was happy.
			valid = false
			c.pendingErr = statusOrCertFailed(err)
		}
	}

	if !valid && c.serverCertCB == nil {
		c.pendingErr = bpipe.StatusSSLCertFailed
	}

	return valid
}

// ocspStatus implements the engine's stapled-OCSP hook.
func (c *Context) ocspStatus(resp *OCSPResponse) bool {
	if resp == nil {
		// Stapling was requested but nothing came back.
		c.pendingErr = bpipe.StatusSSLCertFailed
		return false
	}

	var failures VerifyFailure
	switch resp.Status {
	case OCSPSuccessful:
	case OCSPMalformedRequest, OCSPInternalError, OCSPSigRequired, OCSPUnauthorized:
		failures |= FailOCSPResponderError
	case OCSPTryLater:
		failures |= FailOCSPResponderTryLater
	default:
		failures |= FailOCSPResponderUnknown
	}

	if failures == 0 {
		// TODO: check the certificate status inside the response, not just
		// the responder status.
		return true
	}

	if c.serverCertCB != nil {
		err := c.serverCertCB(failures, nil)
		if err == nil {
			return true
		}
		c.pendingErr = statusOrCertFailed(err)
		return false
	}

	c.pendingErr = ocspFailureStatus(failures)

	return false
}

// ocspFailureStatus maps a responder failure mask onto the exported status
// codes.
func ocspFailureStatus(failures VerifyFailure) bpipe.Status {
	switch {
	case failures&FailOCSPResponderError != 0:
		return bpipe.StatusOCSPResponderError
	case failures&FailOCSPResponderTryLater != 0:
		return bpipe.StatusOCSPResponderTryLater
	default:
		return bpipe.StatusOCSPResponderUnknownFailure
	}
}

// statusOrCertFailed extracts a wire status from a callback error, defaulting
// to CERT_FAILED.
func statusOrCertFailed(err error) bpipe.Status {
	if st := bpipe.StatusOf(err); st != bpipe.StatusOK {
		return st
	}
	return bpipe.StatusSSLCertFailed
}

// validateCertHostname rejects NUL bytes hidden in the CN or the subject
// alternative names, and checks the certificate against the configured
// hostname when one is set.
func validateCertHostname(cert *x509.Certificate, hostname string) VerifyFailure {
	if cert == nil {
		return 0
	}

	if strings.ContainsRune(cert.Subject.CommonName, 0) {
		return FailInvalidHost
	}
	for _, san := range cert.DNSNames {
		if strings.ContainsRune(san, 0) {
			return FailInvalidHost
		}
	}

	if hostname != "" {
		if err := cert.VerifyHostname(hostname); err != nil {
			return FailInvalidHost
		}
	}

	return 0
}
