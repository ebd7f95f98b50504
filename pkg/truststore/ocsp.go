package truststore

import (
	"crypto/x509"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"
)

// ocspInfo retains the attributes of a validated OCSP response that matter
// for leaf coverage checks. issuer is the validated CA that attests the
// response, a covered leaf must carry its signature.
type ocspInfo struct {
	serialNumber *big.Int
	producedAt   time.Time
	issuer       *x509.Certificate
}

// parseValidOcspResponses parses & validates the DER encoded OCSP responses.
//
// A response is kept when its embedded signer certificate belongs to, or is
// signed by, one of the validated CA chains, its status is good and its
// producedAt instant passes the freshness window. Invalid responses are
// dropped silently, missing coverage surfaces later as a chain rejection.
func parseValidOcspResponses(ders [][]byte, caChains [][]*x509.Certificate, maxAge time.Duration, at time.Time) []ocspInfo {
	rv := make([]ocspInfo, 0, len(ders))
	for _, der := range ders {
		resp, err := ocsp.ParseResponse(der, nil)
		if nil != err {
			continue
		}
		if ocsp.Good != resp.Status {
			continue
		}
		if nil == resp.Certificate {
			// fail closed, a response without an embedded signer can not be attributed
			continue
		}
		issuer := signerIssuer(resp.Certificate, caChains)
		if nil == issuer {
			continue
		}
		if nil != checkProducedAt(resp.ProducedAt, maxAge, at) {
			continue
		}
		rv = append(rv, ocspInfo{serialNumber: resp.SerialNumber, producedAt: resp.ProducedAt, issuer: issuer})
	}
	return rv
}

// signerIssuer returns the validated CA that backs signer, nil when signer is
// neither one of the validated CAs nor directly certified by one of them.
func signerIssuer(signer *x509.Certificate, caChains [][]*x509.Certificate) *x509.Certificate {
	for _, chain := range caChains {
		for _, ca := range chain {
			if signer.Equal(ca) {
				return ca
			}
			if nil == signer.CheckSignatureFrom(ca) {
				return ca
			}
		}
	}
	return nil
}

// checkProducedAt errors if producedAt is in the future or older than maxAge
// relative to at.
func checkProducedAt(producedAt time.Time, maxAge time.Duration, at time.Time) error {
	if producedAt.After(at) {
		return wrapError(ErrTrust, "OCSP response produced in the future")
	}
	if at.Sub(producedAt) > maxAge {
		return wrapError(ErrTrust, "OCSP response older than %s", maxAge)
	}
	return nil
}

// coveredByOcsp reports if one of the validated responses attests leaf. The
// response must match both the leaf serial number and the leaf issuing CA,
// a serial match under an unrelated CA is no coverage.
func coveredByOcsp(leaf *x509.Certificate, responses []ocspInfo) bool {
	for _, resp := range responses {
		if 0 != leaf.SerialNumber.Cmp(resp.serialNumber) {
			continue
		}
		if nil != leaf.CheckSignatureFrom(resp.issuer) {
			continue
		}
		return true
	}
	return false
}
