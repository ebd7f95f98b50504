// Package truststore validates the backend PKI material the client relies on.
//
// The backend publishes a certificate list (root anchors, intermediate CAs,
// the trusted execution environment leaf and the identity provider leaves)
// together with OCSP responses. A TrustedStore is only created when every
// leaf chains to the pinned anchor through at least one intermediate CA,
// carries the required certificate policy and is covered by a fresh OCSP
// response signed from within the validated CA set.
package truststore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"time"
)

var (
	// policy OIDs identifying the certificate class of the leaves.
	OidTrustedExecEnv = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 258}
	OidIdentityProv   = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 260}
)

const (
	// minChainLen rejects leaves signed directly by the anchor.
	minChainLen = 3

	// DefaultOcspMaxAge is the producedAt freshness window of OCSP responses.
	DefaultOcspMaxAge = 12 * time.Hour
)

// CertLists carries the DER encoded certificates published by the backend.
type CertLists struct {
	CACerts  [][]byte `json:"ca_certs"`
	EECerts  [][]byte `json:"ee_certs"`
	IdpCerts [][]byte `json:"idp_certs"`
}

// TrustedStore is the outcome of a successful validation run.
type TrustedStore struct {
	eeChain   []*x509.Certificate   // leaf first, ends at the anchor
	idpCerts  []*x509.Certificate   // validated identity provider leaves
	caChains  [][]*x509.Certificate // validated intermediate chains, ca first
	createdAt time.Time
	maxAge    time.Duration
}

// EePublicKey returns the ECDSA public key of the trusted execution
// environment leaf certificate.
func (self *TrustedStore) EePublicKey() (*ecdsa.PublicKey, error) {
	pub, ok := self.eeChain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, wrapError(ErrTrust, "leaf key is not an ECDSA key")
	}
	return pub, nil
}

// ContainsIdpCertificate reports if cert is one of the validated identity
// provider leaves.
func (self *TrustedStore) ContainsIdpCertificate(cert *x509.Certificate) bool {
	for _, idp := range self.idpCerts {
		if idp.Equal(cert) {
			return true
		}
	}
	return false
}

// CheckValidity errors if the TrustedStore may no longer be used at instant at.
func (self *TrustedStore) CheckValidity(at time.Time) error {
	if at.Sub(self.createdAt) > self.maxAge {
		return wrapError(ErrTrust, "trusted store outlived its OCSP coverage")
	}
	for _, cert := range self.eeChain {
		err := checkCertTime(cert, at)
		if nil != err {
			return err
		}
	}
	return nil
}

// NewTrustedStore validates lists & ocspDers against the pinned anchor and
// returns a TrustedStore. It errors with ErrTrust when no fully validated
// chain can be built.
func NewTrustedStore(anchor *x509.Certificate, lists CertLists, ocspDers [][]byte, maxAge time.Duration, at time.Time) (*TrustedStore, error) {
	if nil == anchor {
		return nil, newError("nil trust anchor")
	}
	if maxAge <= 0 {
		maxAge = DefaultOcspMaxAge
	}

	cas, err := parseAll(lists.CACerts)
	if nil != err {
		return nil, wrapError(ErrTrust, "invalid CA certificate list")
	}
	eeLeaves, err := parseAll(lists.EECerts)
	if nil != err {
		return nil, wrapError(ErrTrust, "invalid EE certificate list")
	}
	idpLeaves, err := parseAll(lists.IdpCerts)
	if nil != err {
		return nil, wrapError(ErrTrust, "invalid IDP certificate list")
	}

	caChains := buildCAChains(cas, anchor, at)
	if 0 == len(caChains) {
		return nil, wrapError(ErrTrust, "no valid CA chain to the trust anchor")
	}

	ocspResponses := parseValidOcspResponses(ocspDers, caChains, maxAge, at)

	eeChains := filterChains(buildLeafChains(eeLeaves, caChains), OidTrustedExecEnv, ocspResponses, at)
	if 0 == len(eeChains) {
		return nil, wrapError(ErrTrust, "no valid trusted execution environment chain")
	}

	idpChains := filterChains(buildLeafChains(idpLeaves, caChains), OidIdentityProv, ocspResponses, at)
	if 0 == len(idpChains) {
		return nil, wrapError(ErrTrust, "no valid identity provider chain")
	}

	idpCerts := make([]*x509.Certificate, 0, len(idpChains))
	for _, chain := range idpChains {
		idpCerts = append(idpCerts, chain[0])
	}

	return &TrustedStore{
		eeChain:   eeChains[0],
		idpCerts:  idpCerts,
		caChains:  caChains,
		createdAt: at,
		maxAge:    maxAge,
	}, nil
}

func parseAll(ders [][]byte) ([]*x509.Certificate, error) {
	rv := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if nil != err {
			return nil, wrapError(err, "failed certificate parsing")
		}
		rv = append(rv, cert)
	}
	return rv, nil
}

// buildCAChains links each intermediate CA to the anchor, through other
// intermediates when needed. Chains are ca first and include the anchor.
func buildCAChains(cas []*x509.Certificate, anchor *x509.Certificate, at time.Time) [][]*x509.Certificate {
	var rv [][]*x509.Certificate
	for _, ca := range cas {
		chain := linkToAnchor(ca, cas, anchor, at, 3)
		if nil != chain {
			rv = append(rv, chain)
		}
	}
	return rv
}

func linkToAnchor(cert *x509.Certificate, cas []*x509.Certificate, anchor *x509.Certificate, at time.Time, depth int) []*x509.Certificate {
	if depth <= 0 {
		return nil
	}
	if nil != checkCertTime(cert, at) {
		return nil
	}
	if nil == cert.CheckSignatureFrom(anchor) {
		if nil != checkCertTime(anchor, at) {
			return nil
		}
		return []*x509.Certificate{cert, anchor}
	}
	for _, next := range cas {
		if next.Equal(cert) {
			continue
		}
		if nil != cert.CheckSignatureFrom(next) {
			continue
		}
		chain := linkToAnchor(next, cas, anchor, at, depth-1)
		if nil != chain {
			return append([]*x509.Certificate{cert}, chain...)
		}
	}
	return nil
}

// buildLeafChains pairs every leaf with every CA chain its signature verifies
// against. The resulting chains always have at least minChainLen certificates.
func buildLeafChains(leaves []*x509.Certificate, caChains [][]*x509.Certificate) [][]*x509.Certificate {
	var rv [][]*x509.Certificate
	for _, leaf := range leaves {
		for _, caChain := range caChains {
			if nil != leaf.CheckSignatureFrom(caChain[0]) {
				continue
			}
			chain := append([]*x509.Certificate{leaf}, caChain...)
			if len(chain) < minChainLen {
				continue
			}
			rv = append(rv, chain)
		}
	}
	return rv
}

// filterChains keeps the chains whose leaf carries the policy OID, is time
// valid and is covered by one of the validated OCSP responses.
func filterChains(chains [][]*x509.Certificate, policy asn1.ObjectIdentifier, responses []ocspInfo, at time.Time) [][]*x509.Certificate {
	var rv [][]*x509.Certificate
	for _, chain := range chains {
		leaf := chain[0]
		if nil != checkCertTime(leaf, at) {
			continue
		}
		if !hasPolicy(leaf, policy) {
			continue
		}
		if !coveredByOcsp(leaf, responses) {
			continue
		}
		rv = append(rv, chain)
	}
	return rv
}

func hasPolicy(cert *x509.Certificate, policy asn1.ObjectIdentifier) bool {
	for _, oid := range cert.PolicyIdentifiers {
		if oid.Equal(policy) {
			return true
		}
	}
	return false
}

func checkCertTime(cert *x509.Certificate, at time.Time) error {
	if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
		return wrapError(ErrTrust, "certificate %s not time valid", cert.Subject.CommonName)
	}
	return nil
}
