package idp

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"time"

	"code.sanakey.org/golang/internal/algos"
	"code.sanakey.org/golang/internal/observability"
	"code.sanakey.org/golang/pkg/envelope"
	"code.sanakey.org/golang/pkg/truststore"
)

const (
	// clockSkew is tolerated on every instant comparison with the backend.
	clockSkew = 60 * time.Second

	// configMaxAge bounds both the staleness and the remaining validity of
	// an accepted discovery document.
	configMaxAge = 24 * time.Hour
)

// Configuration is the validated discovery document of the federation.
// It is immutable once loaded and replaced wholesale on refresh.
type Configuration struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	SsoEndpoint           string `json:"sso_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	PairingEndpoint       string `json:"uri_pair"`
	PukSigURI             string `json:"uri_puk_idp_sig"`
	PukEncURI             string `json:"uri_puk_idp_enc"`
	AltAuthEndpoint       string `json:"auth_pair_endpoint,omitempty"`
	AppListURI            string `json:"kk_app_list_uri,omitempty"`
	FedAuthEndpoint       string `json:"third_party_authorization_endpoint,omitempty"`
	Issuer                string `json:"issuer"`
	IssuedAt              int64  `json:"iat"`
	ExpiresAt             int64  `json:"exp"`

	cert *x509.Certificate // signing certificate, from the document x5c header
}

// Check returns an error if the Configuration is invalid.
func (self Configuration) Check() error {
	for _, endpoint := range []string{
		self.AuthorizationEndpoint,
		self.SsoEndpoint,
		self.TokenEndpoint,
		self.PukSigURI,
		self.PukEncURI,
	} {
		err := checkUrl(endpoint)
		if nil != err {
			return err
		}
	}
	if 0 == self.IssuedAt || 0 == self.ExpiresAt {
		return newError("missing iat or exp")
	}
	return nil
}

// checkTimes errors if the document is stale, future dated or expired at now.
func (self Configuration) checkTimes(now time.Time) error {
	iat := time.Unix(self.IssuedAt, 0)
	exp := time.Unix(self.ExpiresAt, 0)

	if iat.After(now.Add(clockSkew)) {
		return newError("configuration issued in the future")
	}
	if now.Sub(iat) > configMaxAge {
		return newError("configuration older than %s", configMaxAge)
	}
	if !now.Before(exp.Add(clockSkew)) {
		return newError("configuration expired")
	}
	if exp.Sub(now) > configMaxAge+clockSkew {
		return newError("configuration validity longer than %s", configMaxAge)
	}

	return nil
}

// checkUrl returns an error if rawurl is not an absolute http(s) url.
func checkUrl(rawurl string) error {
	u, err := url.Parse(rawurl)
	if nil != err {
		return wrapError(err, "invalid url %s", rawurl)
	}
	if "http" != u.Scheme && "https" != u.Scheme {
		return newError("invalid url scheme in %s", rawurl)
	}
	if "" == u.Host {
		return newError("missing host in url %s", rawurl)
	}
	return nil
}

// ConfigCache persists the raw discovery document between runs.
type ConfigCache interface {
	LoadDiscovery() (raw string, found bool, err error)
	SaveDiscovery(raw string) error
	ClearDiscovery() error
}

// Resolver loads, validates and caches the federation Configuration together
// with the identity provider public keys.
//
// Load order is cache first, then one fresh fetch when the cached document
// does not validate. A fresh document that does not validate either is fatal
// and surfaces as ErrConfigValidation.
type Resolver struct {
	client *Client
	cache  ConfigCache
	trust  *truststore.Validator
	now    func() time.Time
}

// NewResolver returns a Resolver.
func NewResolver(client *Client, cache ConfigCache, trust *truststore.Validator) (*Resolver, error) {
	if nil == client || nil == cache || nil == trust {
		return nil, newError("nil client, cache or trust validator")
	}
	return &Resolver{client: client, cache: cache, trust: trust, now: time.Now}, nil
}

// Configuration returns a validated Configuration.
func (self *Resolver) Configuration(ctx context.Context) (*Configuration, error) {
	log := observability.GetObservability(ctx).Log()

	raw, found, err := self.cache.LoadDiscovery()
	if nil == err && found {
		cfg, err := self.validate(ctx, raw)
		if nil == err {
			return cfg, nil
		}
		log.Info("cached discovery document rejected", "reason", err)
		_ = self.cache.ClearDiscovery()
	}

	raw, err = self.client.FetchDiscovery(ctx)
	if nil != err {
		return nil, wrapError(ErrConfigValidation, "failed discovery fetch: %v", err)
	}

	cfg, err := self.validate(ctx, raw)
	if nil != err {
		return nil, wrapError(ErrConfigValidation, "fresh discovery document rejected: %v", err)
	}

	err = self.cache.SaveDiscovery(raw)
	if nil != err {
		log.Info("failed caching discovery document", "reason", err)
	}

	return cfg, nil
}

// SigningKey resolves the identity provider signature verification key.
// The key is rejected unless the certificate it travels with embeds exactly
// the advertised key and belongs to the validated identity provider leaves.
func (self *Resolver) SigningKey(ctx context.Context, cfg *Configuration) (*ecdsa.PublicKey, *x509.Certificate, error) {
	key, err := self.client.FetchJWK(ctx, cfg.PukSigURI)
	if nil != err {
		return nil, nil, wrapError(err, "failed signing key fetch")
	}

	pub, err := decodeJwkPoint(key)
	if nil != err {
		return nil, nil, err
	}

	if 0 == len(key.X5c) {
		return nil, nil, newError("signing key carries no certificate")
	}
	cert, err := decodeX5c(key.X5c[0])
	if nil != err {
		return nil, nil, err
	}

	certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, newError("signing certificate key is not an ECDSA key")
	}
	if 0 != certPub.X.Cmp(pub.X) || 0 != certPub.Y.Cmp(pub.Y) {
		return nil, nil, newError("signing certificate key differs from advertised key")
	}

	err = self.trust.CheckIdpCertificate(ctx, cert)
	if nil != err {
		return nil, nil, wrapError(err, "untrusted signing certificate")
	}

	return pub, cert, nil
}

// EncryptionKey resolves the identity provider encryption key.
func (self *Resolver) EncryptionKey(ctx context.Context, cfg *Configuration) (*ecdsa.PublicKey, error) {
	key, err := self.client.FetchJWK(ctx, cfg.PukEncURI)
	if nil != err {
		return nil, wrapError(err, "failed encryption key fetch")
	}
	return decodeJwkPoint(key)
}

// validate verifies the raw discovery document signature against its x5c
// certificate, the certificate against the trust store, the document times
// and the endpoint urls.
func (self *Resolver) validate(ctx context.Context, raw string) (*Configuration, error) {
	_, hdr, err := envelope.Peek(raw)
	if nil != err {
		return nil, wrapError(err, "unreadable discovery document")
	}
	if 0 == len(hdr.X5c) {
		return nil, newError("discovery document carries no certificate")
	}

	cert, err := decodeX5c(hdr.X5c[0])
	if nil != err {
		return nil, err
	}
	err = self.trust.CheckIdpCertificate(ctx, cert)
	if nil != err {
		return nil, wrapError(err, "untrusted discovery certificate")
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, newError("discovery certificate key is not an ECDSA key")
	}
	payload, _, err := envelope.Verify(raw, pub)
	if nil != err {
		return nil, wrapError(err, "discovery document signature does not verify")
	}

	cfg := &Configuration{}
	err = json.Unmarshal(payload, cfg)
	if nil != err {
		return nil, wrapError(err, "failed discovery document decoding")
	}
	cfg.cert = cert

	err = cfg.Check()
	if nil != err {
		return nil, err
	}
	err = cfg.checkTimes(self.now())
	if nil != err {
		return nil, err
	}

	return cfg, nil
}

// jwk is the published key format of the identity provider.
type jwk struct {
	Kty string   `json:"kty"`
	Crv string   `json:"crv"`
	X   string   `json:"x"`
	Y   string   `json:"y"`
	Kid string   `json:"kid,omitempty"`
	X5c []string `json:"x5c,omitempty"`
}

func decodeJwkPoint(key jwk) (*ecdsa.PublicKey, error) {
	if "EC" != key.Kty {
		return nil, newError("unsupported key type %s", key.Kty)
	}
	curve, err := algos.GetCurve(key.Crv)
	if nil != err {
		return nil, wrapError(err, "unsupported key curve %s", key.Crv)
	}

	x, err := base64.RawURLEncoding.DecodeString(key.X)
	if nil != err {
		return nil, wrapError(err, "invalid key x coordinate")
	}
	y, err := base64.RawURLEncoding.DecodeString(key.Y)
	if nil != err {
		return nil, wrapError(err, "invalid key y coordinate")
	}
	if len(x) != curve.ByteLen() || len(y) != curve.ByteLen() {
		return nil, newError("invalid key coordinate size")
	}

	point := make([]byte, 0, curve.PointLen())
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)

	pub, err := curve.UnmarshalPoint(point)
	return pub, wrapError(err, "key is not on curve %s", key.Crv)
}

// decodeX5c parses a standard base64 DER certificate of an x5c header.
func decodeX5c(b64 string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if nil != err {
		return nil, wrapError(err, "invalid x5c base64 encoding")
	}
	cert, err := x509.ParseCertificate(der)
	return cert, wrapError(err, "invalid x5c certificate")
}
