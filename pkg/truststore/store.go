package truststore

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"sync"
	"time"

	"code.sanakey.org/golang/internal/observability"
)

// Source fetches the published PKI material.
//
// Implementations may cache, the Validator asks again after an invalidation.
type Source interface {
	FetchCertLists(ctx context.Context) (CertLists, error)
	FetchOcspResponses(ctx context.Context) ([][]byte, error)
}

// Config holds the Validator settings.
type Config struct {
	// Anchor is the pinned root certificate, distributed with the client.
	Anchor *x509.Certificate

	// OcspMaxAge bounds the accepted age of OCSP responses. Defaults to
	// DefaultOcspMaxAge when 0.
	OcspMaxAge time.Duration
}

// Check returns an error if the Config is invalid.
func (self Config) Check() error {
	if nil == self.Anchor {
		return newError("missing trust anchor")
	}
	if self.OcspMaxAge < 0 {
		return newError("negative OcspMaxAge")
	}
	return nil
}

// Validator maintains a cached TrustedStore and rebuilds it when it expires.
type Validator struct {
	cfg    Config
	src    Source
	mut    sync.Mutex
	cached *TrustedStore
	now    func() time.Time
}

// NewValidator returns a Validator using src for PKI material.
func NewValidator(cfg Config, src Source) (*Validator, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Config")
	}
	if nil == src {
		return nil, newError("nil Source")
	}
	if 0 == cfg.OcspMaxAge {
		cfg.OcspMaxAge = DefaultOcspMaxAge
	}

	return &Validator{cfg: cfg, src: src, now: time.Now}, nil
}

// Store returns a valid TrustedStore, rebuilding it when the cached one has
// expired. The rebuild fetch is retried exactly once, any further failure is
// fatal for the caller.
func (self *Validator) Store(ctx context.Context) (*TrustedStore, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	log := observability.GetObservability(ctx).Log()
	at := self.now()

	if nil != self.cached {
		err := self.cached.CheckValidity(at)
		if nil == err {
			return self.cached, nil
		}
		log.Info("invalidating trusted store", "reason", err)
		self.cached = nil
	}

	store, err := self.create(ctx, at)
	if nil != err {
		log.Info("retrying trusted store creation", "reason", err)
		store, err = self.create(ctx, at)
	}
	if nil != err {
		return nil, wrapError(err, "failed trusted store creation")
	}

	self.cached = store
	log.Info("created trusted store")

	return store, nil
}

// EePublicKey returns the validated public key of the trusted execution
// environment.
func (self *Validator) EePublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	store, err := self.Store(ctx)
	if nil != err {
		return nil, err
	}
	return store.EePublicKey()
}

// CheckIdpCertificate errors with ErrTrust if cert is not one of the
// validated identity provider leaves.
func (self *Validator) CheckIdpCertificate(ctx context.Context, cert *x509.Certificate) error {
	store, err := self.Store(ctx)
	if nil != err {
		return err
	}
	if !store.ContainsIdpCertificate(cert) {
		return wrapError(ErrTrust, "certificate is not a validated identity provider leaf")
	}
	return nil
}

// Invalidate drops the cached TrustedStore.
func (self *Validator) Invalidate() {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.cached = nil
}

func (self *Validator) create(ctx context.Context, at time.Time) (*TrustedStore, error) {
	lists, err := self.src.FetchCertLists(ctx)
	if nil != err {
		return nil, wrapError(err, "failed certificate list fetch")
	}
	ocspDers, err := self.src.FetchOcspResponses(ctx)
	if nil != err {
		return nil, wrapError(err, "failed OCSP response fetch")
	}

	return NewTrustedStore(self.cfg.Anchor, lists, ocspDers, self.cfg.OcspMaxAge, at)
}
