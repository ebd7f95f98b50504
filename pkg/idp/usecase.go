// Package idp implements the client half of the identity provider
// federation: health card authentication, secure element pairing & alternate
// authentication, insurer app delegation and single sign on token refresh.
package idp

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"io"
	"sync"
	"time"

	"code.sanakey.org/golang/internal/observability"
	"code.sanakey.org/golang/internal/utils"
	"code.sanakey.org/golang/pkg/envelope"
	"code.sanakey.org/golang/pkg/truststore"
)

// Card is the signing identity of a smart health card. The private key stays
// on the card, Signer drives it through the card channel.
type Card struct {
	// Certificate is the DER encoded authentication certificate.
	Certificate []byte

	Signer envelope.Signer

	// CardAccessNumber is retained so a later pairing can reference it.
	CardAccessNumber string
}

// Check returns an error if the Card is invalid.
func (self Card) Check() error {
	if 0 == len(self.Certificate) {
		return newError("missing card certificate")
	}
	if nil == self.Signer {
		return newError("missing card signer")
	}
	return nil
}

// UseCaseConfig parametrizes a UseCase.
type UseCaseConfig struct {
	Client ClientConfig

	Store AuthDataStore
	Cache ConfigCache
	Trust *truststore.Validator

	// Element is required for pairing and alternate authentication only.
	Element SecureElement

	// Rnd defaults to crypto/rand.
	Rnd io.Reader
}

// Check returns an error if the UseCaseConfig is invalid.
func (self UseCaseConfig) Check() error {
	err := self.Client.Check()
	if nil != err {
		return err
	}
	if nil == self.Store || nil == self.Cache || nil == self.Trust {
		return newError("missing Store, Cache or Trust")
	}
	return nil
}

// UseCase is the authentication entry point of the application.
//
// One UseCase serves all profiles. Decrypted access tokens live only in its
// in memory cache, the durable store holds the single sign on material.
type UseCase struct {
	cfg      UseCaseConfig
	client   *Client
	resolver *Resolver
	tokens   *utils.Registry[string, AccessToken]
	mut      sync.Mutex
	now      func() time.Time
}

// NewUseCase returns a UseCase.
func NewUseCase(cfg UseCaseConfig) (*UseCase, error) {
	err := cfg.Check()
	if nil != err {
		return nil, err
	}
	if nil == cfg.Rnd {
		cfg.Rnd = rand.Reader
	}

	client, err := NewClient(cfg.Client)
	if nil != err {
		return nil, err
	}
	resolver, err := NewResolver(client, cfg.Cache, cfg.Trust)
	if nil != err {
		return nil, err
	}

	return &UseCase{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		tokens:   utils.NewRegistry[string, AccessToken](),
		now:      time.Now,
	}, nil
}

// LoginWithHealthCard runs an interactive card authentication for profile and
// returns the obtained access token. The issued single sign on token is
// persisted for later silent refreshes.
func (self *UseCase) LoginWithHealthCard(ctx context.Context, profile string, card Card, scope TokenScope) (AccessToken, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	err := card.Check()
	if nil != err {
		return AccessToken{}, err
	}

	f := &authFlow{}
	env, err := self.environ(ctx)
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	_ = f.advance(evConfigure)

	secrets, err := newFlowSecrets()
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	challenge, claims, err := env.fetchChallenge(ctx, secrets, scope)
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	_ = f.advance(evChallenge)

	signed, err := env.signChallenge(challenge, envelope.ALG_BP256R1, card.Certificate, card.Signer)
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	sealed, err := env.encryptForProvider(signed, claims.ExpiresAt)
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	_ = f.advance(evSign)

	result, err := self.client.PostSignedChallenge(ctx, env.cfg, sealed)
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	if result.State != secrets.state {
		return AccessToken{}, f.abort(wrapError(ErrStateMismatch, "redirect state differs from sent state"))
	}
	tokens, err := env.exchangeCode(ctx, result.Code, secrets)
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	_ = f.advance(evExchange)

	err = self.establishSession(profile, result.SsoToken, TokenStandard, scope, func(data *AuthData) {
		data.CardAccessNumber = card.CardAccessNumber
	})
	if nil != err {
		return AccessToken{}, f.abort(err)
	}
	utils.RegistryReplace(self.tokens, cacheKey(profile, scope), tokens.Access)
	_ = f.advance(evEstablish)

	observability.GetObservability(ctx).Log().Info("session established",
		"profile", profile, "subject", tokens.Claims.Subject, "flow", f.State())

	return tokens.Access, nil
}

// PairWithSecureElement registers a fresh secure element key for profile.
// The card authenticates the pairing, afterwards LoginWithSecureElement can
// replace it.
func (self *UseCase) PairWithSecureElement(ctx context.Context, profile string, card Card, device DeviceInformation) error {
	if nil == self.cfg.Element {
		return newError("no secure element configured")
	}
	err := card.Check()
	if nil != err {
		return err
	}

	// pairing runs under its own scope
	access, err := self.LoginWithHealthCard(ctx, profile, card, ScopePairing)
	if nil != err {
		return err
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	env, err := self.environ(ctx)
	if nil != err {
		return err
	}

	cert, err := x509.ParseCertificate(card.Certificate)
	if nil != err {
		return wrapError(err, "invalid card certificate")
	}
	alias, sePub, err := self.cfg.Element.Generate()
	if nil != err {
		return wrapError(err, "failed secure element key generation")
	}

	registration, err := env.buildRegistration(cert, card.Signer, alias, sePub, device)
	if nil != err {
		return err
	}
	err = self.client.RegisterDevice(ctx, env.cfg, access.Token, registration)
	if nil != err {
		_ = self.cfg.Element.Delete(alias)
		return err
	}

	return self.updateAuthData(profile, func(data *AuthData) {
		data.HealthCardCertificate = card.Certificate
		data.SecureElementAlias = alias
		data.CardAccessNumber = card.CardAccessNumber
	})
}

// LoginWithSecureElement authenticates profile with its paired secure
// element key. A vanished key purges the profile material and surfaces as
// ErrKeyUnavailable, only a new card pairing can recover.
func (self *UseCase) LoginWithSecureElement(ctx context.Context, profile string, device DeviceInformation, scope TokenScope) (AccessToken, error) {
	if nil == self.cfg.Element {
		return AccessToken{}, newError("no secure element configured")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	var data AuthData
	found, err := self.cfg.Store.LoadAuthData(profile, &data)
	if nil != err {
		return AccessToken{}, err
	}
	if !found || 0 == len(data.SecureElementAlias) || 0 == len(data.HealthCardCertificate) {
		return AccessToken{}, newError("profile %s holds no secure element pairing", profile)
	}

	signer, keyFound, err := self.cfg.Element.Signer(data.SecureElementAlias)
	if nil != err {
		return AccessToken{}, wrapError(err, "failed secure element access")
	}
	if !keyFound {
		return AccessToken{}, self.purgeProfile(profile)
	}

	env, err := self.environ(ctx)
	if nil != err {
		return AccessToken{}, err
	}
	secrets, err := newFlowSecrets()
	if nil != err {
		return AccessToken{}, err
	}
	challenge, claims, err := env.fetchChallenge(ctx, secrets, scope)
	if nil != err {
		return AccessToken{}, err
	}

	authData, err := env.buildAlternateAuth(
		challenge, claims.ExpiresAt,
		data.HealthCardCertificate, data.SecureElementAlias, device, signer)
	if nil != err {
		return AccessToken{}, err
	}

	result, err := self.client.PostAltAuth(ctx, env.cfg, authData)
	if nil != err {
		return AccessToken{}, err
	}
	if result.State != secrets.state {
		return AccessToken{}, wrapError(ErrStateMismatch, "redirect state differs from sent state")
	}
	tokens, err := env.exchangeCode(ctx, result.Code, secrets)
	if nil != err {
		return AccessToken{}, err
	}

	err = self.establishSession(profile, result.SsoToken, TokenAlternate, scope, nil)
	if nil != err {
		return AccessToken{}, err
	}
	utils.RegistryReplace(self.tokens, cacheKey(profile, scope), tokens.Access)

	return tokens.Access, nil
}

// LoadAccessToken returns a usable access token for profile, refreshing it
// silently through the stored single sign on token when needed.
//
// Failures surface as RefreshError. UserActionRequired true means the single
// sign on token was missing or rejected & has been cleared, false means a
// transient failure left the stored token untouched.
func (self *UseCase) LoadAccessToken(ctx context.Context, profile string, scope TokenScope) (AccessToken, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	return self.loadAccessToken(ctx, profile, scope)
}

func (self *UseCase) loadAccessToken(ctx context.Context, profile string, scope TokenScope) (AccessToken, error) {
	key := cacheKey(profile, scope)

	cached, found := utils.RegistryGet(self.tokens, key)
	if found && cached.Fresh(self.now()) {
		return cached, nil
	}

	var data AuthData
	found, err := self.cfg.Store.LoadAuthData(profile, &data)
	if nil != err {
		return AccessToken{}, RefreshError{UserActionRequired: false, Cause: err}
	}
	sso := data.SessionToken()
	if !found || !sso.Valid(self.now()) {
		return AccessToken{}, RefreshError{
			UserActionRequired: true,
			Cause:              newError("profile %s holds no usable single sign on token", profile),
		}
	}

	access, err := self.refreshWithSso(ctx, sso.Token, scope)
	if nil == err {
		utils.RegistryReplace(self.tokens, key, access)
		return access, nil
	}

	if deniedStatus(err) {
		// the provider rejected the token, it will never work again
		_ = self.cfg.Store.ClearToken(profile)
		utils.RegistryDelete(self.tokens, key)
		return AccessToken{}, RefreshError{UserActionRequired: true, Cause: err}
	}

	return AccessToken{}, RefreshError{UserActionRequired: false, Cause: err}
}

// refreshWithSso runs one silent authorization round trip.
func (self *UseCase) refreshWithSso(ctx context.Context, ssoToken string, scope TokenScope) (AccessToken, error) {
	env, err := self.environ(ctx)
	if nil != err {
		return AccessToken{}, err
	}
	secrets, err := newFlowSecrets()
	if nil != err {
		return AccessToken{}, err
	}
	challenge, _, err := env.fetchChallenge(ctx, secrets, scope)
	if nil != err {
		return AccessToken{}, err
	}

	result, err := self.client.PostSsoChallenge(ctx, env.cfg, ssoToken, challenge)
	if nil != err {
		return AccessToken{}, err
	}
	if "" != result.State && result.State != secrets.state {
		return AccessToken{}, wrapError(ErrStateMismatch, "redirect state differs from sent state")
	}

	tokens, err := env.exchangeCode(ctx, result.Code, secrets)
	if nil != err {
		return AccessToken{}, err
	}

	return tokens.Access, nil
}

// PairedDevices lists the devices registered for the account of profile.
func (self *UseCase) PairedDevices(ctx context.Context, profile string) ([]PairedDevice, error) {
	var devices []PairedDevice

	err := self.redoOnce(ctx, profile, func(env flowEnv, accessToken string) error {
		body, err := self.client.ListDevices(ctx, env.cfg, accessToken)
		if nil != err {
			return err
		}
		devices, err = decodePairedDevices(body)
		return err
	})

	return devices, err
}

// DeletePairedDevice removes the device registered under keyIdentifier.
func (self *UseCase) DeletePairedDevice(ctx context.Context, profile, keyIdentifier string) error {
	return self.redoOnce(ctx, profile, func(env flowEnv, accessToken string) error {
		return self.client.DeleteDevice(ctx, env.cfg, accessToken, keyIdentifier)
	})
}

// redoOnce runs call with a pairing scope access token, retrying exactly once
// with a forced refresh when the provider rejects the presented token.
func (self *UseCase) redoOnce(ctx context.Context, profile string, call func(env flowEnv, accessToken string) error) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	env, err := self.environ(ctx)
	if nil != err {
		return err
	}

	access, err := self.loadAccessToken(ctx, profile, ScopePairing)
	if nil != err {
		return err
	}

	err = call(env, access.Token)
	if nil == err || !deniedStatus(err) {
		return err
	}

	utils.RegistryDelete(self.tokens, cacheKey(profile, ScopePairing))
	access, err = self.loadAccessToken(ctx, profile, ScopePairing)
	if nil != err {
		return err
	}

	return call(env, access.Token)
}

// Logout drops the single sign on token of profile. The pairing material is
// kept so the profile can log back in with its secure element.
func (self *UseCase) Logout(profile string) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.dropCachedTokens(profile)
	return self.cfg.Store.ClearToken(profile)
}

// Forget removes every trace of profile: tokens, pairing material and the
// secure element key itself.
func (self *UseCase) Forget(profile string) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	var data AuthData
	found, err := self.cfg.Store.LoadAuthData(profile, &data)
	if nil != err {
		return err
	}
	if found && len(data.SecureElementAlias) > 0 && nil != self.cfg.Element {
		_ = self.cfg.Element.Delete(data.SecureElementAlias)
	}

	self.dropCachedTokens(profile)
	return self.cfg.Store.ClearAuthData(profile)
}

// environ resolves the configuration & provider keys of one round trip.
func (self *UseCase) environ(ctx context.Context) (flowEnv, error) {
	var env flowEnv

	cfg, err := self.resolver.Configuration(ctx)
	if nil != err {
		return env, err
	}
	pukSig, _, err := self.resolver.SigningKey(ctx, cfg)
	if nil != err {
		return env, err
	}
	pukEnc, err := self.resolver.EncryptionKey(ctx, cfg)
	if nil != err {
		return env, err
	}

	return flowEnv{
		client: self.client,
		cfg:    cfg,
		pukSig: pukSig,
		pukEnc: pukEnc,
		rnd:    self.cfg.Rnd,
		now:    self.now,
	}, nil
}

// establishSession persists the fresh single sign on token of profile,
// keeping the device bound material already stored. extra, when not nil,
// mutates the record before saving.
func (self *UseCase) establishSession(profile, ssoToken string, kind SessionTokenKind, scope TokenScope, extra func(*AuthData)) error {
	if "" == ssoToken && TokenAlternate == kind {
		kind = TokenAlternateWithoutToken
	}
	session, err := NewSessionToken(kind, ssoToken)
	if nil != err {
		return wrapError(err, "unusable single sign on token")
	}

	return self.updateAuthData(profile, func(data *AuthData) {
		data.SetSessionToken(session, scope)
		if nil != extra {
			extra(data)
		}
	})
}

// updateAuthData applies mutate to the stored record of profile, whole value
// replacement under the UseCase lock.
func (self *UseCase) updateAuthData(profile string, mutate func(*AuthData)) error {
	var data AuthData
	_, err := self.cfg.Store.LoadAuthData(profile, &data)
	if nil != err {
		return err
	}
	mutate(&data)

	err = data.Check()
	if nil != err {
		return err
	}
	return self.cfg.Store.SaveAuthData(profile, data)
}

// purgeProfile handles a vanished secure element key.
func (self *UseCase) purgeProfile(profile string) error {
	self.dropCachedTokens(profile)
	_ = self.cfg.Store.ClearAuthData(profile)
	return wrapError(ErrKeyUnavailable, "secure element key of profile %s vanished", profile)
}

func (self *UseCase) dropCachedTokens(profile string) {
	for _, scope := range []TokenScope{ScopeDefault, ScopePairing} {
		utils.RegistryDelete(self.tokens, cacheKey(profile, scope))
	}
}

func cacheKey(profile string, scope TokenScope) string {
	return profile + "|" + string(scope)
}
