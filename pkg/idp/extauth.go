package idp

import (
	"context"
	"encoding/json"
	"net/url"

	"code.sanakey.org/golang/internal/utils"
	"code.sanakey.org/golang/pkg/ecies"
)

// ExternalAuthenticator is one insurer app published by the federation.
type ExternalAuthenticator struct {
	Id   string `json:"kk_app_id"`
	Name string `json:"kk_app_name"`
}

// ExternalAuthenticators lists the insurer apps the user may delegate the
// authentication to.
func (self *UseCase) ExternalAuthenticators(ctx context.Context) ([]ExternalAuthenticator, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	env, err := self.environ(ctx)
	if nil != err {
		return nil, err
	}
	body, err := self.client.ExternalAuthenticators(ctx, env.cfg)
	if nil != err {
		return nil, err
	}

	var answer struct {
		Apps []ExternalAuthenticator `json:"kk_app_list"`
	}
	err = json.Unmarshal(body, &answer)
	if nil != err {
		return nil, wrapError(err, "failed authenticator list decoding")
	}

	return answer.Apps, nil
}

// StartExternalAuth begins a delegated authentication through the insurer
// app authorityId and returns the URL the user must be sent to.
//
// The flow secrets are persisted keyed by state: the callback arrives out of
// band, possibly after a process restart.
func (self *UseCase) StartExternalAuth(ctx context.Context, profile, authorityId string, scope TokenScope) (string, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	env, err := self.environ(ctx)
	if nil != err {
		return "", err
	}
	secrets, err := newFlowSecrets()
	if nil != err {
		return "", err
	}

	redirect, err := self.client.FetchExtAuthRedirect(
		ctx, env.cfg, authorityId, secrets.state, secrets.nonce, secrets.pkce.Challenge, scope)
	if nil != err {
		return "", err
	}

	pending := ExtAuthPending{
		State:        secrets.state,
		Nonce:        secrets.nonce,
		CodeVerifier: secrets.pkce.Verifier,
		Scope:        string(scope),
		Profile:      profile,
		AuthorityId:  authorityId,
		RequestedAt:  self.now().Unix(),
	}
	err = self.cfg.Store.SavePendingExtAuth(pending)
	if nil != err {
		return "", wrapError(err, "failed persisting delegation context")
	}

	return redirect, nil
}

// FinishExternalAuth completes a delegated authentication from the callback
// URI the insurer app redirected to. It returns the profile the delegation
// was started for together with the obtained access token.
//
// An unknown state is fatal: either the callback is forged or the delegation
// context was consumed already.
func (self *UseCase) FinishExternalAuth(ctx context.Context, callbackURI string) (string, AccessToken, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	u, err := url.Parse(callbackURI)
	if nil != err {
		return "", AccessToken{}, wrapError(err, "invalid callback URI")
	}
	query := u.Query()
	code, state := query.Get("code"), query.Get("state")
	if "" == code || "" == state {
		return "", AccessToken{}, newError("callback carries no code or state")
	}

	pending, found, err := self.cfg.Store.PopPendingExtAuth(state)
	if nil != err {
		return "", AccessToken{}, err
	}
	if !found {
		return "", AccessToken{}, wrapError(ErrStateMismatch, "no pending delegation for callback state")
	}

	env, err := self.environ(ctx)
	if nil != err {
		return "", AccessToken{}, err
	}

	secrets := flowSecrets{
		state: pending.State,
		nonce: pending.Nonce,
		pkce:  ecies.PKCEPair{Verifier: pending.CodeVerifier},
	}
	tokens, err := env.exchangeCode(ctx, code, secrets)
	if nil != err {
		return "", AccessToken{}, err
	}

	scope := TokenScope(pending.Scope)
	ssoToken := query.Get("ssotoken")
	if "" != ssoToken {
		err = self.establishSession(pending.Profile, ssoToken, TokenStandard, scope, nil)
		if nil != err {
			return "", AccessToken{}, err
		}
	}
	utils.RegistryReplace(self.tokens, cacheKey(pending.Profile, scope), tokens.Access)

	return pending.Profile, tokens.Access, nil
}
