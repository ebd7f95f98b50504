package idp

import (
	"encoding/json"
	"time"

	"code.sanakey.org/golang/pkg/envelope"
)

// earlyUseWindow is how long before its expiry a single sign on token is
// accepted for refreshes. Tokens outlive interactive sessions by design, the
// window keeps very fresh tokens from being replayed right after issuance.
const earlyUseWindow = 24 * time.Hour

// SessionTokenKind discriminates the SessionToken variants.
type SessionTokenKind int

const (
	// TokenStandard is issued after a health card authentication.
	TokenStandard SessionTokenKind = iota

	// TokenAlternate is issued after a secure element authentication.
	TokenAlternate

	// TokenAlternateWithoutToken marks a paired secure element profile that
	// holds no refreshable token. It never validates.
	TokenAlternateWithoutToken
)

// SessionToken is the single sign on token of a profile.
type SessionToken struct {
	Kind      SessionTokenKind
	Token     string
	ValidOn   time.Time
	ExpiresOn time.Time
}

// Valid reports if the token may be presented at instant at.
// The lower bound is inclusive, the upper bound exclusive.
func (self SessionToken) Valid(at time.Time) bool {
	if TokenAlternateWithoutToken == self.Kind {
		return false
	}
	if "" == self.Token {
		return false
	}
	return !at.Before(self.ValidOn) && at.Before(self.ExpiresOn)
}

// NewSessionToken builds a SessionToken of the given kind from the compact
// token, reading the expiry from the token itself.
func NewSessionToken(kind SessionTokenKind, compact string) (SessionToken, error) {
	rv := SessionToken{Kind: kind, Token: compact}
	if TokenAlternateWithoutToken == kind {
		return rv, nil
	}

	exp, err := tokenExpiry(compact)
	if nil != err {
		return rv, err
	}
	rv.ExpiresOn = exp
	rv.ValidOn = exp.Add(-earlyUseWindow)

	return rv, nil
}

// tokenExpiry extracts the exp instant of a compact token, looking at the
// protected header first and at the payload claims otherwise.
func tokenExpiry(compact string) (time.Time, error) {
	payload, hdr, err := envelope.Peek(compact)
	if nil != err {
		return time.Time{}, wrapError(err, "unreadable token")
	}
	if hdr.Exp > 0 {
		return time.Unix(hdr.Exp, 0), nil
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	err = json.Unmarshal(payload, &claims)
	if nil != err || 0 == claims.Exp {
		return time.Time{}, newError("token carries no expiry")
	}

	return time.Unix(claims.Exp, 0), nil
}

// AccessToken is a decrypted access token and its expiry.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// Fresh reports if the token is still usable at instant at.
func (self AccessToken) Fresh(at time.Time) bool {
	return "" != self.Token && at.Before(self.ExpiresOn)
}

// tokenResponse is the token endpoint answer. Both tokens are encrypted
// under the key the client committed to in the key verifier.
type tokenResponse struct {
	IdToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// idTokenClaims is the subset of identity claims the client inspects.
type idTokenClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	GivenName string `json:"given_name"`
	LastName  string `json:"family_name"`
	IdNumber  string `json:"idNummer"`
}
