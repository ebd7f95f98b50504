package idp

import (
	"time"
)

// TokenScope selects the audience of an authentication.
type TokenScope string

const (
	// ScopeDefault grants access to the health record API.
	ScopeDefault = TokenScope("e-rezept openid")

	// ScopePairing grants access to the device pairing API only.
	ScopePairing = TokenScope("pairing openid")
)

// AuthData is the durable authentication material of one profile.
type AuthData struct {
	// Single sign on token of the profile, empty when logged out.
	Token     string           `cbor:"1,keyasint,omitempty"`
	TokenKind SessionTokenKind `cbor:"2,keyasint,omitempty"`
	ValidOn   int64            `cbor:"3,keyasint,omitempty"`
	ExpiresOn int64            `cbor:"4,keyasint,omitempty"`

	// Scope the token was issued for. Survives token invalidation.
	Scope TokenScope `cbor:"5,keyasint,omitempty"`

	// Device bound material of a secure element pairing.
	HealthCardCertificate []byte `cbor:"6,keyasint,omitempty"`
	SecureElementAlias    []byte `cbor:"7,keyasint,omitempty"`
	CardAccessNumber      string `cbor:"8,keyasint,omitempty"`
}

// Check returns an error if the AuthData is invalid.
func (self AuthData) Check() error {
	if len(self.SecureElementAlias) > 0 && 32 != len(self.SecureElementAlias) {
		return wrapError(Error, "secure element alias len != 32")
	}
	return nil
}

// SessionToken returns the stored token as a SessionToken value.
func (self AuthData) SessionToken() SessionToken {
	return SessionToken{
		Kind:      self.TokenKind,
		Token:     self.Token,
		ValidOn:   time.Unix(self.ValidOn, 0),
		ExpiresOn: time.Unix(self.ExpiresOn, 0),
	}
}

// SetSessionToken stores token fields into the AuthData.
func (self *AuthData) SetSessionToken(token SessionToken, scope TokenScope) {
	self.Token = token.Token
	self.TokenKind = token.Kind
	self.ValidOn = token.ValidOn.Unix()
	self.ExpiresOn = token.ExpiresOn.Unix()
	self.Scope = scope
}

// ExtAuthPending is the persisted context of an external authenticator
// redirect, keyed by its state value until the out of band callback returns.
type ExtAuthPending struct {
	State        string `cbor:"1,keyasint"`
	Nonce        string `cbor:"2,keyasint"`
	CodeVerifier string `cbor:"3,keyasint"`
	Scope        string `cbor:"4,keyasint"`
	Profile      string `cbor:"5,keyasint"`
	AuthorityId  string `cbor:"6,keyasint"`
	RequestedAt  int64  `cbor:"7,keyasint"`
}

// Check returns an error if the ExtAuthPending is invalid.
func (self ExtAuthPending) Check() error {
	if "" == self.State {
		return newError("missing state")
	}
	if "" == self.Nonce || "" == self.CodeVerifier {
		return newError("missing nonce or code verifier")
	}
	if "" == self.Profile {
		return newError("missing profile")
	}
	return nil
}

// AuthDataStore persists per profile authentication material.
//
// Implementations must keep ClearToken scope preserving: the stored Scope
// survives so that a later interactive login can reuse it.
type AuthDataStore interface {
	LoadAuthData(profile string, dst *AuthData) (bool, error)
	SaveAuthData(profile string, data AuthData) error

	// ClearToken drops the single sign on token of the profile but keeps
	// the scope and the device bound material.
	ClearToken(profile string) error

	// ClearAuthData drops everything stored for the profile.
	ClearAuthData(profile string) error

	SavePendingExtAuth(pending ExtAuthPending) error

	// PopPendingExtAuth removes & returns the pending context stored under
	// state. The bool flag is false when no such context exists.
	PopPendingExtAuth(state string) (ExtAuthPending, bool, error)
}
