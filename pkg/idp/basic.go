package idp

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"code.sanakey.org/golang/pkg/ecies"
	"code.sanakey.org/golang/pkg/envelope"
)

const (
	stateSize = 32
	nonceSize = 32

	tokenKeySize = 32
)

// flowSecrets binds one authorization round trip. state & nonce must come
// back unchanged in the challenge, the verifier redeems the PKCE commitment
// at the token endpoint.
type flowSecrets struct {
	state string
	nonce string
	pkce  ecies.PKCEPair
}

func newFlowSecrets() (flowSecrets, error) {
	var rv flowSecrets
	var err error

	rv.state, err = ecies.RandomURLSafe(stateSize)
	if nil != err {
		return rv, err
	}
	rv.nonce, err = ecies.RandomURLSafe(nonceSize)
	if nil != err {
		return rv, err
	}
	rv.pkce, err = ecies.NewPKCEPair()

	return rv, err
}

// flowEnv bundles everything one authentication round trip needs: the
// resolved configuration, the provider keys and the client to talk through.
type flowEnv struct {
	client *Client
	cfg    *Configuration
	pukSig *ecdsa.PublicKey
	pukEnc *ecdsa.PublicKey
	rnd    io.Reader
	now    func() time.Time
}

// challengeClaims is the claim subset inspected in a fetched challenge.
type challengeClaims struct {
	State     string `json:"state"`
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"exp"`
}

// fetchChallenge retrieves a challenge for secrets, verifies its provider
// signature and checks that state & nonce echo the sent values. A mismatch is
// fatal, the flow must be abandoned.
func (self flowEnv) fetchChallenge(ctx context.Context, secrets flowSecrets, scope TokenScope) (string, challengeClaims, error) {
	var claims challengeClaims

	challenge, err := self.client.FetchChallenge(
		ctx, self.cfg, secrets.state, secrets.nonce, secrets.pkce.Challenge, scope)
	if nil != err {
		return "", claims, err
	}

	payload, _, err := envelope.Verify(challenge, self.pukSig)
	if nil != err {
		return "", claims, wrapError(err, "challenge signature does not verify")
	}
	err = json.Unmarshal(payload, &claims)
	if nil != err {
		return "", claims, wrapError(err, "failed challenge claims decoding")
	}

	if claims.State != secrets.state {
		return "", claims, wrapError(ErrStateMismatch, "challenge state differs from sent state")
	}
	if claims.Nonce != secrets.nonce {
		return "", claims, wrapError(ErrNonceMismatch, "challenge nonce differs from sent nonce")
	}

	return challenge, claims, nil
}

// signChallenge wraps the challenge in the nested transport form and signs it
// with the holder signer, embedding the holder certificate.
func (self flowEnv) signChallenge(challenge string, alg string, cert []byte, signer envelope.Signer) (string, error) {
	hdr := envelope.Header{
		Alg: alg,
		Typ: "JWT",
		Cty: "NJWT",
		X5c: []string{base64.StdEncoding.EncodeToString(cert)},
	}
	signed, err := envelope.Sign(envelope.Nest(challenge), hdr, signer)
	return signed, wrapError(err, "failed challenge signing")
}

// encryptForProvider seals the signed challenge for the provider encryption
// key, expiring with the challenge itself.
func (self flowEnv) encryptForProvider(signed string, expiresAt int64) (string, error) {
	hdr := envelope.Header{Typ: "JWT", Cty: "NJWT", Exp: expiresAt}
	sealed, err := envelope.Encrypt(self.rnd, envelope.Nest(signed), hdr, self.pukEnc)
	return sealed, wrapError(err, "failed challenge encryption")
}

// tokenSet is the decrypted outcome of a token exchange.
type tokenSet struct {
	IdToken string
	Claims  idTokenClaims
	Access  AccessToken
}

// exchangeCode redeems the authorization code.
//
// A fresh AES-256 token key is committed to the provider inside the key
// verifier, both returned tokens come back encrypted under it. The id token
// nonce must echo the flow nonce, a mismatch is fatal.
func (self flowEnv) exchangeCode(ctx context.Context, code string, secrets flowSecrets) (tokenSet, error) {
	var rv tokenSet

	tokenKey, err := ecies.RandomBytes(tokenKeySize)
	if nil != err {
		return rv, err
	}

	verifier, err := json.Marshal(map[string]string{
		"token_key":     base64.RawURLEncoding.EncodeToString(tokenKey),
		"code_verifier": secrets.pkce.Verifier,
	})
	if nil != err {
		return rv, wrapError(err, "failed key verifier encoding")
	}
	keyVerifier, err := envelope.Encrypt(self.rnd, verifier, envelope.Header{Typ: "JWT"}, self.pukEnc)
	if nil != err {
		return rv, wrapError(err, "failed key verifier encryption")
	}

	answer, err := self.client.ExchangeToken(ctx, self.cfg, code, keyVerifier)
	if nil != err {
		return rv, err
	}

	rv.IdToken, rv.Claims, err = self.openIdToken(answer.IdToken, tokenKey)
	if nil != err {
		return rv, err
	}
	if rv.Claims.Nonce != secrets.nonce {
		return rv, wrapError(ErrNonceMismatch, "id token nonce differs from flow nonce")
	}

	access, err := openNestedToken(answer.AccessToken, tokenKey)
	if nil != err {
		return rv, wrapError(err, "failed access token decryption")
	}
	rv.Access = AccessToken{
		Token:     access,
		ExpiresOn: self.now().Add(time.Duration(answer.ExpiresIn) * time.Second),
	}

	return rv, nil
}

// openIdToken decrypts the id token and decodes its identity claims. The
// claims are authenticated by the AES-GCM opening under the committed key, no
// separate signature check is needed.
func (self flowEnv) openIdToken(sealed string, tokenKey []byte) (string, idTokenClaims, error) {
	var claims idTokenClaims

	idToken, err := openNestedToken(sealed, tokenKey)
	if nil != err {
		return "", claims, wrapError(err, "failed id token decryption")
	}

	payload, _, err := envelope.Peek(idToken)
	if nil != err {
		return "", claims, wrapError(err, "unreadable id token")
	}
	err = json.Unmarshal(payload, &claims)
	if nil != err {
		return "", claims, wrapError(err, "failed id token claims decoding")
	}

	return idToken, claims, nil
}

// openNestedToken opens a token sealed under the committed token key and
// unwraps its nested transport form.
func openNestedToken(sealed string, tokenKey []byte) (string, error) {
	payload, _, err := envelope.DecryptDirect(sealed, tokenKey)
	if nil != err {
		return "", err
	}
	return envelope.Unnest(payload)
}
