package idp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"code.sanakey.org/golang/internal/algos"
	"code.sanakey.org/golang/internal/observability"
	"code.sanakey.org/golang/pkg/envelope"
	"code.sanakey.org/golang/pkg/truststore"
)

// ----------------------------------------------------------------------------
// in memory store fakes

type memCache struct {
	raw   string
	found bool
}

func (self *memCache) LoadDiscovery() (string, bool, error) { return self.raw, self.found, nil }
func (self *memCache) SaveDiscovery(raw string) error {
	self.raw, self.found = raw, true
	return nil
}
func (self *memCache) ClearDiscovery() error {
	self.raw, self.found = "", false
	return nil
}

type memStore struct {
	data map[string]AuthData
	pend map[string]ExtAuthPending
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]AuthData), pend: make(map[string]ExtAuthPending)}
}

func (self *memStore) LoadAuthData(profile string, dst *AuthData) (bool, error) {
	data, found := self.data[profile]
	if found {
		*dst = data
	}
	return found, nil
}

func (self *memStore) SaveAuthData(profile string, data AuthData) error {
	self.data[profile] = data
	return nil
}

func (self *memStore) ClearToken(profile string) error {
	data := self.data[profile]
	data.Token = ""
	data.TokenKind = 0
	data.ValidOn = 0
	data.ExpiresOn = 0
	self.data[profile] = data
	return nil
}

func (self *memStore) ClearAuthData(profile string) error {
	delete(self.data, profile)
	return nil
}

func (self *memStore) SavePendingExtAuth(pending ExtAuthPending) error {
	self.pend[pending.State] = pending
	return nil
}

func (self *memStore) PopPendingExtAuth(state string) (ExtAuthPending, bool, error) {
	pending, found := self.pend[state]
	delete(self.pend, state)
	return pending, found, nil
}

type fakeElement struct {
	keys     map[string]*ecdsa.PrivateKey
	vanished bool
}

func newFakeElement() *fakeElement {
	return &fakeElement{keys: make(map[string]*ecdsa.PrivateKey)}
}

func (self *fakeElement) Generate() ([]byte, *ecdsa.PublicKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if nil != err {
		return nil, nil, err
	}
	alias := make([]byte, 32)
	_, _ = rand.Read(alias)
	self.keys[string(alias)] = key
	return alias, &key.PublicKey, nil
}

func (self *fakeElement) Signer(alias []byte) (envelope.Signer, bool, error) {
	if self.vanished {
		return nil, false, nil
	}
	key, found := self.keys[string(alias)]
	if !found {
		return nil, false, nil
	}
	return envelope.SoftSigner{Key: key, Rnd: rand.Reader}, true, nil
}

func (self *fakeElement) Delete(alias []byte) error {
	delete(self.keys, string(alias))
	return nil
}

// ----------------------------------------------------------------------------
// throwaway provider PKI

type providerPki struct {
	rootCert *x509.Certificate
	caCert   *x509.Certificate
	caDer    []byte
	caKey    *ecdsa.PrivateKey
	eeDer    []byte
	eeCert   *x509.Certificate
	idpCert  *x509.Certificate
	idpDer   []byte
	idpKey   *ecdsa.PrivateKey
}

var testSerial int64 = 5000

func mkTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if nil != err {
		t.Fatalf("Failed GenerateKey, got error %v", err)
	}
	return key
}

func mkTestCert(t *testing.T, template, parent *x509.Certificate, pub *ecdsa.PublicKey, parentKey *ecdsa.PrivateKey) (*x509.Certificate, []byte) {
	t.Helper()
	testSerial++
	template.SerialNumber = big.NewInt(testSerial)
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if nil != err {
		t.Fatalf("Failed CreateCertificate, got error %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if nil != err {
		t.Fatalf("Failed ParseCertificate, got error %v", err)
	}
	return cert, der
}

// mkTestPolicy converts oid into the Policies form CreateCertificate marshals.
func mkTestPolicy(t *testing.T, oid asn1.ObjectIdentifier) []x509.OID {
	t.Helper()
	ints := make([]uint64, len(oid))
	for pos, arc := range oid {
		ints[pos] = uint64(arc)
	}
	rv, err := x509.OIDFromInts(ints)
	if nil != err {
		t.Fatalf("Failed OIDFromInts, got error %v", err)
	}
	return []x509.OID{rv}
}

func mkProviderPki(t *testing.T) *providerPki {
	t.Helper()
	now := time.Now()

	p := &providerPki{}
	rootKey := mkTestKey(t)
	rootTpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Flow Test Root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	p.rootCert, _ = mkTestCert(t, rootTpl, rootTpl, &rootKey.PublicKey, rootKey)

	p.caKey = mkTestKey(t)
	caTpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Flow Test CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	p.caCert, p.caDer = mkTestCert(t, caTpl, p.rootCert, &p.caKey.PublicKey, rootKey)

	eeKey := mkTestKey(t)
	eeTpl := &x509.Certificate{
		Subject:           pkix.Name{CommonName: "Flow Test EE"},
		NotBefore:         now.Add(-time.Hour),
		NotAfter:          now.Add(24 * time.Hour),
		KeyUsage:          x509.KeyUsageDigitalSignature,
		PolicyIdentifiers: []asn1.ObjectIdentifier{truststore.OidTrustedExecEnv},
		Policies:          mkTestPolicy(t, truststore.OidTrustedExecEnv),
	}
	p.eeCert, p.eeDer = mkTestCert(t, eeTpl, p.caCert, &eeKey.PublicKey, p.caKey)

	p.idpKey = mkTestKey(t)
	idpTpl := &x509.Certificate{
		Subject:           pkix.Name{CommonName: "Flow Test IDP"},
		NotBefore:         now.Add(-time.Hour),
		NotAfter:          now.Add(24 * time.Hour),
		KeyUsage:          x509.KeyUsageDigitalSignature,
		PolicyIdentifiers: []asn1.ObjectIdentifier{truststore.OidIdentityProv},
		Policies:          mkTestPolicy(t, truststore.OidIdentityProv),
	}
	p.idpCert, p.idpDer = mkTestCert(t, idpTpl, p.caCert, &p.idpKey.PublicKey, p.caKey)

	return p
}

func (self *providerPki) mkOcsp(t *testing.T, serial *big.Int) []byte {
	t.Helper()
	now := time.Now()
	tpl := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: serial,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(12 * time.Hour),
		Certificate:  self.caCert,
	}
	der, err := ocsp.CreateResponse(self.caCert, self.caCert, tpl, self.caKey)
	if nil != err {
		t.Fatalf("Failed ocsp.CreateResponse, got error %v", err)
	}
	return der
}

// pkiSource serves the PKI material in memory.
type pkiSource struct {
	lists truststore.CertLists
	ocsps [][]byte
}

func (self *pkiSource) FetchCertLists(ctx context.Context) (truststore.CertLists, error) {
	return self.lists, nil
}

func (self *pkiSource) FetchOcspResponses(ctx context.Context) ([][]byte, error) {
	return self.ocsps, nil
}

// ----------------------------------------------------------------------------
// fake provider backend

type fakeProvider struct {
	t      *testing.T
	pki    *providerPki
	encKey *ecdsa.PrivateKey
	server *httptest.Server

	redirectURI string

	lastState string
	lastNonce string

	// knobs
	breakChallengeState bool
	breakIdTokenNonce   bool
	denySso             bool

	tokenCalls  int
	ssoCalls    int
	deviceNames []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	f := &fakeProvider{
		t:           t,
		pki:         mkProviderPki(t),
		encKey:      mkTestKey(t),
		redirectURI: "https://app.example/cb",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/disc", f.handleDiscovery)
	mux.HandleFunc("/puk_sig", f.handlePukSig)
	mux.HandleFunc("/puk_enc", f.handlePukEnc)
	mux.HandleFunc("/auth", f.handleAuth)
	mux.HandleFunc("/sso", f.handleSso)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/pairing", f.handlePairing)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	return f
}

func (self *fakeProvider) signer() envelope.SoftSigner {
	return envelope.SoftSigner{Key: self.pki.idpKey, Rnd: rand.Reader}
}

func (self *fakeProvider) ssoToken(exp time.Time) string {
	return mkCompact(self.t, envelope.Header{Alg: "ES256", Exp: exp.Unix()}, map[string]any{})
}

func (self *fakeProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	cfg := Configuration{
		AuthorizationEndpoint: self.server.URL + "/auth",
		SsoEndpoint:           self.server.URL + "/sso",
		TokenEndpoint:         self.server.URL + "/token",
		PairingEndpoint:       self.server.URL + "/pairing",
		PukSigURI:             self.server.URL + "/puk_sig",
		PukEncURI:             self.server.URL + "/puk_enc",
		Issuer:                self.server.URL,
		IssuedAt:              now.Add(-time.Minute).Unix(),
		ExpiresAt:             now.Add(23 * time.Hour).Unix(),
	}
	payload, _ := json.Marshal(cfg)

	hdr := envelope.Header{
		Alg: envelope.ALG_ES256,
		X5c: []string{base64.StdEncoding.EncodeToString(self.pki.idpDer)},
	}
	signed, err := envelope.Sign(payload, hdr, self.signer())
	if nil != err {
		http.Error(w, err.Error(), 500)
		return
	}
	fmt.Fprint(w, signed)
}

func (self *fakeProvider) writeJwk(w http.ResponseWriter, pub *ecdsa.PublicKey, withCert bool) {
	key := jwk{
		Kty: "EC",
		Crv: algos.CURVE_P256,
		X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
	if withCert {
		key.X5c = []string{base64.StdEncoding.EncodeToString(self.pki.idpDer)}
	}
	_ = json.NewEncoder(w).Encode(key)
}

func (self *fakeProvider) handlePukSig(w http.ResponseWriter, r *http.Request) {
	self.writeJwk(w, &self.pki.idpKey.PublicKey, true)
}

func (self *fakeProvider) handlePukEnc(w http.ResponseWriter, r *http.Request) {
	self.writeJwk(w, &self.encKey.PublicKey, false)
}

func (self *fakeProvider) handleAuth(w http.ResponseWriter, r *http.Request) {
	if http.MethodGet == r.Method {
		query := r.URL.Query()
		self.lastState = query.Get("state")
		self.lastNonce = query.Get("nonce")

		state := self.lastState
		if self.breakChallengeState {
			state = "not-the-sent-state"
		}
		challenge, err := envelope.Sign(mustJson(challengeClaims{
			State:     state,
			Nonce:     self.lastNonce,
			ExpiresAt: time.Now().Add(3 * time.Minute).Unix(),
		}), envelope.Header{Alg: envelope.ALG_ES256}, self.signer())
		if nil != err {
			http.Error(w, err.Error(), 500)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": challenge})
		return
	}

	_ = r.ParseForm()
	sealed := r.PostForm.Get("signed_challenge")
	if "" == sealed {
		sealed = r.PostForm.Get("encrypted_signed_authentication_data")
	}
	if "" == sealed {
		http.Error(w, "missing authentication material", 400)
		return
	}
	// the client must have sealed for our encryption key
	_, _, err := envelope.DecryptECDHES(sealed, self.encKey)
	if nil != err {
		http.Error(w, err.Error(), 400)
		return
	}

	self.redirect(w, url.Values{
		"code":     {"code-1"},
		"state":    {self.lastState},
		"ssotoken": {self.ssoToken(time.Now().Add(36 * time.Hour))},
	})
}

func (self *fakeProvider) handleSso(w http.ResponseWriter, r *http.Request) {
	self.ssoCalls++
	if self.denySso {
		http.Error(w, "token rejected", 401)
		return
	}

	_ = r.ParseForm()
	if "" == r.PostForm.Get("ssotoken") || "" == r.PostForm.Get("unsigned_challenge") {
		http.Error(w, "missing ssotoken or challenge", 400)
		return
	}

	self.redirect(w, url.Values{
		"code":  {"code-2"},
		"state": {self.lastState},
	})
}

func (self *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	self.tokenCalls++

	_ = r.ParseForm()
	verifier, _, err := envelope.DecryptECDHES(r.PostForm.Get("key_verifier"), self.encKey)
	if nil != err {
		http.Error(w, err.Error(), 400)
		return
	}
	var committed struct {
		TokenKey     string `json:"token_key"`
		CodeVerifier string `json:"code_verifier"`
	}
	err = json.Unmarshal(verifier, &committed)
	if nil != err || "" == committed.CodeVerifier {
		http.Error(w, "bad key verifier", 400)
		return
	}
	tokenKey, err := base64.RawURLEncoding.DecodeString(committed.TokenKey)
	if nil != err || 32 != len(tokenKey) {
		http.Error(w, "bad token key", 400)
		return
	}

	nonce := self.lastNonce
	if self.breakIdTokenNonce {
		nonce = nonce[1:] + "x"
	}
	idToken, err := envelope.Sign(mustJson(idTokenClaims{
		Issuer:    self.server.URL,
		Subject:   "subject-1",
		Nonce:     nonce,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		IssuedAt:  time.Now().Unix(),
	}), envelope.Header{Alg: envelope.ALG_ES256}, self.signer())
	if nil != err {
		http.Error(w, err.Error(), 500)
		return
	}

	sealedId, err := envelope.EncryptDirect(rand.Reader, envelope.Nest(idToken), envelope.Header{Cty: "NJWT"}, tokenKey)
	if nil != err {
		http.Error(w, err.Error(), 500)
		return
	}
	access := fmt.Sprintf("access-%d", self.tokenCalls)
	sealedAccess, err := envelope.EncryptDirect(rand.Reader, envelope.Nest(access), envelope.Header{Cty: "NJWT"}, tokenKey)
	if nil != err {
		http.Error(w, err.Error(), 500)
		return
	}

	_ = json.NewEncoder(w).Encode(tokenResponse{
		IdToken:     sealedId,
		AccessToken: sealedAccess,
		ExpiresIn:   300,
		TokenType:   "Bearer",
	})
}

func (self *fakeProvider) handlePairing(w http.ResponseWriter, r *http.Request) {
	if "Bearer access-1" != r.Header.Get("Authorization") &&
		"Bearer access-2" != r.Header.Get("Authorization") &&
		"Bearer access-3" != r.Header.Get("Authorization") {
		http.Error(w, "bad token", 401)
		return
	}

	switch r.Method {
	case http.MethodGet:
		entries := make([]PairedDevice, 0, len(self.deviceNames))
		for pos, name := range self.deviceNames {
			entries = append(entries, PairedDevice{
				Name:          name,
				KeyIdentifier: fmt.Sprintf("key-%d", pos),
				CreatedAt:     time.Now().Unix(),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"pairing_entries": entries})
	case http.MethodPost:
		_ = r.ParseForm()
		if "" == r.PostForm.Get("encrypted_registration_data") {
			http.Error(w, "missing registration", 400)
			return
		}
		self.deviceNames = append(self.deviceNames, "registered")
		w.WriteHeader(200)
	case http.MethodDelete:
		w.WriteHeader(204)
	}
}

func (self *fakeProvider) redirect(w http.ResponseWriter, query url.Values) {
	w.Header().Set("Location", self.redirectURI+"?"+query.Encode())
	w.WriteHeader(http.StatusFound)
}

func mustJson(v any) []byte {
	rv, err := json.Marshal(v)
	if nil != err {
		panic(err)
	}
	return rv
}

// ----------------------------------------------------------------------------
// fixtures

func mkUseCase(t *testing.T, f *fakeProvider) (*UseCase, *memStore, *fakeElement) {
	t.Helper()

	src := &pkiSource{
		lists: truststore.CertLists{
			CACerts:  [][]byte{f.pki.caDer},
			EECerts:  [][]byte{f.pki.eeDer},
			IdpCerts: [][]byte{f.pki.idpDer},
		},
		ocsps: [][]byte{
			f.pki.mkOcsp(t, f.pki.eeCert.SerialNumber),
			f.pki.mkOcsp(t, f.pki.idpCert.SerialNumber),
		},
	}
	trust, err := truststore.NewValidator(truststore.Config{Anchor: f.pki.rootCert}, src)
	if nil != err {
		t.Fatalf("Failed NewValidator, got error %v", err)
	}

	store := newMemStore()
	element := newFakeElement()
	uc, err := NewUseCase(UseCaseConfig{
		Client: ClientConfig{
			DiscoveryURL: f.server.URL + "/disc",
			ClientId:     "test-app",
			RedirectURI:  f.redirectURI,
		},
		Store:   store,
		Cache:   &memCache{},
		Trust:   trust,
		Element: element,
	})
	if nil != err {
		t.Fatalf("Failed NewUseCase, got error %v", err)
	}

	return uc, store, element
}

func mkCard(t *testing.T) Card {
	t.Helper()

	curve, err := algos.GetCurve(algos.CURVE_BP256)
	if nil != err {
		t.Fatalf("Failed GetCurve, got error %v", err)
	}
	key, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("Failed GenerateKey, got error %v", err)
	}

	// a throwaway self signed P-256 certificate stands in for the card one
	holder := mkTestKey(t)
	tpl := &x509.Certificate{
		Subject:   pkix.Name{CommonName: "Card Holder"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	_, der := mkTestCert(t, tpl, tpl, &holder.PublicKey, holder)

	return Card{
		Certificate:      der,
		Signer:           envelope.SoftSigner{Key: key, Rnd: rand.Reader},
		CardAccessNumber: "123123",
	}
}

// ----------------------------------------------------------------------------
// tests

func TestLoginWithHealthCard(t *testing.T) {
	f := newFakeProvider(t)
	uc, store, _ := mkUseCase(t, f)
	ctx := observability.SetObservability(context.Background(),
		&observability.Observability{Logger: observability.NoopLogger()})

	access, err := uc.LoginWithHealthCard(ctx, "alice", mkCard(t), ScopeDefault)
	if nil != err {
		t.Fatalf("[0]: Failed LoginWithHealthCard, got error %v", err)
	}
	if "access-1" != access.Token {
		t.Errorf("[1]: access token %q != access-1", access.Token)
	}

	data := store.data["alice"]
	if "" == data.Token || TokenStandard != data.TokenKind {
		t.Error("[2]: single sign on token not persisted")
	}
	if ScopeDefault != data.Scope {
		t.Errorf("[3]: persisted scope %q != %q", data.Scope, ScopeDefault)
	}
	if "123123" != data.CardAccessNumber {
		t.Error("[4]: card access number not persisted")
	}

	// the fresh token is served from cache, no extra exchange happens
	cached, err := uc.LoadAccessToken(ctx, "alice", ScopeDefault)
	if nil != err {
		t.Fatalf("[5]: Failed LoadAccessToken, got error %v", err)
	}
	if cached.Token != access.Token {
		t.Error("[6]: cached access token differs")
	}
	if 1 != f.tokenCalls {
		t.Errorf("[7]: token endpoint called %d times != 1", f.tokenCalls)
	}
}

func TestLoadAccessTokenRefresh(t *testing.T) {
	f := newFakeProvider(t)
	uc, store, _ := mkUseCase(t, f)
	ctx := context.Background()

	// a stored single sign on token, nothing cached in memory
	var data AuthData
	data.SetSessionToken(SessionToken{
		Kind:      TokenStandard,
		Token:     f.ssoToken(time.Now().Add(12 * time.Hour)),
		ValidOn:   time.Now().Add(-time.Hour),
		ExpiresOn: time.Now().Add(12 * time.Hour),
	}, ScopeDefault)
	_ = store.SaveAuthData("bob", data)

	access, err := uc.LoadAccessToken(ctx, "bob", ScopeDefault)
	if nil != err {
		t.Fatalf("[0]: Failed LoadAccessToken, got error %v", err)
	}
	if "access-1" != access.Token {
		t.Errorf("[1]: access token %q != access-1", access.Token)
	}
	if 1 != f.ssoCalls {
		t.Errorf("[2]: sso endpoint called %d times != 1", f.ssoCalls)
	}
}

func TestLoadAccessTokenDenied(t *testing.T) {
	f := newFakeProvider(t)
	uc, store, _ := mkUseCase(t, f)
	ctx := context.Background()

	var data AuthData
	data.SetSessionToken(SessionToken{
		Kind:      TokenStandard,
		Token:     f.ssoToken(time.Now().Add(12 * time.Hour)),
		ValidOn:   time.Now().Add(-time.Hour),
		ExpiresOn: time.Now().Add(12 * time.Hour),
	}, ScopeDefault)
	_ = store.SaveAuthData("carol", data)
	f.denySso = true

	_, err := uc.LoadAccessToken(ctx, "carol", ScopeDefault)
	if nil == err {
		t.Fatal("[0]: LoadAccessToken succeeded against a denying provider")
	}
	if !NeedsReauthentication(err) {
		t.Errorf("[1]: denied refresh not reported as needing user action, %v", err)
	}

	// the rejected token is gone, the scope survives
	kept := store.data["carol"]
	if "" != kept.Token {
		t.Error("[2]: rejected single sign on token not cleared")
	}
	if ScopeDefault != kept.Scope {
		t.Error("[3]: scope not preserved across token clearing")
	}
}

func TestLoadAccessTokenWithoutSession(t *testing.T) {
	f := newFakeProvider(t)
	uc, _, _ := mkUseCase(t, f)

	_, err := uc.LoadAccessToken(context.Background(), "nobody", ScopeDefault)
	var rerr RefreshError
	if !errors.As(err, &rerr) || !rerr.UserActionRequired {
		t.Errorf("missing session not reported as needing user action, %v", err)
	}
	if 0 != f.ssoCalls {
		t.Error("refresh attempted without a stored token")
	}
}

func TestLoginStateMismatchIsFatal(t *testing.T) {
	f := newFakeProvider(t)
	uc, _, _ := mkUseCase(t, f)
	f.breakChallengeState = true

	_, err := uc.LoginWithHealthCard(context.Background(), "alice", mkCard(t), ScopeDefault)
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("tampered state not rejected, %v", err)
	}
	if 0 != f.tokenCalls {
		t.Error("token exchange ran despite the state mismatch")
	}
}

func TestLoginNonceMismatchIsFatal(t *testing.T) {
	f := newFakeProvider(t)
	uc, store, _ := mkUseCase(t, f)
	f.breakIdTokenNonce = true

	_, err := uc.LoginWithHealthCard(context.Background(), "alice", mkCard(t), ScopeDefault)
	if !errors.Is(err, ErrNonceMismatch) {
		t.Errorf("[0]: tampered id token nonce not rejected, %v", err)
	}
	if "" != store.data["alice"].Token {
		t.Error("[1]: session persisted despite the nonce mismatch")
	}
}

func TestSecureElementPairingAndLogin(t *testing.T) {
	observability.SetTestDebugLogging(t)
	f := newFakeProvider(t)
	uc, store, _ := mkUseCase(t, f)
	ctx := context.Background()

	device := DeviceInformation{
		Name: "test phone",
		DeviceType: DeviceType{
			Product: "Pixelish", Model: "9", OS: "android", OSVersion: "15", Manufacturer: "ACME",
		},
	}

	err := uc.PairWithSecureElement(ctx, "dora", mkCard(t), device)
	if nil != err {
		t.Fatalf("[0]: Failed PairWithSecureElement, got error %v", err)
	}
	data := store.data["dora"]
	if 32 != len(data.SecureElementAlias) || 0 == len(data.HealthCardCertificate) {
		t.Fatal("[1]: pairing material not persisted")
	}

	access, err := uc.LoginWithSecureElement(ctx, "dora", device, ScopeDefault)
	if nil != err {
		t.Fatalf("[2]: Failed LoginWithSecureElement, got error %v", err)
	}
	if "" == access.Token {
		t.Error("[3]: empty access token")
	}
	if TokenAlternate != store.data["dora"].TokenKind {
		t.Errorf("[4]: session kind %d != TokenAlternate", store.data["dora"].TokenKind)
	}

	devices, err := uc.PairedDevices(ctx, "dora")
	if nil != err {
		t.Fatalf("[5]: Failed PairedDevices, got error %v", err)
	}
	if 1 != len(devices) {
		t.Errorf("[6]: %d paired devices != 1", len(devices))
	}
}

func TestSecureElementKeyVanished(t *testing.T) {
	f := newFakeProvider(t)
	uc, store, element := mkUseCase(t, f)
	ctx := context.Background()

	var data AuthData
	data.HealthCardCertificate = mkCard(t).Certificate
	data.SecureElementAlias = make([]byte, 32)
	_ = store.SaveAuthData("erin", data)
	element.vanished = true

	_, err := uc.LoginWithSecureElement(ctx, "erin", DeviceInformation{}, ScopeDefault)
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("[0]: vanished key not reported, %v", err)
	}
	if !NeedsReauthentication(err) {
		t.Error("[1]: vanished key not reported as needing user action")
	}
	if _, found := store.data["erin"]; found {
		t.Error("[2]: profile material not purged")
	}
}

func TestExternalAuthRoundTrip(t *testing.T) {
	f := newFakeProvider(t)
	uc, store, _ := mkUseCase(t, f)
	ctx := context.Background()

	// the delegation context outlives the redirect
	secrets, err := newFlowSecrets()
	if nil != err {
		t.Fatalf("[0]: Failed newFlowSecrets, got error %v", err)
	}
	f.lastNonce = secrets.nonce
	err = store.SavePendingExtAuth(ExtAuthPending{
		State:        secrets.state,
		Nonce:        secrets.nonce,
		CodeVerifier: secrets.pkce.Verifier,
		Scope:        string(ScopeDefault),
		Profile:      "frank",
		AuthorityId:  "kk-1",
		RequestedAt:  time.Now().Unix(),
	})
	if nil != err {
		t.Fatalf("[1]: Failed SavePendingExtAuth, got error %v", err)
	}

	callback := f.redirectURI + "?" + url.Values{
		"code":  {"code-9"},
		"state": {secrets.state},
	}.Encode()
	profile, access, err := uc.FinishExternalAuth(ctx, callback)
	if nil != err {
		t.Fatalf("[2]: Failed FinishExternalAuth, got error %v", err)
	}
	if "frank" != profile {
		t.Errorf("[3]: profile %q != frank", profile)
	}
	if "" == access.Token {
		t.Error("[4]: empty access token")
	}

	// an unknown state is a forged or replayed callback
	_, _, err = uc.FinishExternalAuth(ctx, callback)
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("[5]: replayed callback not rejected, %v", err)
	}
}
